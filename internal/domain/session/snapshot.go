package session

import "maps"

// Snapshot is an immutable view of the session handed to consumers.
type Snapshot struct {
	HasScore       bool               `json:"hasScore"`
	Score          *int               `json:"score"`
	LastCalculated *string            `json:"lastCalculated"`
	Allocations    map[string]float64 `json:"allocations"`
}

// clone returns a deep copy so consumers cannot mutate store state.
func (s Snapshot) clone() Snapshot {
	out := Snapshot{HasScore: s.HasScore}
	if s.Score != nil {
		v := *s.Score
		out.Score = &v
	}
	if s.LastCalculated != nil {
		v := *s.LastCalculated
		out.LastCalculated = &v
	}
	if s.Allocations != nil {
		out.Allocations = maps.Clone(s.Allocations)
	}
	return out
}
