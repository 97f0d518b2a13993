// Package scoring computes diversification scores from a portfolio's
// allocations. The calculator does not persist anything; callers hand the
// result to the score session.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/okian/divscore/pkg/metrics"
)

// Default calculator configuration.
const (
	DefaultMinScore   = 50
	DefaultMaxScore   = 90
	defaultRandomSeed = 42
)

// Sentinel kinds for calculation failures.
var (
	ErrNoAllocations = errors.New("no allocations to score")
	ErrInvalidWeight = errors.New("allocation weight must be a finite non-negative number")
)

// Option applies a configuration option to the RandomCalculator.
type Option func(*RandomCalculator)

// WithRange sets the inclusive score range. Ranges with min > max are ignored.
func WithRange(minScore, maxScore int) Option {
	return func(c *RandomCalculator) {
		if minScore <= maxScore {
			c.min = minScore
			c.max = maxScore
		}
	}
}

// WithSeed seeds the generator. Equal seeds yield equal score sequences.
func WithSeed(seed int64) Option {
	return func(c *RandomCalculator) {
		c.rng = rand.New(rand.NewSource(seed)) //nolint:gosec // placeholder scores, not security sensitive
	}
}

// WithLatency simulates the time a real scoring service would take.
func WithLatency(d time.Duration) Option {
	return func(c *RandomCalculator) {
		if d > 0 {
			c.latency = d
		}
	}
}

// Result is a calculated score and the allocations it was computed from.
type Result struct {
	Score       int                `json:"score"`
	Allocations map[string]float64 `json:"allocations"`
}

// Calculator computes a diversification score.
type Calculator interface {
	// Calculate scores allocations, honoring ctx for cancellation.
	Calculate(ctx context.Context, allocations map[string]float64) (Result, error)
}

// RandomCalculator stands in for a real scoring model: it validates the
// portfolio and draws a uniform integer in [min, max].
type RandomCalculator struct {
	min, max int
	latency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandomCalculator creates a calculator with the default range and seed.
func NewRandomCalculator(opts ...Option) *RandomCalculator {
	c := &RandomCalculator{
		min: DefaultMinScore,
		max: DefaultMaxScore,
		rng: rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic seed for reproducible testing
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Range returns the inclusive score range.
func (c *RandomCalculator) Range() (int, int) { return c.min, c.max }

// Calculate implements Calculator.
func (c *RandomCalculator) Calculate(ctx context.Context, allocations map[string]float64) (Result, error) {
	if err := validate(allocations); err != nil {
		reason := "no_allocations"
		if errors.Is(err, ErrInvalidWeight) {
			reason = "invalid_weight"
		}
		metrics.RecordCalculationError(reason)
		return Result{}, err
	}

	if c.latency > 0 {
		timer := time.NewTimer(c.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			metrics.RecordCalculationError("canceled")
			return Result{}, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	c.mu.Lock()
	score := c.min + c.rng.Intn(c.max-c.min+1)
	c.mu.Unlock()

	metrics.RecordCalculation()
	return Result{Score: score, Allocations: maps.Clone(allocations)}, nil
}

func validate(allocations map[string]float64) error {
	if len(allocations) == 0 {
		return ErrNoAllocations
	}
	for name, weight := range allocations {
		if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return fmt.Errorf("%w: %q is %v", ErrInvalidWeight, name, weight)
		}
	}
	return nil
}
