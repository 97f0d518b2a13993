// Package session holds the diversification score session: the most recent
// score, its allocations breakdown and the date it was calculated. The Store
// keeps the session in memory and writes it through to a storage.KV so it
// survives restarts. Storage and parse failures are logged and absorbed; the
// only hard failure is reading the session without a provider (see Provide).
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/okian/divscore/internal/adapters/storage"
	"github.com/okian/divscore/pkg/logger"
	"github.com/okian/divscore/pkg/metrics"
	"golang.org/x/text/language"
)

// Persisted keys.
const (
	KeyScore          = "diversificationScore"
	KeyLastCalculated = "diversificationLastCalculated"
	KeyAllocations    = "diversificationAllocations"
)

// Keys lists every persisted key in write order.
var Keys = []string{KeyScore, KeyLastCalculated, KeyAllocations}

// Store is the process-wide score session. Build it once at startup with New,
// load it with Initialize and hand it to consumers through Provide.
type Store struct {
	// writeMu serializes mutations together with their notifications so
	// subscribers observe snapshots in mutation order. mu guards the fields.
	writeMu sync.Mutex
	mu      sync.RWMutex

	kv     storage.KV
	log    logger.Logger
	now    func() time.Time
	locale language.Tag

	score          *int
	lastCalculated *string
	allocations    map[string]float64

	subMu       sync.Mutex
	subscribers map[string]func(Snapshot)
}

// New constructs an empty Store persisting into kv.
func New(kv storage.KV, opts ...Option) *Store {
	s := &Store{
		kv:          kv,
		log:         logger.NewNop(),
		now:         time.Now,
		locale:      DefaultLocale,
		subscribers: make(map[string]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize replaces the in-memory session with whatever storage holds.
// Each key loads independently: a missing, unreadable or malformed value
// leaves only its own field unset, except that the date is dropped when no
// score loads. Failures are logged, never returned.
func (s *Store) Initialize(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	score, scoreOK := s.loadScore(ctx)
	lastCalculated, lastOK := s.read(ctx, KeyLastCalculated)
	allocations, allocOK := s.loadAllocations(ctx)
	if lastOK && !scoreOK {
		s.log.Debug(ctx, "ignoring last calculated date without a score",
			logger.String("key", KeyLastCalculated),
		)
		lastOK = false
	}

	s.mu.Lock()
	s.score, s.lastCalculated, s.allocations = nil, nil, nil
	if scoreOK {
		s.score = &score
	}
	if lastOK {
		s.lastCalculated = &lastCalculated
	}
	if allocOK {
		s.allocations = allocations
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	restored := 0
	if snap.HasScore {
		restored = *snap.Score
	}
	metrics.RecordSessionInit(snap.HasScore, restored, len(snap.Allocations))
	s.log.Debug(ctx, "score session initialized",
		logger.Bool("restored", snap.HasScore),
		logger.Int("allocations", len(snap.Allocations)),
	)
	s.publish(snap)
}

func (s *Store) loadScore(ctx context.Context) (int, bool) {
	raw, ok := s.read(ctx, KeyScore)
	if !ok {
		return 0, false
	}
	score, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		s.malformed(ctx, KeyScore, err)
		return 0, false
	}
	return score, true
}

func (s *Store) loadAllocations(ctx context.Context) (map[string]float64, bool) {
	raw, ok := s.read(ctx, KeyAllocations)
	if !ok {
		return nil, false
	}
	var allocations map[string]float64
	if err := json.Unmarshal([]byte(raw), &allocations); err != nil {
		s.malformed(ctx, KeyAllocations, err)
		return nil, false
	}
	if allocations == nil {
		s.malformed(ctx, KeyAllocations, errors.New("not a JSON object"))
		return nil, false
	}
	return allocations, true
}

// read fetches key, logging any failure other than an absent key.
func (s *Store) read(ctx context.Context, key string) (string, bool) {
	v, err := s.kv.Get(ctx, key)
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, storage.ErrNotFound):
		return "", false
	default:
		s.log.Warn(ctx, "failed to read score session from storage",
			logger.String("key", key),
			logger.String("kind", storage.KindName(err)),
			logger.Error(err),
		)
		return "", false
	}
}

func (s *Store) malformed(ctx context.Context, key string, cause error) {
	metrics.RecordMalformedValue(key)
	s.log.Warn(ctx, "ignoring malformed score session value",
		logger.String("key", key),
		logger.Error(fmt.Errorf("%w: %w", ErrMalformedValue, cause)),
	)
}

// SetScoreData records a newly calculated score. It stamps today's date and,
// when allocations is non-nil, replaces the stored breakdown wholesale; a nil
// allocations keeps the previous breakdown. Neither the score range nor the
// weights are validated. Memory is updated first and then written through to
// storage; write failures are logged and leave memory as updated.
func (s *Store) SetScoreData(ctx context.Context, score int, allocations map[string]float64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	display := FormatLongDate(s.now(), s.locale)
	s.score = &score
	s.lastCalculated = &display
	if allocations != nil {
		s.allocations = maps.Clone(allocations)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.write(ctx, KeyScore, strconv.Itoa(score))
	s.write(ctx, KeyLastCalculated, display)
	if allocations != nil {
		s.writeAllocations(ctx, allocations)
	}

	entries := -1
	if allocations != nil {
		entries = len(allocations)
	}
	metrics.RecordScoreWrite(score, entries)
	s.log.Info(ctx, "score session updated",
		logger.Int("score", score),
		logger.String("last_calculated", display),
		logger.Bool("allocations_replaced", allocations != nil),
	)
	s.publish(snap)
}

func (s *Store) writeAllocations(ctx context.Context, allocations map[string]float64) {
	data, err := json.Marshal(allocations)
	if err != nil {
		// NaN and ±Inf weights have no JSON form. Drop the stale persisted
		// breakdown so a reload cannot resurrect it.
		s.log.Warn(ctx, "failed to encode allocations; keeping them in memory only",
			logger.String("key", KeyAllocations),
			logger.Error(err),
		)
		if rerr := s.kv.Remove(ctx, KeyAllocations); rerr != nil {
			s.log.Warn(ctx, "failed to remove stale allocations",
				logger.String("kind", storage.KindName(rerr)),
				logger.Error(rerr),
			)
		}
		return
	}
	s.write(ctx, KeyAllocations, string(data))
}

func (s *Store) write(ctx context.Context, key, value string) {
	if err := s.kv.Set(ctx, key, value); err != nil {
		s.log.Warn(ctx, "failed to persist score session",
			logger.String("key", key),
			logger.String("kind", storage.KindName(err)),
			logger.Error(err),
		)
	}
}

// ResetScore clears the session and removes every persisted key. The
// in-memory reset always happens; removal failures are logged.
func (s *Store) ResetScore(ctx context.Context) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	s.score, s.lastCalculated, s.allocations = nil, nil, nil
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, key := range Keys {
		if err := s.kv.Remove(ctx, key); err != nil {
			s.log.Warn(ctx, "failed to remove score session key",
				logger.String("key", key),
				logger.String("kind", storage.KindName(err)),
				logger.Error(err),
			)
		}
	}

	metrics.RecordScoreReset()
	s.log.Info(ctx, "score session reset")
	s.publish(snap)
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		HasScore:       s.score != nil,
		Score:          s.score,
		LastCalculated: s.lastCalculated,
		Allocations:    s.allocations,
	}.clone()
}

// Subscribe registers fn to receive a snapshot after every change. fn runs on
// the goroutine that made the change and must not block or call the store's
// mutators; Snapshot is safe. The returned cancel func is idempotent.
func (s *Store) Subscribe(fn func(Snapshot)) (string, func()) {
	id := uuid.NewString()
	s.subMu.Lock()
	s.subscribers[id] = fn
	metrics.UpdateSubscribers(len(s.subscribers))
	s.subMu.Unlock()

	var once sync.Once
	return id, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subscribers, id)
			metrics.UpdateSubscribers(len(s.subscribers))
			s.subMu.Unlock()
		})
	}
}

// Subscribers returns the number of registered subscribers.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subscribers)
}

func (s *Store) publish(snap Snapshot) {
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap.clone())
	}
}
