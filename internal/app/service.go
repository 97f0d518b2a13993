// Package service wires storage, the score session and the calculator into
// the dependencies required by the HTTP API and the CLI.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/divscore/internal/adapters/storage"
	"github.com/okian/divscore/internal/config"
	"github.com/okian/divscore/internal/domain/scoring"
	"github.com/okian/divscore/internal/domain/session"
	"github.com/okian/divscore/pkg/logger"
)

// Service owns the process-wide score session.
type Service struct {
	mu sync.RWMutex

	cfg *config.Config

	// Core components
	kv         storage.KV
	ownsKV     bool
	store      *session.Store
	calculator scoring.Calculator
	clock      func() time.Time

	started bool
	logger  logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStorage uses kv instead of opening the configured backend. The caller
// keeps ownership: Stop does not close it.
func WithStorage(kv storage.KV) Option {
	return func(s *Service) {
		s.kv = kv
	}
}

// WithCalculator replaces the configured calculator.
func WithCalculator(c scoring.Calculator) Option {
	return func(s *Service) {
		s.calculator = c
	}
}

// WithClock replaces time.Now for the session's last-calculated date.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.clock = now
	}
}

// New constructs a Service from cfg. A nil cfg uses config.New().
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens storage, loads the score session and builds the calculator.
// Calling Start on a started service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}

	s.logger.Info(ctx, "starting divscore service...",
		logger.String("backend", s.cfg.StorageBackend),
		logger.String("origin", s.cfg.Origin),
	)

	if s.kv == nil {
		kv, err := storage.Open(ctx, s.cfg)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		s.kv = kv
		s.ownsKV = true
	}

	storeOpts := []session.Option{
		session.WithLogger(s.logger.Named("session")),
		session.WithLocale(session.ResolveLocale(s.cfg.Locale)),
	}
	if s.clock != nil {
		storeOpts = append(storeOpts, session.WithClock(s.clock))
	}
	s.store = session.New(s.kv, storeOpts...)
	s.store.Initialize(ctx)

	if s.calculator == nil {
		seed := s.cfg.ScoreSeed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.calculator = scoring.NewRandomCalculator(
			scoring.WithRange(s.cfg.ScoreMin, s.cfg.ScoreMax),
			scoring.WithSeed(seed),
		)
	}

	s.started = true
	snap := s.store.Snapshot()
	s.logger.Info(ctx, "divscore service started",
		logger.Bool("has_score", snap.HasScore),
	)
	return nil
}

// Stop releases storage opened by Start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}

	s.logger.Info(context.Background(), "stopping divscore service...")

	if s.ownsKV && s.kv != nil {
		if err := s.kv.Close(); err != nil {
			s.logger.Warn(context.Background(), "failed to close storage", logger.Error(err))
		}
		s.kv = nil
		s.ownsKV = false
	}

	s.started = false
	s.logger.Info(context.Background(), "divscore service stopped")
}

// Store returns the score session, or nil before Start.
func (s *Service) Store() *session.Store {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// Provide installs the service's store into ctx for downstream consumers.
func (s *Service) Provide(ctx context.Context) (context.Context, error) {
	store := s.Store()
	if store == nil {
		return ctx, ErrNotStarted
	}
	return session.Provide(ctx, store), nil
}

// Calculate scores allocations and records the result in the session
// provided through ctx.
func (s *Service) Calculate(ctx context.Context, allocations map[string]float64) (session.Snapshot, error) {
	s.mu.RLock()
	calc, started := s.calculator, s.started
	s.mu.RUnlock()
	if !started {
		return session.Snapshot{}, ErrNotStarted
	}

	store, err := session.FromContext(ctx)
	if err != nil {
		return session.Snapshot{}, err
	}
	res, err := calc.Calculate(ctx, allocations)
	if err != nil {
		return session.Snapshot{}, fmt.Errorf("calculate score: %w", err)
	}
	store.SetScoreData(ctx, res.Score, res.Allocations)
	return store.Snapshot(), nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started": s.started,
		"backend": s.cfg.StorageBackend,
		"origin":  s.cfg.Origin,
		"locale":  session.ResolveLocale(s.cfg.Locale).String(),
	}

	if s.started {
		snap := s.store.Snapshot()
		stats["hasScore"] = snap.HasScore
		if snap.Score != nil {
			stats["score"] = *snap.Score
		}
		stats["allocations"] = len(snap.Allocations)
		stats["subscribers"] = s.store.Subscribers()

		keys, err := s.kv.Keys(context.Background())
		if err != nil {
			stats["storageError"] = storage.KindName(err)
		} else {
			stats["storedKeys"] = len(keys)
		}
	}

	return stats
}
