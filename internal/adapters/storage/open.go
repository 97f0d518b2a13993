package storage

import (
	"context"
	"fmt"

	"github.com/okian/divscore/internal/config"
)

// Open builds the backend selected by cfg.
func Open(ctx context.Context, cfg *config.Config, opts ...Option) (KV, error) {
	opts = append([]Option{WithQuota(cfg.StorageQuotaBytes)}, opts...)
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return NewMemory(opts...), nil
	case config.BackendFile:
		f, err := NewFile(cfg.StoragePath, cfg.Origin, opts...)
		if err != nil {
			return nil, err
		}
		return f, nil
	case config.BackendSQLite:
		s, err := OpenSQLite(ctx, cfg.StoragePath, cfg.Origin, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, newError(cfg.StorageBackend, OpOpen, "", ErrUnavailable,
			fmt.Errorf("%w: unknown backend %q", config.ErrInvalidConfig, cfg.StorageBackend))
	}
}
