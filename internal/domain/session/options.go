package session

import (
	"time"

	"github.com/okian/divscore/pkg/logger"
	"golang.org/x/text/language"
)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithLogger sets the logger that receives swallowed storage failures.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now when stamping the last-calculated date.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocale sets the locale of the last-calculated date.
func WithLocale(tag language.Tag) Option {
	return func(s *Store) {
		s.locale = ResolveLocale(tag.String())
	}
}
