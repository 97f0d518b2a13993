package storage

// settings holds options shared by every backend.
type settings struct {
	quota    int
	disabled bool
}

// Option applies a configuration option to a backend.
type Option func(*settings)

// WithQuota caps the bytes (keys plus values) stored per origin.
// Zero or negative disables the cap.
func WithQuota(bytes int) Option {
	return func(s *settings) {
		if bytes > 0 {
			s.quota = bytes
		}
	}
}

// WithDisabled makes every operation fail with ErrUnavailable, the way a
// browser rejects storage access in restricted modes.
func WithDisabled() Option {
	return func(s *settings) {
		s.disabled = true
	}
}

func applyOptions(opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// usage returns the quota footprint of items, optionally replacing key's value.
func usage(items map[string]string, key, value string, replace bool) int {
	total := 0
	for k, v := range items {
		if replace && k == key {
			continue
		}
		total += len(k) + len(v)
	}
	if replace {
		total += len(key) + len(value)
	}
	return total
}
