package service

import "errors"

// ErrNotStarted reports a call that needs a started service.
var ErrNotStarted = errors.New("service not started")
