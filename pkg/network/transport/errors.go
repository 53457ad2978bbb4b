package transport

import "errors"

var (
	ErrListenerFailed = errors.New("failed to create QUIC listener")
	ErrDialFailed     = errors.New("failed to dial peer")
	ErrNotStarted     = errors.New("transport not started")
	ErrSelfConnection = errors.New("connection to own key")
)
