package retry

import "errors"

var (
	ErrCircuitOpen       = errors.New("retry: circuit breaker is open")
	ErrAttemptsExhausted = errors.New("retry: attempts exhausted")
)
