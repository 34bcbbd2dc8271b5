package throttler

import "context"

// noop is the Throttler used when no throttler configuration is present;
// it forwards every call unchanged.
type noop struct{}

func (noop) ThrottleGet(_ context.Context, fn func() ([]byte, error)) ([]byte, error) {
	return fn()
}

func (noop) ThrottleAdd(_ context.Context, _, _ []byte, fn func() error) error {
	return fn()
}

func (noop) Close() {}
