package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultCASAttempts bounds CompareAndSwap retries.
const DefaultCASAttempts = 5

// CompareAndSwap emulates RunTransaction on stores that only offer Get and a
// versioned Set: read, compute, write with IfVersion, retry on ErrConflict.
func CompareAndSwap(ctx context.Context, s Store, ref Ref, fn TxFunc, maxAttempts int, opts ...WriteOption) (*Snapshot, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultCASAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		current, err := GetOrMissing(ctx, s, ref)
		if err != nil {
			return nil, err
		}

		next, err := fn(current.Clone())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		writeOpts := append(append([]WriteOption{}, opts...), IfVersion(current.Version))
		snap, err := s.Set(ctx, ref, next, writeOpts...)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 10 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("transaction on %s gave up after %d attempts: %w", ref, maxAttempts, lastErr)
}
