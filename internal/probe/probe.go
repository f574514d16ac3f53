// Package probe waits for network endpoints to become ready.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Prober performs a single readiness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// Options tunes the Wait loop.
type Options struct {
	// Interval between attempts. Zero means DefaultInterval.
	Interval time.Duration
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
	// SuccessThreshold is the number of consecutive successes required.
	SuccessThreshold int
}

// DefaultInterval separates probe attempts when Options.Interval is unset.
const DefaultInterval = 100 * time.Millisecond

// ErrNotReady wraps the last probe failure when ctx ends before readiness.
var ErrNotReady = errors.New("probe: not ready")

// Wait runs prober until it reports SuccessThreshold consecutive successes or
// ctx is done. When ctx ends first the returned error wraps ErrNotReady, the
// context error and the last probe failure.
func Wait(ctx context.Context, prober Prober, opts Options) error {
	if prober == nil {
		return errors.New("probe: missing prober")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	successNeeded := opts.SuccessThreshold
	if successNeeded <= 0 {
		successNeeded = 1
	}

	successes := 0
	var lastErr error
	for {
		attemptCtx := ctx
		cancel := func() {}
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		err := prober.Probe(attemptCtx)
		cancel()

		if err != nil && ctx.Err() != nil {
			return notReady(ctx, lastErr)
		}
		if err == nil {
			successes++
			if successes >= successNeeded {
				return nil
			}
		} else {
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				err = fmt.Errorf("timeout after %s", opts.Timeout)
			}
			successes = 0
			lastErr = err
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return notReady(ctx, lastErr)
		case <-timer.C:
		}
	}
}

func notReady(ctx context.Context, lastErr error) error {
	if lastErr == nil {
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
	return fmt.Errorf("%w: %w: %v", ErrNotReady, ctx.Err(), lastErr)
}

// WaitTCP waits until address accepts TCP connections.
func WaitTCP(ctx context.Context, address string, interval time.Duration) error {
	return Wait(ctx, NewTCP(address), Options{Interval: interval, Timeout: time.Second})
}

// WaitReleased waits until nothing accepts TCP connections on address.
func WaitReleased(ctx context.Context, address string, interval time.Duration) error {
	return Wait(ctx, NewTCPReleased(address), Options{Interval: interval, Timeout: time.Second})
}
