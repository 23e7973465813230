// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package retry provides the standard retry-with-backoff primitive called
// for by spec.md §9 REDESIGN FLAGS ("Coroutine-driven loops"), replacing
// open-coded reconnect loops in the node bridge and serial session.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures a bounded-or-unbounded exponential backoff.
// MaxAttempts == 0 means retry forever (used by the node bridge's
// master/serial reconnect loops, which must survive indefinitely per
// spec.md §4.2).
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  uint64
}

// FixedDelay builds a Policy with no growth, matching spec.md §5's
// "fixed delay" reconnect language (uplink reconnect 2-3s, master
// reconnect ~10s) while still going through the shared primitive.
func FixedDelay(delay time.Duration) Policy {
	return Policy{InitialDelay: delay, MaxDelay: delay}
}

func (p Policy) build() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	// A fixed policy (InitialDelay == MaxDelay) should never grow.
	if p.InitialDelay > 0 && p.InitialDelay == p.MaxDelay {
		b.Multiplier = 1
		b.RandomizationFactor = 0
	}
	b.MaxElapsedTime = 0 // never give up on elapsed time; MaxAttempts bounds it instead

	var bo backoff.BackOff = b
	if p.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(bo, p.MaxAttempts-1)
	}
	return bo
}

// Do runs fn, retrying per the policy until it succeeds, ctx is canceled,
// or MaxAttempts is exhausted. It returns the last error on exhaustion or
// ctx.Err() on cancellation.
func Do(ctx context.Context, p Policy, fn func() error) error {
	return backoff.Retry(fn, backoff.WithContext(p.build(), ctx))
}

// Permanent marks err as non-retryable: fn should return Permanent(err)
// from within Do to stop retrying immediately, e.g. on a configuration
// error that no amount of waiting will fix. Do unwraps it again before
// returning, so callers still see the original err.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
