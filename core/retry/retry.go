// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package retry provides exponential backoff with jitter for reconnecting
// to peers.
package retry

import (
	"math"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// DefaultBaseDelay is the default delay before the first retry.
	DefaultBaseDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the default maximum delay between retries.
	DefaultMaxDelay = 60 * time.Second

	// DefaultJitter is the default jitter factor (0.0 to 1.0).
	DefaultJitter = 0.2
)

// Delay calculates the delay for a given retry attempt using exponential
// backoff with jitter.
func Delay(baseDelay, maxDelay time.Duration, jitter float64, attempt int) time.Duration {
	delay := float64(baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if jitter > 0 {
		r := rand.NewMath()
		delay *= 1 - jitter + r.Float64()*2*jitter
	}
	return time.Duration(delay)
}

// Backoff tracks consecutive failures per key.  It is not safe for
// concurrent use.
type Backoff[K comparable] struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	attempts map[K]int
}

// NewBackoff returns a Backoff with the given parameters.
func NewBackoff[K comparable](baseDelay, maxDelay time.Duration, jitter float64) *Backoff[K] {
	return &Backoff[K]{
		BaseDelay: baseDelay,
		MaxDelay:  maxDelay,
		Jitter:    jitter,
		attempts:  make(map[K]int),
	}
}

// Next records a failure for k and returns the delay before retrying.
func (b *Backoff[K]) Next(k K) time.Duration {
	n := b.attempts[k]
	b.attempts[k] = n + 1
	return Delay(b.BaseDelay, b.MaxDelay, b.Jitter, n)
}

// Attempts returns the number of consecutive failures recorded for k.
func (b *Backoff[K]) Attempts(k K) int {
	return b.attempts[k]
}

// Reset forgets the failures recorded for k.
func (b *Backoff[K]) Reset(k K) {
	delete(b.attempts, k)
}
