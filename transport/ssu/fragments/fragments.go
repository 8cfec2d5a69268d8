// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package fragments implements the per-peer fragmentation and reassembly
// state for SSU logical messages.
//
// Neither table is safe for concurrent use; both are owned by the transport
// reactor.  Timers are the reactor's concern, and each message carries a
// generation number so that a stale timer can be recognized and ignored.
package fragments

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/ssurouter/transport/ssu/data"
)

const (
	// DefaultFragmentSize is the default fragment payload length.
	DefaultFragmentSize = 1024

	// MaxFragments is the largest number of fragments a message may have.
	MaxFragments = data.MaxFragmentIndex + 1

	// DefaultMaxInboundMessages is the default number of concurrent
	// reassembly states per peer.
	DefaultMaxInboundMessages = 128

	// DefaultMaxDeliveredMessages is the default number of delivered
	// message ids remembered per peer.
	DefaultMaxDeliveredMessages = 8192

	// MaxRetries is the number of retransmission rounds after which an
	// unacknowledged message is abandoned.
	MaxRetries = 5

	deliveredTTLSlack = 5 * time.Second
)

var (
	// ErrDeliveryAbandoned is the error recorded when an outbound message
	// exhausts its retransmissions.
	ErrDeliveryAbandoned = errors.New("fragments: delivery abandoned")

	// ErrResourceExhaustion is the error returned when a fragment would
	// create more reassembly states than permitted.
	ErrResourceExhaustion = errors.New("fragments: too many incomplete messages")

	// ErrMessageTooLarge is the error returned when a payload does not fit
	// in MaxFragments fragments.
	ErrMessageTooLarge = errors.New("fragments: message too large")

	errInconsistentFragment = errors.New("fragments: inconsistent fragment")
)

// DeliveredTTL returns how long a delivered message id must be remembered
// for a sender retransmitting every resendInterval.  It outlasts the final
// retransmission round with room for network delay and timer drift.
func DeliveredTTL(resendInterval time.Duration) time.Duration {
	return (MaxRetries+2)*resendInterval + deliveredTTLSlack
}

// Split divides payload into fragments of at most fragmentSize bytes.  An
// empty payload yields a single empty fragment.
func Split(payload []byte, fragmentSize int) ([][]byte, error) {
	if fragmentSize <= 0 || fragmentSize > data.MaxFragmentLength {
		return nil, fmt.Errorf("fragments: invalid fragment size %d", fragmentSize)
	}
	n := (len(payload) + fragmentSize - 1) / fragmentSize
	if n == 0 {
		n = 1
	}
	if n > MaxFragments {
		return nil, ErrMessageTooLarge
	}
	frags := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		end := min((i+1)*fragmentSize, len(payload))
		frags = append(frags, payload[i*fragmentSize:end])
	}
	return frags, nil
}
