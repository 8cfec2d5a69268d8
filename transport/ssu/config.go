// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ssu

import (
	"errors"
	"fmt"
	"time"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/core/log"
	"github.com/katzenpost/ssurouter/transport/ssu/establish"
	"github.com/katzenpost/ssurouter/transport/ssu/fragments"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

const (
	// DefaultHandshakeTimeout is the default establishment timeout.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultResendInterval is the default retransmission interval.
	DefaultResendInterval = 2 * time.Second

	// DefaultAckInterval is the default ACK flush interval.
	DefaultAckInterval = 1 * time.Second

	// DefaultInboundExpiry is the default lifetime of an incomplete inbound
	// message.
	DefaultInboundExpiry = 10 * time.Second

	// Data packet overhead for a single fragment: flag, fragment count,
	// message id and fragment info.
	dataFragmentOverhead = 1 + 1 + 4 + 3
)

// MaxFragmentSize returns the largest fragment that fits in one packet.
func MaxFragmentSize() int {
	return packet.MaxBody() - dataFragmentOverhead
}

// Config is the transport configuration.
type Config struct {
	// Identity is our long term identity.
	Identity *identity.LocalIdentity

	// LogBackend is the logging backend.
	LogBackend *log.Backend

	// Authenticator optionally vetoes inbound peers.
	Authenticator establish.PeerAuthenticator

	// FragmentSize is the fragment payload length.
	FragmentSize int

	// MaxInboundMessages is the number of concurrent reassembly states
	// permitted per peer.
	MaxInboundMessages int

	// HandshakeTimeout is the time an establishment may take.
	HandshakeTimeout time.Duration

	// ResendInterval is the retransmission interval.
	ResendInterval time.Duration

	// AckInterval is the ACK flush interval.
	AckInterval time.Duration

	// InboundExpiry is the lifetime of an incomplete inbound message.
	InboundExpiry time.Duration

	// DeliveredTTL is the time a delivered message id is remembered, so
	// that late retransmissions are not delivered again.  It defaults to
	// fragments.DeliveredTTL(ResendInterval), and must cover the sender's
	// full retransmission schedule.
	DeliveredTTL time.Duration

	// MaxDeliveredMessages is the number of delivered message ids
	// remembered per peer.  A peer that exhausts it has new messages
	// refused until ids expire.
	MaxDeliveredMessages int

	// IdleTimeout disconnects peers that have sent nothing for this long.
	// Zero disables.
	IdleTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.FragmentSize == 0 {
		cfg.FragmentSize = fragments.DefaultFragmentSize
	}
	if cfg.MaxInboundMessages == 0 {
		cfg.MaxInboundMessages = fragments.DefaultMaxInboundMessages
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ResendInterval == 0 {
		cfg.ResendInterval = DefaultResendInterval
	}
	if cfg.AckInterval == 0 {
		cfg.AckInterval = DefaultAckInterval
	}
	if cfg.InboundExpiry == 0 {
		cfg.InboundExpiry = DefaultInboundExpiry
	}
	if cfg.DeliveredTTL == 0 {
		cfg.DeliveredTTL = fragments.DeliveredTTL(cfg.ResendInterval)
	}
	if cfg.MaxDeliveredMessages == 0 {
		cfg.MaxDeliveredMessages = fragments.DefaultMaxDeliveredMessages
	}
}

func (cfg *Config) validate() error {
	if cfg.Identity == nil {
		return errors.New("ssu: no Identity")
	}
	if cfg.LogBackend == nil {
		return errors.New("ssu: no LogBackend")
	}
	if cfg.FragmentSize < 0 || cfg.FragmentSize > MaxFragmentSize() {
		return fmt.Errorf("ssu: FragmentSize %d out of range (max %d)", cfg.FragmentSize, MaxFragmentSize())
	}
	if cfg.MaxInboundMessages < 0 {
		return fmt.Errorf("ssu: invalid MaxInboundMessages %d", cfg.MaxInboundMessages)
	}
	if cfg.MaxDeliveredMessages < 0 {
		return fmt.Errorf("ssu: invalid MaxDeliveredMessages %d", cfg.MaxDeliveredMessages)
	}
	for _, d := range []time.Duration{cfg.HandshakeTimeout, cfg.ResendInterval, cfg.AckInterval, cfg.InboundExpiry, cfg.DeliveredTTL, cfg.IdleTimeout} {
		if d < 0 {
			return fmt.Errorf("ssu: negative duration %v", d)
		}
	}
	if window := (fragments.MaxRetries + 1) * cfg.ResendInterval; cfg.DeliveredTTL <= window {
		return fmt.Errorf("ssu: DeliveredTTL %v does not outlast the retransmission window %v", cfg.DeliveredTTL, window)
	}
	return nil
}
