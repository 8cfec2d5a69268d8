// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package establish

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/ssurouter/core/identity"
)

// ErrEstablishmentFailed is the error wrapped by every HandshakeError.
var ErrEstablishmentFailed = errors.New("establish: establishment failed")

// HandshakeState is the handshake step at which a failure occurred.
type HandshakeState string

const (
	HandshakeStateRequestSend      HandshakeState = "session_request_send"
	HandshakeStateRequestReceive   HandshakeState = "session_request_receive"
	HandshakeStateCreatedReceive   HandshakeState = "session_created_receive"
	HandshakeStateConfirmedReceive HandshakeState = "session_confirmed_receive"
	HandshakeStateAuthentication   HandshakeState = "peer_authentication"
	HandshakeStateTimeout          HandshakeState = "timeout"
)

// HandshakeError describes a failed establishment.
type HandshakeError struct {
	State           HandshakeState
	Message         string
	UnderlyingError error
	IsInitiator     bool

	Endpoint identity.Endpoint

	// Peer is the router hash of the peer, when known.
	Peer    identity.Hash
	HasPeer bool
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "establish: handshake failed at %s", e.State)
	if e.IsInitiator {
		b.WriteString(" (initiator)")
	} else {
		b.WriteString(" (responder)")
	}
	if e.Endpoint.IsValid() {
		fmt.Fprintf(&b, " with peer %s", e.Endpoint)
	}
	if e.HasPeer {
		fmt.Fprintf(&b, " (%s)", e.Peer.ShortString())
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.UnderlyingError != nil {
		fmt.Fprintf(&b, " (underlying error: %v)", e.UnderlyingError)
	}
	return b.String()
}

// Unwrap returns ErrEstablishmentFailed and the underlying error.
func (e *HandshakeError) Unwrap() []error {
	if e.UnderlyingError == nil {
		return []error{ErrEstablishmentFailed}
	}
	return []error{ErrEstablishmentFailed, e.UnderlyingError}
}

func newOutboundError(ob *Outbound, state HandshakeState, msg string, err error) *HandshakeError {
	return &HandshakeError{
		State:           state,
		Message:         msg,
		UnderlyingError: err,
		IsInitiator:     true,
		Endpoint:        ob.Endpoint(),
		Peer:            ob.RouterInfo().Hash(),
		HasPeer:         true,
	}
}

func newInboundError(ib *Inbound, state HandshakeState, msg string, err error) *HandshakeError {
	return &HandshakeError{
		State:           state,
		Message:         msg,
		UnderlyingError: err,
		Endpoint:        ib.Endpoint(),
	}
}
