// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ssu

import (
	"fmt"

	"github.com/katzenpost/ssurouter/core/identity"
)

// Event is a transport event delivered via Transport.EventSink.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// MessageReceivedEvent is the event sent when a message from a peer has
// been reassembled.  Each logical message is delivered at most once.
type MessageReceivedEvent struct {
	// Peer is the router hash of the sender.
	Peer identity.Hash

	// Payload is the reassembled message.
	Payload []byte
}

// String returns a string representation of the MessageReceivedEvent.
func (e *MessageReceivedEvent) String() string {
	return fmt.Sprintf("MessageReceived: %v (%d bytes)", e.Peer.ShortString(), len(e.Payload))
}

// ConnectedEvent is the event sent when a session has been established.
type ConnectedEvent struct {
	// Peer is the router hash of the verified peer.
	Peer identity.Hash

	// Endpoint is the peer's UDP endpoint.
	Endpoint identity.Endpoint

	// IsInitiator is true iff we initiated the session.
	IsInitiator bool
}

// String returns a string representation of the ConnectedEvent.
func (e *ConnectedEvent) String() string {
	return fmt.Sprintf("Connected: %v@%v", e.Peer.ShortString(), e.Endpoint)
}

// ConnectionFailedEvent is the event sent when an establishment to a known
// peer failed.
type ConnectionFailedEvent struct {
	// Peer is the router hash of the peer.
	Peer identity.Hash

	// Err is the reason the establishment failed.
	Err error
}

// String returns a string representation of the ConnectionFailedEvent.
func (e *ConnectionFailedEvent) String() string {
	return fmt.Sprintf("ConnectionFailed: %v: %v", e.Peer.ShortString(), e.Err)
}

// DisconnectedEvent is the event sent when an established session ends.
type DisconnectedEvent struct {
	// Peer is the router hash of the peer.
	Peer identity.Hash

	// Err is the reason the session ended.
	Err error
}

// String returns a string representation of the DisconnectedEvent.
func (e *DisconnectedEvent) String() string {
	return fmt.Sprintf("Disconnected: %v: %v", e.Peer.ShortString(), e.Err)
}
