// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package peer implements the state of an established SSU session.
package peer

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/transport/ssu/fragments"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

// State is the state of an established session with a single peer.
//
// The session keys may be rotated at any time, and are only ever used
// under keyMutex.  Everything else is owned by the transport reactor.
type State struct {
	keyMutex   sync.RWMutex
	sessionKey packet.Key
	macKey     packet.Key

	identity *identity.RouterIdentity
	endpoint identity.Endpoint

	// Inbound is the reassembly table for messages from the peer.
	Inbound *fragments.InboundMessages

	// Outbound is the fragmentation table for messages to the peer.
	Outbound *fragments.OutboundMessages

	established  time.Time
	lastActivity time.Time
}

// New creates the state for a freshly established session.
func New(id *identity.RouterIdentity, ep identity.Endpoint, sessionKey, macKey *packet.Key, inbound *fragments.InboundMessages) *State {
	now := time.Now()
	return &State{
		sessionKey:   *sessionKey,
		macKey:       *macKey,
		identity:     id,
		endpoint:     ep,
		Inbound:      inbound,
		Outbound:     fragments.NewOutboundMessages(),
		established:  now,
		lastActivity: now,
	}
}

// Hash returns the peer's router hash.
func (s *State) Hash() identity.Hash {
	return s.identity.Hash()
}

// Identity returns the peer's verified identity.
func (s *State) Identity() *identity.RouterIdentity {
	return s.identity
}

// Endpoint returns the peer's current UDP endpoint.
func (s *State) Endpoint() identity.Endpoint {
	return s.endpoint
}

// Established returns the time the session was established.
func (s *State) Established() time.Time {
	return s.established
}

// LastActivity returns the time an authenticated packet was last received.
func (s *State) LastActivity() time.Time {
	return s.lastActivity
}

// Touch records inbound activity.
func (s *State) Touch(now time.Time) {
	s.lastActivity = now
}

// Rekey atomically replaces the session and MAC keys.
func (s *State) Rekey(sessionKey, macKey *packet.Key) {
	s.keyMutex.Lock()
	defer s.keyMutex.Unlock()
	s.sessionKey = *sessionKey
	s.macKey = *macKey
}

// Seal frames and encrypts a packet body with the current keys.
func (s *State) Seal(t packet.PayloadType, body []byte) ([]byte, error) {
	s.keyMutex.RLock()
	defer s.keyMutex.RUnlock()
	return packet.Seal(packet.NewHeader(t), body, &s.sessionKey, &s.macKey)
}

// Open authenticates and decrypts a packet with the current keys.
func (s *State) Open(wire []byte) (packet.Header, []byte, error) {
	s.keyMutex.RLock()
	defer s.keyMutex.RUnlock()
	return packet.Open(wire, &s.sessionKey, &s.macKey)
}

// NewMessageID returns a random message id not in use by the outbound
// table.
func (s *State) NewMessageID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
			return 0, err
		}
		id := binary.BigEndian.Uint32(b[:])
		if !s.Outbound.Contains(id) {
			return id, nil
		}
	}
}

// Close drops the fragmentation and reassembly tables.
func (s *State) Close() {
	s.Inbound.Clear()
	s.Outbound.Clear()
}

// String returns a human readable description of the peer.
func (s *State) String() string {
	return fmt.Sprintf("%s@%s", s.Hash().ShortString(), s.endpoint)
}
