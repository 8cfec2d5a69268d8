// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peer

import (
	"iter"
	"maps"

	"github.com/katzenpost/ssurouter/core/identity"
)

// List is the set of established peers, indexed by router hash and by
// endpoint.  It is not safe for concurrent use.
type List struct {
	byHash     map[identity.Hash]*State
	byEndpoint map[identity.Endpoint]*State
}

// NewList creates an empty List.
func NewList() *List {
	return &List{
		byHash:     make(map[identity.Hash]*State),
		byEndpoint: make(map[identity.Endpoint]*State),
	}
}

// Add inserts s, returning the state it replaced, if any.  A replaced state
// is either a prior session with the same peer, or a session with another
// peer that was using the same endpoint.
func (l *List) Add(s *State) []*State {
	var replaced []*State
	if old, ok := l.byHash[s.Hash()]; ok {
		l.remove(old)
		replaced = append(replaced, old)
	}
	if old, ok := l.byEndpoint[s.Endpoint()]; ok {
		l.remove(old)
		replaced = append(replaced, old)
	}
	l.byHash[s.Hash()] = s
	l.byEndpoint[s.Endpoint()] = s
	return replaced
}

// Get returns the state for a router hash.
func (l *List) Get(h identity.Hash) (*State, bool) {
	s, ok := l.byHash[h]
	return s, ok
}

// GetByEndpoint returns the state for an endpoint.
func (l *List) GetByEndpoint(ep identity.Endpoint) (*State, bool) {
	s, ok := l.byEndpoint[ep]
	return s, ok
}

// Remove removes the state for a router hash.
func (l *List) Remove(h identity.Hash) (*State, bool) {
	s, ok := l.byHash[h]
	if ok {
		l.remove(s)
	}
	return s, ok
}

func (l *List) remove(s *State) {
	delete(l.byHash, s.Hash())
	if cur, ok := l.byEndpoint[s.Endpoint()]; ok && cur == s {
		delete(l.byEndpoint, s.Endpoint())
	}
}

// Len returns the number of peers.
func (l *List) Len() int {
	return len(l.byHash)
}

// All iterates over every peer.
func (l *List) All() iter.Seq[*State] {
	return maps.Values(l.byHash)
}
