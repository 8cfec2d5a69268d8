// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package peer

import (
	"net/netip"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/transport/ssu/fragments"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

func newState(t *testing.T, ep string) *State {
	id, err := identity.GenerateLocalIdentity()
	require.NoError(t, err)
	var sk, mk packet.Key
	sk[0], mk[0] = 1, 2
	return New(id.Identity(), netip.MustParseAddrPort(ep), &sk, &mk, fragments.NewInboundMessages(0, 0, time.Minute))
}

func TestStateSealOpenRekey(t *testing.T) {
	require := require.New(t)

	s := newState(t, "127.0.0.1:1000")
	wire, err := s.Seal(packet.Data, []byte("body"))
	require.NoError(err)

	h, body, err := s.Open(wire)
	require.NoError(err)
	require.Equal(packet.Data, h.Type)
	require.Equal([]byte("body"), body)

	var sk, mk packet.Key
	sk[0], mk[0] = 3, 4
	s.Rekey(&sk, &mk)
	_, _, err = s.Open(wire)
	require.ErrorIs(err, packet.ErrAuthenticationFailure)

	wire, err = s.Seal(packet.Data, []byte("body"))
	require.NoError(err)
	_, _, err = packet.Open(wire, &sk, &mk)
	require.NoError(err)
}

func TestStateConcurrentRekey(t *testing.T) {
	s := newState(t, "127.0.0.1:1000")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			var sk, mk packet.Key
			sk[1], mk[1] = byte(i), byte(i)
			s.Rekey(&sk, &mk)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, err := s.Seal(packet.Data, []byte{byte(i)})
			require.NoError(t, err)
		}
	}()
	wg.Wait()
}

func TestStateMessageID(t *testing.T) {
	require := require.New(t)

	s := newState(t, "127.0.0.1:1000")
	seen := make(map[uint32]bool)
	for i := 0; i < 50; i++ {
		id, err := s.NewMessageID()
		require.NoError(err)
		require.False(s.Outbound.Contains(id))
		_, err = s.Outbound.Add(id, []byte{1}, fragments.DefaultFragmentSize)
		require.NoError(err)
		seen[id] = true
	}
	require.Len(seen, 50)

	s.Close()
	require.Equal(0, s.Outbound.Len())
}

func TestList(t *testing.T) {
	require := require.New(t)

	l := NewList()
	a := newState(t, "127.0.0.1:1000")
	b := newState(t, "127.0.0.1:2000")
	require.Empty(l.Add(a))
	require.Empty(l.Add(b))
	require.Equal(2, l.Len())

	got, ok := l.Get(a.Hash())
	require.True(ok)
	require.Same(a, got)
	got, ok = l.GetByEndpoint(b.Endpoint())
	require.True(ok)
	require.Same(b, got)

	// A new session on a's endpoint displaces a.
	c := newState(t, "127.0.0.1:1000")
	replaced := l.Add(c)
	require.Equal([]*State{a}, replaced)
	_, ok = l.Get(a.Hash())
	require.False(ok)
	require.Len(slices.Collect(l.All()), 2)

	_, ok = l.Remove(c.Hash())
	require.True(ok)
	_, ok = l.GetByEndpoint(c.Endpoint())
	require.False(ok)
	_, ok = l.Remove(c.Hash())
	require.False(ok)
	require.Equal(1, l.Len())
}
