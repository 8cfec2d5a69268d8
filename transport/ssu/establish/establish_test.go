// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package establish

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/core/log"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

type testNode struct {
	id  *identity.LocalIdentity
	ep  identity.Endpoint
	ri  *identity.RouterInfo
	mgr *Manager
}

func newTestNode(t *testing.T, addr string, auth PeerAuthenticator) *testNode {
	require := require.New(t)

	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(err)
	id, err := identity.GenerateLocalIdentity()
	require.NoError(err)
	ep := netip.MustParseAddrPort(addr)
	mgr, err := NewManager(&Config{
		Identity:      id,
		Authenticator: auth,
		Log:           logBackend.GetLogger("establish"),
	})
	require.NoError(err)
	return &testNode{
		id:  id,
		ep:  ep,
		ri:  id.NewRouterInfo(ep),
		mgr: mgr,
	}
}

type denyAll struct{}

func (denyAll) IsPeerValid(*identity.RouterIdentity) bool { return false }

func TestHandshake(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	b := newTestNode(t, "127.0.0.1:1002", nil)

	req, timer, err := a.mgr.Establish(b.ri)
	require.NoError(err)
	require.True(timer.IsInitiator)
	require.Equal(b.ep, timer.Endpoint)
	require.True(a.mgr.IsConnecting(b.ep))

	_, _, err = a.mgr.Establish(b.ri)
	require.ErrorIs(err, errAlreadyPending)

	res, err := b.mgr.HandlePacket(a.ep, req)
	require.NoError(err)
	require.NotNil(res.Reply)
	require.NotNil(res.Arm)
	require.False(res.Arm.IsInitiator)
	require.Nil(res.Established)
	require.Equal(1, b.mgr.NumPending())

	// A retransmitted SessionRequest gets the same SessionCreated.
	dup, err := b.mgr.HandlePacket(a.ep, req)
	require.NoError(err)
	require.Equal(res.Reply, dup.Reply)
	require.Nil(dup.Arm)
	require.Equal(1, b.mgr.NumPending())

	res2, err := a.mgr.HandlePacket(b.ep, res.Reply)
	require.NoError(err)
	require.NotNil(res2.Reply)
	require.NotNil(res2.Established)
	require.True(res2.Established.IsInitiator)
	require.Equal(b.id.Hash(), res2.Established.Identity.Hash())
	require.Equal(0, a.mgr.NumPending())

	res3, err := b.mgr.HandlePacket(a.ep, res2.Reply)
	require.NoError(err)
	require.Nil(res3.Reply)
	require.NotNil(res3.Established)
	require.False(res3.Established.IsInitiator)
	require.Equal(a.id.Hash(), res3.Established.Identity.Hash())
	require.Equal(a.ep, res3.Established.Endpoint)
	require.Equal(0, b.mgr.NumPending())

	require.Equal(res2.Established.SessionKey, res3.Established.SessionKey)
	require.Equal(res2.Established.MACKey, res3.Established.MACKey)
	require.NotEqual(res2.Established.SessionKey, res2.Established.MACKey)

	// Late handshake packets no longer match any establishment.
	_, err = b.mgr.HandlePacket(a.ep, res2.Reply)
	require.Error(err)
	var he *HandshakeError
	require.False(errors.As(err, &he))
}

func TestHandshakeBadCreatedSignature(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	b := newTestNode(t, "127.0.0.1:1002", nil)
	mallory, err := identity.GenerateLocalIdentity()
	require.NoError(err)

	_, _, err = a.mgr.Establish(b.ri)
	require.NoError(err)

	ephPub, _, err := nikeScheme.GenerateKeyPair()
	require.NoError(err)
	created := &SessionCreated{
		Y:            ephPub.Bytes(),
		Initiator:    a.ep,
		SignedOnTime: 1,
	}
	created.Signature = mallory.Sign(createdSigningMessage(a.mgr.outbound[b.ep].x, created.Y, 0, 1))
	body, err := created.MarshalBinary()
	require.NoError(err)
	k := packet.Key(b.ri.IntroKey())
	pkt, err := packet.Seal(packet.NewHeader(packet.SessionCreated), body, &k, &k)
	require.NoError(err)

	_, err = a.mgr.HandlePacket(b.ep, pkt)
	require.ErrorIs(err, ErrEstablishmentFailed)
	var he *HandshakeError
	require.True(errors.As(err, &he))
	require.True(he.IsInitiator)
	require.True(he.HasPeer)
	require.Equal(b.id.Hash(), he.Peer)
	require.Equal(HandshakeStateCreatedReceive, he.State)
	require.Equal(0, a.mgr.NumPending())
}

func TestHandshakeAuthenticatorVeto(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	b := newTestNode(t, "127.0.0.1:1002", denyAll{})

	req, _, err := a.mgr.Establish(b.ri)
	require.NoError(err)
	res, err := b.mgr.HandlePacket(a.ep, req)
	require.NoError(err)
	res, err = a.mgr.HandlePacket(b.ep, res.Reply)
	require.NoError(err)
	_, err = b.mgr.HandlePacket(a.ep, res.Reply)
	require.ErrorIs(err, ErrEstablishmentFailed)
	var he *HandshakeError
	require.True(errors.As(err, &he))
	require.Equal(HandshakeStateAuthentication, he.State)
	require.False(he.IsInitiator)
	require.Equal(0, b.mgr.NumPending())
}

func TestHandshakeTimeout(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	b := newTestNode(t, "127.0.0.1:1002", nil)

	req, timer, err := a.mgr.Establish(b.ri)
	require.NoError(err)
	res, err := b.mgr.HandlePacket(a.ep, req)
	require.NoError(err)

	stale := *timer
	stale.Generation++
	require.Nil(a.mgr.Expire(&stale))
	require.Equal(1, a.mgr.NumPending())

	he := a.mgr.Expire(timer)
	require.NotNil(he)
	require.Equal(HandshakeStateTimeout, he.State)
	require.ErrorIs(he, ErrEstablishmentFailed)
	require.Equal(b.id.Hash(), he.Peer)
	require.Nil(a.mgr.Expire(timer))

	he = b.mgr.Expire(res.Arm)
	require.NotNil(he)
	require.False(he.HasPeer)
	require.Equal(0, b.mgr.NumPending())

	// SessionCreated arriving after the timeout is dropped.
	_, err = a.mgr.HandlePacket(b.ep, res.Reply)
	require.Error(err)
}

func TestHandshakeAbort(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	b := newTestNode(t, "127.0.0.1:1002", nil)

	_, _, err := a.mgr.Establish(b.ri)
	require.NoError(err)
	require.True(a.mgr.Abort(b.id.Hash()))
	require.False(a.mgr.Abort(b.id.Hash()))
	require.Equal(0, a.mgr.NumPending())
}

func TestHandshakeCrossed(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	b := newTestNode(t, "127.0.0.1:1002", nil)

	reqA, _, err := a.mgr.Establish(b.ri)
	require.NoError(err)
	reqB, _, err := b.mgr.Establish(a.ri)
	require.NoError(err)

	resA, errA := a.mgr.HandlePacket(b.ep, reqB)
	resB, errB := b.mgr.HandlePacket(a.ep, reqA)
	require.NoError(errA)
	require.NoError(errB)

	// Exactly one side yields to the other.
	require.True((resA == nil) != (resB == nil))
	require.Equal(2, a.mgr.NumPending()+b.mgr.NumPending())
}

func TestHandshakeCrossedIdentityMismatch(t *testing.T) {
	require := require.New(t)

	// a must yield to a crossed SessionRequest from b's endpoint.
	a := newTestNode(t, "127.0.0.1:1001", nil)
	var b *testNode
	for {
		b = newTestNode(t, "127.0.0.1:1002", nil)
		ha, hb := a.id.Hash(), b.id.Hash()
		if bytes.Compare(ha[:], hb[:]) > 0 {
			break
		}
	}
	mallory := newTestNode(t, "127.0.0.1:1002", nil)

	_, _, err := a.mgr.Establish(b.ri)
	require.NoError(err)

	req, _, err := mallory.mgr.Establish(a.ri)
	require.NoError(err)
	res, err := a.mgr.HandlePacket(b.ep, req)
	require.NoError(err)
	require.NotNil(res)
	require.False(a.mgr.IsConnecting(b.ep))

	res2, err := mallory.mgr.HandlePacket(a.ep, res.Reply)
	require.NoError(err)
	require.NotNil(res2.Established)

	_, err = a.mgr.HandlePacket(b.ep, res2.Reply)
	var he *HandshakeError
	require.True(errors.As(err, &he))
	require.Equal(HandshakeStateAuthentication, he.State)
	require.True(he.HasPeer)
	require.Equal(b.id.Hash(), he.Peer)
	require.Equal(0, a.mgr.NumPending())
}

func TestGarbage(t *testing.T) {
	require := require.New(t)

	a := newTestNode(t, "127.0.0.1:1001", nil)
	_, err := a.mgr.HandlePacket(netip.MustParseAddrPort("127.0.0.1:9"), make([]byte, 100))
	require.Error(err)
	var he *HandshakeError
	require.False(errors.As(err, &he))

	// A Data packet under our intro key is not a handshake packet.
	k := packet.Key(a.id.Hash())
	pkt, err := packet.Seal(packet.NewHeader(packet.Data), []byte{0, 0}, &k, &k)
	require.NoError(err)
	_, err = a.mgr.HandlePacket(netip.MustParseAddrPort("127.0.0.1:9"), pkt)
	require.ErrorIs(err, errUnexpectedType)
}

func TestMessages(t *testing.T) {
	require := require.New(t)

	x := make([]byte, EphemeralKeySize)
	x[0] = 9
	req := &SessionRequest{X: x, Responder: netip.MustParseAddrPort("[2001:db8::1]:443")}
	b, err := req.MarshalBinary()
	require.NoError(err)
	require.Len(b, EphemeralKeySize+1+16+2)
	req2 := new(SessionRequest)
	require.NoError(req2.UnmarshalBinary(b))
	require.Equal(req.Responder, req2.Responder)

	req.Responder = netip.MustParseAddrPort("10.0.0.1:80")
	b, err = req.MarshalBinary()
	require.NoError(err)
	require.Len(b, EphemeralKeySize+1+4+2)
	require.ErrorIs(req2.UnmarshalBinary(b[:len(b)-1]), packet.ErrMalformedPacket)

	conf := &SessionConfirmed{Identity: []byte("id"), SignedOnTime: 5, Signature: make([]byte, identity.SignatureSize())}
	b, err = conf.MarshalBinary()
	require.NoError(err)
	conf2 := new(SessionConfirmed)
	require.NoError(conf2.UnmarshalBinary(b))
	require.Equal(conf, conf2)
	require.ErrorIs(conf2.UnmarshalBinary(b[:10]), packet.ErrMalformedPacket)
}
