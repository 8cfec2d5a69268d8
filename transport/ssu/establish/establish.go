// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package establish implements the SSU session establishment handshake.
//
// The initiator sends SessionRequest carrying its ephemeral X25519 public
// key X, sealed under the responder's intro key.  The responder replies with
// SessionCreated carrying its ephemeral key Y and a signature over X and Y,
// also sealed under its intro key.  Both sides then derive the session and
// MAC keys, and the initiator proves its identity with SessionConfirmed,
// sealed under the new session keys.
package establish

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/nike"
	nikeSchemes "github.com/katzenpost/hpqc/nike/schemes"
	"golang.org/x/crypto/hkdf"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

const sessionKeyInfo = "ssu session keys"

var (
	nikeScheme = nikeSchemes.ByName("x25519")

	errAlreadyPending = errors.New("establish: establishment already in progress")
	errUnexpectedType = errors.New("establish: unexpected payload type")
)

// PeerAuthenticator is the interface used to authenticate the remote peer
// once its identity has been proven.
type PeerAuthenticator interface {
	// IsPeerValid returns true iff the peer is permitted to connect.
	IsPeerValid(*identity.RouterIdentity) bool
}

// OutboundState is the progress of an establishment we initiated.
type OutboundState int

const (
	OutboundStart OutboundState = iota
	OutboundRequestSent
	OutboundConfirmed
)

// String returns the name of the state.
func (s OutboundState) String() string {
	switch s {
	case OutboundStart:
		return "Start"
	case OutboundRequestSent:
		return "RequestSent"
	case OutboundConfirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("[Unknown state: %d]", int(s))
	}
}

// InboundState is the progress of an establishment a peer initiated.
type InboundState int

const (
	InboundStart InboundState = iota
	InboundRequestReceived
	InboundConfirmed
)

// String returns the name of the state.
func (s InboundState) String() string {
	switch s {
	case InboundStart:
		return "Start"
	case InboundRequestReceived:
		return "RequestReceived"
	case InboundConfirmed:
		return "Confirmed"
	default:
		return fmt.Sprintf("[Unknown state: %d]", int(s))
	}
}

// Outbound is an establishment we initiated.
type Outbound struct {
	state      OutboundState
	ri         *identity.RouterInfo
	generation uint64
	started    time.Time

	x       []byte
	ephPriv nike.PrivateKey
}

// State returns the handshake progress.
func (ob *Outbound) State() OutboundState { return ob.state }

// RouterInfo returns the peer being dialled.
func (ob *Outbound) RouterInfo() *identity.RouterInfo { return ob.ri }

// Endpoint returns the peer's endpoint.
func (ob *Outbound) Endpoint() identity.Endpoint { return ob.ri.Address }

// Generation returns the generation of the timeout timer.
func (ob *Outbound) Generation() uint64 { return ob.generation }

// Inbound is an establishment a peer initiated.
type Inbound struct {
	state      InboundState
	endpoint   identity.Endpoint
	generation uint64
	started    time.Time

	// expected is set when this establishment superseded one of ours to
	// the same endpoint.
	expected *identity.RouterInfo

	x          []byte
	y          []byte
	sessionKey packet.Key
	macKey     packet.Key
	created    []byte
}

// State returns the handshake progress.
func (ib *Inbound) State() InboundState { return ib.state }

// Endpoint returns the peer's endpoint.
func (ib *Inbound) Endpoint() identity.Endpoint { return ib.endpoint }

// Generation returns the generation of the timeout timer.
func (ib *Inbound) Generation() uint64 { return ib.generation }

// Established is a successfully completed handshake.
type Established struct {
	Identity    *identity.RouterIdentity
	Endpoint    identity.Endpoint
	SessionKey  packet.Key
	MACKey      packet.Key
	IsInitiator bool
	Duration    time.Duration
}

// Timer identifies an establishment timeout to arm.
type Timer struct {
	Endpoint    identity.Endpoint
	Generation  uint64
	IsInitiator bool
}

// Result is the outcome of handling a handshake packet.
type Result struct {
	// Reply is a packet to send back to the sender.
	Reply []byte

	// Arm is set when a new establishment needs its timeout armed.
	Arm *Timer

	// Established is set when the handshake completed.
	Established *Established
}

// Config is the establishment manager configuration.
type Config struct {
	// Identity is our long term identity.
	Identity *identity.LocalIdentity

	// Authenticator optionally vetoes inbound peers.
	Authenticator PeerAuthenticator

	// Log is the logger.
	Log *logging.Logger
}

// Manager tracks every pending establishment, keyed by endpoint.  It is not
// safe for concurrent use.
type Manager struct {
	log           *logging.Logger
	identity      *identity.LocalIdentity
	introKey      packet.Key
	authenticator PeerAuthenticator

	generation uint64
	outbound   map[identity.Endpoint]*Outbound
	inbound    map[identity.Endpoint]*Inbound
}

// NewManager creates a Manager.
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.Identity == nil {
		return nil, errors.New("establish: no identity")
	}
	if cfg.Log == nil {
		return nil, errors.New("establish: no logger")
	}
	return &Manager{
		log:           cfg.Log,
		identity:      cfg.Identity,
		introKey:      packet.Key(cfg.Identity.Hash()),
		authenticator: cfg.Authenticator,
		outbound:      make(map[identity.Endpoint]*Outbound),
		inbound:       make(map[identity.Endpoint]*Inbound),
	}, nil
}

// NumPending returns the number of pending establishments.
func (m *Manager) NumPending() int {
	return len(m.outbound) + len(m.inbound)
}

// IsConnecting returns true iff an establishment we initiated to ep is
// pending.
func (m *Manager) IsConnecting(ep identity.Endpoint) bool {
	_, ok := m.outbound[ep]
	return ok
}

// Establish starts an establishment to the described router, returning the
// SessionRequest packet to send and the timeout to arm.
func (m *Manager) Establish(ri *identity.RouterInfo) ([]byte, *Timer, error) {
	ep := ri.Address
	if _, ok := m.outbound[ep]; ok {
		return nil, nil, errAlreadyPending
	}

	ob := &Outbound{
		state:   OutboundStart,
		ri:      ri,
		started: time.Now(),
	}
	pub, priv, err := nikeScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, newOutboundError(ob, HandshakeStateRequestSend, "failed to generate ephemeral key", err)
	}
	ob.x = pub.Bytes()
	ob.ephPriv = priv

	req := &SessionRequest{X: ob.x, Responder: ep}
	body, err := req.MarshalBinary()
	if err != nil {
		return nil, nil, newOutboundError(ob, HandshakeStateRequestSend, "failed to encode SessionRequest", err)
	}
	k := packet.Key(ri.IntroKey())
	pkt, err := packet.Seal(packet.NewHeader(packet.SessionRequest), body, &k, &k)
	if err != nil {
		return nil, nil, newOutboundError(ob, HandshakeStateRequestSend, "failed to seal SessionRequest", err)
	}

	m.generation++
	ob.generation = m.generation
	ob.state = OutboundRequestSent
	m.outbound[ep] = ob
	m.log.Debugf("Sent SessionRequest to %v", ri)

	return pkt, &Timer{Endpoint: ep, Generation: ob.generation, IsInitiator: true}, nil
}

// Abort discards any establishment we initiated to the given router,
// returning true iff one was pending.
func (m *Manager) Abort(h identity.Hash) bool {
	for ep, ob := range m.outbound {
		if ob.ri.Hash() == h {
			delete(m.outbound, ep)
			return true
		}
	}
	return false
}

// Expire handles an establishment timeout.  A stale timer is ignored and
// nil is returned.
func (m *Manager) Expire(t *Timer) *HandshakeError {
	if t.IsInitiator {
		ob, ok := m.outbound[t.Endpoint]
		if !ok || ob.generation != t.Generation {
			return nil
		}
		delete(m.outbound, t.Endpoint)
		return newOutboundError(ob, HandshakeStateTimeout, "handshake timed out", nil)
	}

	ib, ok := m.inbound[t.Endpoint]
	if !ok || ib.generation != t.Generation {
		return nil
	}
	delete(m.inbound, t.Endpoint)
	return m.inboundFailure(ib, HandshakeStateTimeout, "handshake timed out", nil)
}

// HandlePacket processes a datagram from an endpoint that has no established
// session.  Errors that are not a *HandshakeError mean the datagram was
// dropped without affecting any establishment.
func (m *Manager) HandlePacket(from identity.Endpoint, wire []byte) (*Result, error) {
	if ib, ok := m.inbound[from]; ok {
		if h, body, err := packet.Open(wire, &ib.sessionKey, &ib.macKey); err == nil {
			return m.onConfirmed(ib, h, body)
		}
	}
	if ob, ok := m.outbound[from]; ok {
		k := packet.Key(ob.ri.IntroKey())
		if h, body, err := packet.Open(wire, &k, &k); err == nil {
			return m.onCreated(ob, h, body)
		}
	}

	h, body, err := packet.Open(wire, &m.introKey, &m.introKey)
	if err != nil {
		return nil, err
	}
	if h.Type != packet.SessionRequest {
		return nil, fmt.Errorf("%w: %v", errUnexpectedType, h.Type)
	}
	return m.onRequest(from, body)
}

func (m *Manager) onRequest(from identity.Endpoint, body []byte) (*Result, error) {
	req := new(SessionRequest)
	if err := req.UnmarshalBinary(body); err != nil {
		return nil, err
	}

	if ib, ok := m.inbound[from]; ok {
		if bytes.Equal(ib.x, req.X) {
			m.log.Debugf("Duplicate SessionRequest from %v, resending SessionCreated", from)
			return &Result{Reply: ib.created}, nil
		}
		m.log.Debugf("New SessionRequest from %v replaces pending establishment", from)
		delete(m.inbound, from)
	}

	var expected *identity.RouterInfo
	if ob, ok := m.outbound[from]; ok {
		// Both sides dialled each other.  The initiator with the lower
		// router hash wins.
		ours, theirs := m.identity.Hash(), ob.ri.Hash()
		if bytes.Compare(ours[:], theirs[:]) < 0 {
			m.log.Debugf("Ignoring crossed SessionRequest from %v", ob.ri)
			return nil, nil
		}
		m.log.Debugf("Yielding to crossed SessionRequest from %v", ob.ri)
		delete(m.outbound, from)
		expected = ob.ri
	}

	ib := &Inbound{
		state:    InboundStart,
		endpoint: from,
		started:  time.Now(),
		expected: expected,
		x:        req.X,
	}
	xPub, err := nikeScheme.UnmarshalBinaryPublicKey(req.X)
	if err != nil {
		return nil, m.inboundFailure(ib, HandshakeStateRequestReceive, "invalid ephemeral key", err)
	}
	yPub, yPriv, err := nikeScheme.GenerateKeyPair()
	if err != nil {
		return nil, m.inboundFailure(ib, HandshakeStateRequestReceive, "failed to generate ephemeral key", err)
	}
	ib.y = yPub.Bytes()
	if ib.sessionKey, ib.macKey, err = deriveKeys(nikeScheme.DeriveSecret(yPriv, xPub), ib.x, ib.y); err != nil {
		return nil, m.inboundFailure(ib, HandshakeStateRequestReceive, "key derivation failed", err)
	}

	created := &SessionCreated{
		Y:            ib.y,
		Initiator:    from,
		SignedOnTime: uint32(time.Now().Unix()),
	}
	created.Signature = m.identity.Sign(createdSigningMessage(ib.x, ib.y, created.RelayTag, created.SignedOnTime))
	body, err = created.MarshalBinary()
	if err != nil {
		return nil, m.inboundFailure(ib, HandshakeStateRequestReceive, "failed to encode SessionCreated", err)
	}
	if ib.created, err = packet.Seal(packet.NewHeader(packet.SessionCreated), body, &m.introKey, &m.introKey); err != nil {
		return nil, m.inboundFailure(ib, HandshakeStateRequestReceive, "failed to seal SessionCreated", err)
	}

	m.generation++
	ib.generation = m.generation
	ib.state = InboundRequestReceived
	m.inbound[from] = ib
	m.log.Debugf("Received SessionRequest from %v", from)

	return &Result{
		Reply: ib.created,
		Arm:   &Timer{Endpoint: from, Generation: ib.generation},
	}, nil
}

func (m *Manager) onCreated(ob *Outbound, h packet.Header, body []byte) (*Result, error) {
	if h.Type != packet.SessionCreated {
		return nil, fmt.Errorf("%w: %v", errUnexpectedType, h.Type)
	}
	created := new(SessionCreated)
	if err := created.UnmarshalBinary(body); err != nil {
		return nil, err
	}

	fail := func(msg string, err error) (*Result, error) {
		delete(m.outbound, ob.Endpoint())
		return nil, newOutboundError(ob, HandshakeStateCreatedReceive, msg, err)
	}

	if !ob.ri.Identity.Verify(createdSigningMessage(ob.x, created.Y, created.RelayTag, created.SignedOnTime), created.Signature) {
		return fail("invalid SessionCreated signature", nil)
	}
	yPub, err := nikeScheme.UnmarshalBinaryPublicKey(created.Y)
	if err != nil {
		return fail("invalid ephemeral key", err)
	}
	sessionKey, macKey, err := deriveKeys(nikeScheme.DeriveSecret(ob.ephPriv, yPub), ob.x, created.Y)
	if err != nil {
		return fail("key derivation failed", err)
	}

	confirmed := &SessionConfirmed{
		Identity:     m.identity.Identity().Bytes(),
		SignedOnTime: uint32(time.Now().Unix()),
	}
	confirmed.Signature = m.identity.Sign(confirmedSigningMessage(ob.x, created.Y, confirmed.SignedOnTime))
	body, err = confirmed.MarshalBinary()
	if err != nil {
		return fail("failed to encode SessionConfirmed", err)
	}
	pkt, err := packet.Seal(packet.NewHeader(packet.SessionConfirmed), body, &sessionKey, &macKey)
	if err != nil {
		return fail("failed to seal SessionConfirmed", err)
	}

	delete(m.outbound, ob.Endpoint())
	ob.state = OutboundConfirmed
	m.log.Debugf("Received SessionCreated from %v, our address is %v", ob.ri, created.Initiator)

	return &Result{
		Reply: pkt,
		Established: &Established{
			Identity:    ob.ri.Identity,
			Endpoint:    ob.Endpoint(),
			SessionKey:  sessionKey,
			MACKey:      macKey,
			IsInitiator: true,
			Duration:    time.Since(ob.started),
		},
	}, nil
}

func (m *Manager) onConfirmed(ib *Inbound, h packet.Header, body []byte) (*Result, error) {
	if h.Type != packet.SessionConfirmed {
		return nil, fmt.Errorf("%w: %v", errUnexpectedType, h.Type)
	}

	fail := func(state HandshakeState, msg string, err error) (*Result, error) {
		delete(m.inbound, ib.endpoint)
		return nil, m.inboundFailure(ib, state, msg, err)
	}

	confirmed := new(SessionConfirmed)
	if err := confirmed.UnmarshalBinary(body); err != nil {
		return fail(HandshakeStateConfirmedReceive, "malformed SessionConfirmed", err)
	}
	id, err := identity.RouterIdentityFromBytes(confirmed.Identity)
	if err != nil {
		return fail(HandshakeStateConfirmedReceive, "invalid identity", err)
	}
	if !id.Verify(confirmedSigningMessage(ib.x, ib.y, confirmed.SignedOnTime), confirmed.Signature) {
		return fail(HandshakeStateConfirmedReceive, "invalid SessionConfirmed signature", nil)
	}
	if id.Hash() == m.identity.Hash() {
		return fail(HandshakeStateAuthentication, "peer claims our identity", nil)
	}
	if ib.expected != nil && id.Hash() != ib.expected.Hash() {
		return fail(HandshakeStateAuthentication, "identity does not match the router dialled at this endpoint", nil)
	}
	if m.authenticator != nil && !m.authenticator.IsPeerValid(id) {
		return fail(HandshakeStateAuthentication, "peer rejected by authenticator", nil)
	}

	delete(m.inbound, ib.endpoint)
	ib.state = InboundConfirmed
	m.log.Debugf("Received SessionConfirmed from %v (%v)", ib.endpoint, id.Hash().ShortString())

	return &Result{
		Established: &Established{
			Identity:   id,
			Endpoint:   ib.endpoint,
			SessionKey: ib.sessionKey,
			MACKey:     ib.macKey,
			Duration:   time.Since(ib.started),
		},
	}, nil
}

func (m *Manager) inboundFailure(ib *Inbound, state HandshakeState, msg string, err error) *HandshakeError {
	e := newInboundError(ib, state, msg, err)
	if ib.expected != nil {
		e.Peer = ib.expected.Hash()
		e.HasPeer = true
	}
	return e
}

func deriveKeys(shared, x, y []byte) (sessionKey, macKey packet.Key, err error) {
	var acc byte
	for _, b := range shared {
		acc |= b
	}
	if acc == 0 {
		return sessionKey, macKey, errors.New("establish: degenerate shared secret")
	}
	salt := make([]byte, 0, len(x)+len(y))
	salt = append(salt, x...)
	salt = append(salt, y...)

	r := hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo))
	if _, err = io.ReadFull(r, sessionKey[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, macKey[:])
	return
}
