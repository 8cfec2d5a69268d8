// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package establish

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

const (
	// EphemeralKeySize is the size of an ephemeral X25519 public key.
	EphemeralKeySize = 32

	createdContext   = "SessionCreated"
	confirmedContext = "SessionConfirmed"
)

func errMalformed(what string) error {
	return fmt.Errorf("establish: malformed %s: %w", what, packet.ErrMalformedPacket)
}

func appendEndpoint(b []byte, ep identity.Endpoint) []byte {
	addr := ep.Addr().Unmap().AsSlice()
	b = append(b, byte(len(addr)))
	b = append(b, addr...)
	return binary.BigEndian.AppendUint16(b, ep.Port())
}

func parseEndpoint(b []byte) (identity.Endpoint, []byte, bool) {
	if len(b) < 1 {
		return identity.Endpoint{}, nil, false
	}
	l := int(b[0])
	if (l != 4 && l != 16) || len(b) < 1+l+2 {
		return identity.Endpoint{}, nil, false
	}
	addr, ok := netip.AddrFromSlice(b[1 : 1+l])
	if !ok {
		return identity.Endpoint{}, nil, false
	}
	port := binary.BigEndian.Uint16(b[1+l:])
	return netip.AddrPortFrom(addr, port), b[1+l+2:], true
}

// SessionRequest is the first handshake message, sent by the initiator
// under the responder's intro key.
type SessionRequest struct {
	X         []byte
	Responder identity.Endpoint
}

// MarshalBinary encodes the message.
func (m *SessionRequest) MarshalBinary() ([]byte, error) {
	if len(m.X) != EphemeralKeySize {
		return nil, errMalformed("SessionRequest")
	}
	b := make([]byte, 0, EphemeralKeySize+1+16+2)
	b = append(b, m.X...)
	return appendEndpoint(b, m.Responder), nil
}

// UnmarshalBinary decodes the message.
func (m *SessionRequest) UnmarshalBinary(b []byte) error {
	if len(b) < EphemeralKeySize {
		return errMalformed("SessionRequest")
	}
	ep, _, ok := parseEndpoint(b[EphemeralKeySize:])
	if !ok {
		return errMalformed("SessionRequest")
	}
	m.X = append([]byte{}, b[:EphemeralKeySize]...)
	m.Responder = ep
	return nil
}

// SessionCreated is the responder's reply, sent under its own intro key.
type SessionCreated struct {
	Y            []byte
	Initiator    identity.Endpoint
	RelayTag     uint32
	SignedOnTime uint32
	Signature    []byte
}

// MarshalBinary encodes the message.
func (m *SessionCreated) MarshalBinary() ([]byte, error) {
	if len(m.Y) != EphemeralKeySize || len(m.Signature) != identity.SignatureSize() {
		return nil, errMalformed("SessionCreated")
	}
	b := make([]byte, 0, EphemeralKeySize+1+16+2+4+4+len(m.Signature))
	b = append(b, m.Y...)
	b = appendEndpoint(b, m.Initiator)
	b = binary.BigEndian.AppendUint32(b, m.RelayTag)
	b = binary.BigEndian.AppendUint32(b, m.SignedOnTime)
	return append(b, m.Signature...), nil
}

// UnmarshalBinary decodes the message.
func (m *SessionCreated) UnmarshalBinary(b []byte) error {
	if len(b) < EphemeralKeySize {
		return errMalformed("SessionCreated")
	}
	ep, rest, ok := parseEndpoint(b[EphemeralKeySize:])
	if !ok || len(rest) < 4+4+identity.SignatureSize() {
		return errMalformed("SessionCreated")
	}
	m.Y = append([]byte{}, b[:EphemeralKeySize]...)
	m.Initiator = ep
	m.RelayTag = binary.BigEndian.Uint32(rest[0:])
	m.SignedOnTime = binary.BigEndian.Uint32(rest[4:])
	m.Signature = append([]byte{}, rest[8:8+identity.SignatureSize()]...)
	return nil
}

func createdSigningMessage(x, y []byte, relayTag, signedOnTime uint32) []byte {
	b := make([]byte, 0, len(createdContext)+2*EphemeralKeySize+8)
	b = append(b, createdContext...)
	b = append(b, x...)
	b = append(b, y...)
	b = binary.BigEndian.AppendUint32(b, relayTag)
	return binary.BigEndian.AppendUint32(b, signedOnTime)
}

// SessionConfirmed is the initiator's final message, sent under the
// derived session keys.
type SessionConfirmed struct {
	Identity     []byte
	SignedOnTime uint32
	Signature    []byte
}

// MarshalBinary encodes the message.
func (m *SessionConfirmed) MarshalBinary() ([]byte, error) {
	if len(m.Identity) > 0xffff || len(m.Signature) != identity.SignatureSize() {
		return nil, errMalformed("SessionConfirmed")
	}
	b := make([]byte, 0, 2+len(m.Identity)+4+len(m.Signature))
	b = binary.BigEndian.AppendUint16(b, uint16(len(m.Identity)))
	b = append(b, m.Identity...)
	b = binary.BigEndian.AppendUint32(b, m.SignedOnTime)
	return append(b, m.Signature...), nil
}

// UnmarshalBinary decodes the message.
func (m *SessionConfirmed) UnmarshalBinary(b []byte) error {
	if len(b) < 2 {
		return errMalformed("SessionConfirmed")
	}
	l := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < l+4+identity.SignatureSize() {
		return errMalformed("SessionConfirmed")
	}
	m.Identity = append([]byte{}, b[:l]...)
	m.SignedOnTime = binary.BigEndian.Uint32(b[l:])
	m.Signature = append([]byte{}, b[l+4:l+4+identity.SignatureSize()]...)
	return nil
}

func confirmedSigningMessage(x, y []byte, signedOnTime uint32) []byte {
	b := make([]byte, 0, len(confirmedContext)+2*EphemeralKeySize+4)
	b = append(b, confirmedContext...)
	b = append(b, x...)
	b = append(b, y...)
	return binary.BigEndian.AppendUint32(b, signedOnTime)
}
