// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/katzenpost/hpqc/rand"
)

// HeaderSize is the size of the plaintext packet header.
const HeaderSize = 1 + 4

// PayloadType is the SSU payload type carried in the header flag byte.
type PayloadType uint8

const (
	SessionRequest   PayloadType = 0
	SessionCreated   PayloadType = 1
	SessionConfirmed PayloadType = 2
	Data             PayloadType = 6
	SessionDestroyed PayloadType = 8
)

// String returns the name of the payload type.
func (t PayloadType) String() string {
	switch t {
	case SessionRequest:
		return "SessionRequest"
	case SessionCreated:
		return "SessionCreated"
	case SessionConfirmed:
		return "SessionConfirmed"
	case Data:
		return "Data"
	case SessionDestroyed:
		return "SessionDestroyed"
	default:
		return fmt.Sprintf("[Unknown type: %d]", uint8(t))
	}
}

// Header is the plaintext header that prefixes every packet body.
type Header struct {
	Type      PayloadType
	Timestamp uint32
}

// NewHeader returns a header of the given type stamped with the current
// time.
func NewHeader(t PayloadType) Header {
	return Header{
		Type:      t,
		Timestamp: uint32(time.Now().Unix()),
	}
}

// Time returns the header timestamp.
func (h Header) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0)
}

// AppendBinary appends the encoded header to b.
func (h Header) AppendBinary(b []byte) []byte {
	b = append(b, byte(h.Type)<<4)
	return binary.BigEndian.AppendUint32(b, h.Timestamp)
}

// ParseHeader decodes a header, returning it and the remaining body.
func ParseHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrMalformedPacket
	}
	h := Header{
		Type:      PayloadType(b[0] >> 4),
		Timestamp: binary.BigEndian.Uint32(b[1:HeaderSize]),
	}
	return h, b[HeaderSize:], nil
}

// Seal prefixes body with h, and encrypts it under a fresh random IV.
func Seal(h Header, body []byte, sessionKey, macKey *Key) ([]byte, error) {
	var iv [IVSize]byte
	if _, err := io.ReadFull(rand.Reader, iv[:]); err != nil {
		return nil, err
	}
	pt := make([]byte, 0, HeaderSize+len(body))
	pt = h.AppendBinary(pt)
	pt = append(pt, body...)
	return Encrypt(pt, &iv, sessionKey, macKey), nil
}

// Open authenticates and decrypts a packet sealed with Seal.
func Open(wire []byte, sessionKey, macKey *Key) (Header, []byte, error) {
	pt, err := DecryptAndVerify(wire, sessionKey, macKey)
	if err != nil {
		return Header{}, nil, err
	}
	return ParseHeader(pt)
}

// MaxBody is the largest body Seal can fit into a single packet.
func MaxBody() int {
	// PKCS#7 always adds at least one byte.
	n := MaxSize - Overhead
	n -= n % IVSize
	return n - 1 - HeaderSize
}
