// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package data implements the body of SSU Data packets: explicit
// acknowledgements, partial acknowledgement bitfields and message fragments.
package data

import (
	"encoding/binary"
	"fmt"

	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

const (
	flagExplicitACKs = 0x80
	flagACKBitfields = 0x40

	// MaxListEntries is the number of entries an ACK list can carry.
	MaxListEntries = 255

	// MaxFragmentIndex is the largest encodable fragment index.
	MaxFragmentIndex = 127

	// MaxFragmentLength is the largest encodable fragment length.
	MaxFragmentLength = 0x3fff

	fragmentHeaderSize = 4 + 3
	infoLastFlag       = 0x010000
	infoLengthMask     = 0x3fff
	infoIndexShift     = 17
)

// Fragment is a single fragment of a logical message.
type Fragment struct {
	MessageID uint32
	Index     uint8
	IsLast    bool
	Data      []byte
}

// PartialACK acknowledges a subset of the fragments of a message.
type PartialACK struct {
	MessageID uint32
	Indices   []uint8
}

// Payload is a decoded Data packet body.
type Payload struct {
	ACKs        []uint32
	PartialACKs []PartialACK
	Fragments   []Fragment
}

// IsEmpty returns true iff the payload carries nothing.
func (p *Payload) IsEmpty() bool {
	return len(p.ACKs) == 0 && len(p.PartialACKs) == 0 && len(p.Fragments) == 0
}

// Size returns the encoded length of the payload.
func (p *Payload) Size() int {
	n := 2
	if len(p.ACKs) > 0 {
		n += 1 + 4*len(p.ACKs)
	}
	if len(p.PartialACKs) > 0 {
		n++
		for _, a := range p.PartialACKs {
			n += 4 + BitfieldSize(a.Indices)
		}
	}
	for _, f := range p.Fragments {
		n += fragmentHeaderSize + len(f.Data)
	}
	return n
}

// MarshalBinary encodes the payload.
func (p *Payload) MarshalBinary() ([]byte, error) {
	if len(p.ACKs) > MaxListEntries || len(p.PartialACKs) > MaxListEntries {
		return nil, fmt.Errorf("data: too many ACK entries")
	}
	if len(p.Fragments) > MaxListEntries {
		return nil, fmt.Errorf("data: too many fragments")
	}

	var flag byte
	if len(p.ACKs) > 0 {
		flag |= flagExplicitACKs
	}
	if len(p.PartialACKs) > 0 {
		flag |= flagACKBitfields
	}

	b := make([]byte, 0, p.Size())
	b = append(b, flag)
	if len(p.ACKs) > 0 {
		b = append(b, byte(len(p.ACKs)))
		for _, id := range p.ACKs {
			b = binary.BigEndian.AppendUint32(b, id)
		}
	}
	if len(p.PartialACKs) > 0 {
		b = append(b, byte(len(p.PartialACKs)))
		for _, a := range p.PartialACKs {
			b = binary.BigEndian.AppendUint32(b, a.MessageID)
			bf, err := EncodeBitfield(a.Indices)
			if err != nil {
				return nil, err
			}
			b = append(b, bf...)
		}
	}
	b = append(b, byte(len(p.Fragments)))
	for _, f := range p.Fragments {
		if f.Index > MaxFragmentIndex {
			return nil, fmt.Errorf("data: invalid fragment index %d", f.Index)
		}
		if len(f.Data) > MaxFragmentLength {
			return nil, fmt.Errorf("data: fragment too large: %d", len(f.Data))
		}
		info := uint32(f.Index)<<infoIndexShift | uint32(len(f.Data))
		if f.IsLast {
			info |= infoLastFlag
		}
		b = binary.BigEndian.AppendUint32(b, f.MessageID)
		b = append(b, byte(info>>16), byte(info>>8), byte(info))
		b = append(b, f.Data...)
	}
	return b, nil
}

// Parse decodes a Data packet body.  Fragment data aliases b.  Any
// structural error is reported as packet.ErrMalformedPacket, and nothing
// of a malformed body is returned.
func Parse(b []byte) (*Payload, error) {
	r := reader{b: b}
	p := new(Payload)

	flag := r.readByte()
	if flag&flagExplicitACKs != 0 {
		n := int(r.readByte())
		p.ACKs = make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			p.ACKs = append(p.ACKs, r.readUint32())
		}
	}
	if flag&flagACKBitfields != 0 {
		n := int(r.readByte())
		p.PartialACKs = make([]PartialACK, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			id := r.readUint32()
			indices, used, err := DecodeBitfield(r.rest())
			if err != nil {
				r.err = err
				break
			}
			r.skip(used)
			p.PartialACKs = append(p.PartialACKs, PartialACK{MessageID: id, Indices: indices})
		}
	}
	n := int(r.readByte())
	for i := 0; i < n && r.err == nil; i++ {
		id := r.readUint32()
		info := r.readUint24()
		l := int(info & infoLengthMask)
		f := Fragment{
			MessageID: id,
			Index:     uint8(info >> infoIndexShift),
			IsLast:    info&infoLastFlag != 0,
			Data:      r.readBytes(l),
		}
		p.Fragments = append(p.Fragments, f)
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.b)-r.off < n {
		r.err = fmt.Errorf("data: truncated payload: %w", packet.ErrMalformedPacket)
		return false
	}
	return true
}

func (r *reader) readByte() byte {
	if !r.need(1) {
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *reader) readUint24() uint32 {
	if !r.need(3) {
		return 0
	}
	v := uint32(r.b[r.off])<<16 | uint32(r.b[r.off+1])<<8 | uint32(r.b[r.off+2])
	r.off += 3
	return v
}

func (r *reader) readUint32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) readBytes(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n : r.off+n]
	r.off += n
	return v
}

func (r *reader) rest() []byte {
	if r.err != nil {
		return nil
	}
	return r.b[r.off:]
}

func (r *reader) skip(n int) {
	r.off += n
}
