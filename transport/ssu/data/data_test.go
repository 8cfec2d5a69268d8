// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package data

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

func TestBitfield(t *testing.T) {
	require := require.New(t)

	b, err := EncodeBitfield([]uint8{0, 1, 2, 8})
	require.NoError(err)
	require.Equal([]byte{0x87, 0x02}, b)

	indices, used, err := DecodeBitfield(append(b, 0xff, 0xff))
	require.NoError(err)
	require.Equal(2, used)
	require.Equal([]uint8{0, 1, 2, 8}, indices)

	for _, set := range [][]uint8{{0}, {6}, {7}, {13, 14}, {127}, {3, 50, 99, 126}} {
		b, err := EncodeBitfield(set)
		require.NoError(err)
		require.Len(b, BitfieldSize(set))
		got, used, err := DecodeBitfield(b)
		require.NoError(err)
		require.Equal(len(b), used)
		require.Equal(set, got)
	}

	b, err = EncodeBitfield(nil)
	require.NoError(err)
	require.Equal([]byte{0x00}, b)

	_, err = EncodeBitfield([]uint8{128})
	require.Error(err)

	// Continuation set on the final byte.
	_, _, err = DecodeBitfield([]byte{0x81})
	require.ErrorIs(err, packet.ErrMalformedPacket)
	_, _, err = DecodeBitfield(nil)
	require.ErrorIs(err, packet.ErrMalformedPacket)
}

func TestPayloadRoundTrip(t *testing.T) {
	require := require.New(t)

	p := &Payload{
		ACKs: []uint32{1, 0xdeadbeef},
		PartialACKs: []PartialACK{
			{MessageID: 7, Indices: []uint8{0, 1, 2, 8}},
			{MessageID: 9, Indices: []uint8{3}},
		},
		Fragments: []Fragment{
			{MessageID: 42, Index: 0, Data: []byte("first")},
			{MessageID: 42, Index: 3, IsLast: true, Data: []byte("last")},
			{MessageID: 43, Index: 127, IsLast: true, Data: []byte{}},
		},
	}
	b, err := p.MarshalBinary()
	require.NoError(err)
	require.Len(b, p.Size())
	require.Equal(byte(0xc0), b[0])

	p2, err := Parse(b)
	require.NoError(err)
	require.Equal(p.ACKs, p2.ACKs)
	require.Equal(p.PartialACKs, p2.PartialACKs)
	require.Len(p2.Fragments, 3)
	for i, f := range p.Fragments {
		require.Equal(f.MessageID, p2.Fragments[i].MessageID)
		require.Equal(f.Index, p2.Fragments[i].Index)
		require.Equal(f.IsLast, p2.Fragments[i].IsLast)
		require.Equal(len(f.Data), len(p2.Fragments[i].Data))
	}

	empty := new(Payload)
	require.True(empty.IsEmpty())
	b, err = empty.MarshalBinary()
	require.NoError(err)
	require.Equal([]byte{0x00, 0x00}, b)
}

func TestFragmentInfoLayout(t *testing.T) {
	require := require.New(t)

	p := &Payload{
		Fragments: []Fragment{{MessageID: 1, Index: 5, IsLast: true, Data: make([]byte, 0x123)}},
	}
	b, err := p.MarshalBinary()
	require.NoError(err)

	// flag, count, id, then the packed info.
	info := uint32(b[6])<<16 | uint32(b[7])<<8 | uint32(b[8])
	require.Equal(uint32(5), info>>17)
	require.NotZero(info & 0x010000)
	require.Equal(uint32(0x123), info&0x3fff)
}

func TestParseMalformed(t *testing.T) {
	require := require.New(t)

	p := &Payload{
		ACKs:      []uint32{1},
		Fragments: []Fragment{{MessageID: 1, Data: []byte("abcdef")}},
	}
	b, err := p.MarshalBinary()
	require.NoError(err)

	for i := 0; i < len(b); i++ {
		_, err := Parse(b[:i])
		require.ErrorIs(err, packet.ErrMalformedPacket, "truncated at %d", i)
	}

	// Fragment length larger than the remaining bytes.
	bad := []byte{0x00, 0x01, 0, 0, 0, 1, 0x00, 0x00, 0x10, 'x'}
	_, err = Parse(bad)
	require.ErrorIs(err, packet.ErrMalformedPacket)
}

func TestMarshalLimits(t *testing.T) {
	require := require.New(t)

	p := &Payload{ACKs: make([]uint32, MaxListEntries+1)}
	_, err := p.MarshalBinary()
	require.Error(err)

	p = &Payload{Fragments: []Fragment{{Index: 128}}}
	_, err = p.MarshalBinary()
	require.Error(err)

	p = &Payload{Fragments: []Fragment{{Data: make([]byte, MaxFragmentLength+1)}}}
	_, err = p.MarshalBinary()
	require.Error(err)
}
