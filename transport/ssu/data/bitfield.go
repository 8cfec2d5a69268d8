// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package data

import (
	"fmt"
	"slices"

	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

const (
	bitsPerByte      = 7
	continuationFlag = 0x80
	maxBitfieldSize  = MaxFragmentIndex/bitsPerByte + 1
)

// BitfieldSize returns the encoded length of a bitfield holding indices.
func BitfieldSize(indices []uint8) int {
	if len(indices) == 0 {
		return 1
	}
	return int(slices.Max(indices))/bitsPerByte + 1
}

// EncodeBitfield encodes a set of fragment indices.  Each byte carries seven
// indices, index byteNum*7+bit in bit position bit counting from the least
// significant bit, and the most significant bit is set on every byte except
// the last.
func EncodeBitfield(indices []uint8) ([]byte, error) {
	b := make([]byte, BitfieldSize(indices))
	for _, idx := range indices {
		if idx > MaxFragmentIndex {
			return nil, fmt.Errorf("data: invalid fragment index %d", idx)
		}
		b[idx/bitsPerByte] |= 1 << (idx % bitsPerByte)
	}
	for i := 0; i < len(b)-1; i++ {
		b[i] |= continuationFlag
	}
	return b, nil
}

// DecodeBitfield decodes a bitfield from the start of b, returning the
// ascending set of indices and the number of bytes consumed.
func DecodeBitfield(b []byte) ([]uint8, int, error) {
	var indices []uint8
	for i := 0; ; i++ {
		if i >= len(b) || i >= maxBitfieldSize {
			return nil, 0, fmt.Errorf("data: invalid bitfield: %w", packet.ErrMalformedPacket)
		}
		for bit := 0; bit < bitsPerByte; bit++ {
			if b[i]&(1<<bit) == 0 {
				continue
			}
			idx := i*bitsPerByte + bit
			if idx > MaxFragmentIndex {
				return nil, 0, fmt.Errorf("data: invalid bitfield index %d: %w", idx, packet.ErrMalformedPacket)
			}
			indices = append(indices, uint8(idx))
		}
		if b[i]&continuationFlag == 0 {
			return indices, i + 1, nil
		}
	}
}
