// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet implements the SSU packet framing: AES-256-CBC encryption
// authenticated with an HMAC-MD5 tag.
//
// A packet on the wire is:
//
//	IV (16) || AES-256-CBC(sessionKey, IV, PKCS#7(plaintext)) || MAC (16)
//
// where MAC = HMAC-MD5(macKey, ciphertext || IV || uint16be(len(ciphertext))).
package packet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"encoding/binary"
	"errors"
)

const (
	// KeySize is the size of a session or MAC key.
	KeySize = 32

	// IVSize is the size of the per-packet IV.
	IVSize = aes.BlockSize

	// MACSize is the size of the packet authentication tag.
	MACSize = md5.Size

	// MinSize is the smallest well formed packet: one ciphertext block.
	MinSize = IVSize + aes.BlockSize + MACSize

	// MaxSize is the SSU MTU.
	MaxSize = 1484

	// Overhead is the number of bytes framing adds to a plaintext of
	// length n, excluding padding.
	Overhead = IVSize + MACSize
)

var (
	// ErrMalformedPacket is the error returned when a packet is too short,
	// has a bad ciphertext length, or carries invalid padding.
	ErrMalformedPacket = errors.New("packet: malformed packet")

	// ErrAuthenticationFailure is the error returned when the packet tag
	// does not verify.
	ErrAuthenticationFailure = errors.New("packet: authentication failure")
)

// Key is a symmetric session or MAC key.
type Key [KeySize]byte

// PaddedSize returns the ciphertext length for a plaintext of length n.
func PaddedSize(n int) int {
	return n + aes.BlockSize - n%aes.BlockSize
}

// Encrypt encrypts and authenticates plaintext, returning the wire packet.
func Encrypt(plaintext []byte, iv *[IVSize]byte, sessionKey, macKey *Key) []byte {
	block, err := aes.NewCipher(sessionKey[:])
	if err != nil {
		// Only reachable with an invalid key size.
		panic("packet: " + err.Error())
	}

	ctLen := PaddedSize(len(plaintext))
	out := make([]byte, IVSize+ctLen, IVSize+ctLen+MACSize)
	copy(out, iv[:])
	ct := out[IVSize:]
	copy(ct, plaintext)
	pad := byte(ctLen - len(plaintext))
	for i := len(plaintext); i < ctLen; i++ {
		ct[i] = pad
	}
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ct, ct)

	return append(out, computeMAC(ct, iv[:], macKey)...)
}

// Verify checks the structure and authentication tag of a wire packet
// without decrypting it.
func Verify(wire []byte, macKey *Key) error {
	iv, ct, tag, err := split(wire)
	if err != nil {
		return err
	}
	if !hmac.Equal(tag, computeMAC(ct, iv, macKey)) {
		return ErrAuthenticationFailure
	}
	return nil
}

// DecryptAndVerify authenticates and decrypts a wire packet, returning the
// plaintext.  The input is not modified.
func DecryptAndVerify(wire []byte, sessionKey, macKey *Key) ([]byte, error) {
	if err := Verify(wire, macKey); err != nil {
		return nil, err
	}
	iv, ct, _, _ := split(wire)

	block, err := aes.NewCipher(sessionKey[:])
	if err != nil {
		panic("packet: " + err.Error())
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pad := int(pt[len(pt)-1])
	if pad == 0 || pad > aes.BlockSize {
		return nil, ErrMalformedPacket
	}
	for _, b := range pt[len(pt)-pad:] {
		if int(b) != pad {
			return nil, ErrMalformedPacket
		}
	}
	return pt[:len(pt)-pad], nil
}

func split(wire []byte) (iv, ct, tag []byte, err error) {
	if len(wire) < MinSize {
		return nil, nil, nil, ErrMalformedPacket
	}
	iv = wire[:IVSize]
	ct = wire[IVSize : len(wire)-MACSize]
	tag = wire[len(wire)-MACSize:]
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 || len(ct) > 0xffff {
		return nil, nil, nil, ErrMalformedPacket
	}
	return
}

func computeMAC(ct, iv []byte, macKey *Key) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(ct)))

	m := hmac.New(md5.New, macKey[:])
	m.Write(ct)
	m.Write(iv)
	m.Write(l[:])
	return m.Sum(nil)
}
