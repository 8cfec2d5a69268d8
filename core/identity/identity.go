// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package identity implements router identities, router hashes and the
// published RouterInfo descriptor.
package identity

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/netip"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	signSchemes "github.com/katzenpost/hpqc/sign/schemes"
)

// SignatureSchemeName is the name of the long term signature scheme.
const SignatureSchemeName = "Ed25519"

// HashSize is the length of a router hash in bytes.
const HashSize = 32

// Scheme is the long term signature scheme used for router identities.
var Scheme = signSchemes.ByName(SignatureSchemeName)

// Endpoint identifies a UDP peer.
type Endpoint = netip.AddrPort

// Hash is a router hash, the fixed length fingerprint of a RouterIdentity.
type Hash [HashSize]byte

// String returns the base64 encoding of the hash.
func (h Hash) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// ShortString returns a truncated encoding suitable for log lines.
func (h Hash) ShortString() string {
	return h.String()[:8]
}

// HashFromString parses the base64 encoding produced by Hash.String.
func HashFromString(s string) (Hash, error) {
	var h Hash
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, fmt.Errorf("identity: invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return h, nil
}

// RouterIdentity is a peer's long term public identity.
type RouterIdentity struct {
	key  sign.PublicKey
	raw  []byte
	hash Hash
}

// NewRouterIdentity wraps a long term signing public key.
func NewRouterIdentity(pk sign.PublicKey) (*RouterIdentity, error) {
	if pk == nil {
		return nil, errors.New("identity: nil public key")
	}
	raw, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &RouterIdentity{
		key:  pk,
		raw:  raw,
		hash: hash.Sum256(raw),
	}, nil
}

// RouterIdentityFromBytes deserializes a RouterIdentity.
func RouterIdentityFromBytes(b []byte) (*RouterIdentity, error) {
	if len(b) != Scheme.PublicKeySize() {
		return nil, fmt.Errorf("identity: invalid identity length %d", len(b))
	}
	pk, err := Scheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, err
	}
	return NewRouterIdentity(pk)
}

// Bytes returns the serialized identity.
func (r *RouterIdentity) Bytes() []byte {
	return r.raw
}

// Hash returns the router hash.
func (r *RouterIdentity) Hash() Hash {
	return r.hash
}

// PublicKey returns the long term signing public key.
func (r *RouterIdentity) PublicKey() sign.PublicKey {
	return r.key
}

// Verify returns true iff sig is a valid signature over msg.
func (r *RouterIdentity) Verify(msg, sig []byte) bool {
	if len(sig) != Scheme.SignatureSize() {
		return false
	}
	return Scheme.Verify(r.key, msg, sig, nil)
}

// LocalIdentity is our own identity, including the private signing key.
type LocalIdentity struct {
	identity *RouterIdentity
	key      sign.PrivateKey
}

// NewLocalIdentity creates a LocalIdentity from a signing key pair.
func NewLocalIdentity(pk sign.PublicKey, sk sign.PrivateKey) (*LocalIdentity, error) {
	if sk == nil {
		return nil, errors.New("identity: nil private key")
	}
	id, err := NewRouterIdentity(pk)
	if err != nil {
		return nil, err
	}
	return &LocalIdentity{
		identity: id,
		key:      sk,
	}, nil
}

// GenerateLocalIdentity creates a fresh LocalIdentity.
func GenerateLocalIdentity() (*LocalIdentity, error) {
	pk, sk, err := Scheme.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewLocalIdentity(pk, sk)
}

// Identity returns the public RouterIdentity.
func (l *LocalIdentity) Identity() *RouterIdentity {
	return l.identity
}

// Hash returns our router hash.
func (l *LocalIdentity) Hash() Hash {
	return l.identity.Hash()
}

// Sign signs msg with the long term signing key.
func (l *LocalIdentity) Sign(msg []byte) []byte {
	return Scheme.Sign(l.key, msg, nil)
}

// SignatureSize returns the length of a long term signature.
func SignatureSize() int {
	return Scheme.SignatureSize()
}
