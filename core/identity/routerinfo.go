// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"errors"
	"fmt"
	"net/netip"
	"os"

	"github.com/fxamacker/cbor/v2"
)

const routerInfoVersion = 1

var errInvalidRouterInfo = errors.New("identity: invalid RouterInfo")

// RouterInfo is the published description of a router: its identity and
// the UDP endpoint it accepts SSU sessions on.  The peer's intro key,
// which keys the first two handshake packets, is its router hash.
type RouterInfo struct {
	Identity *RouterIdentity
	Address  Endpoint
}

type routerInfoWire struct {
	Version   uint8  `cbor:"version"`
	Identity  []byte `cbor:"identity"`
	Address   string `cbor:"address"`
	Signature []byte `cbor:"signature"`
}

func routerInfoSigningMessage(identity []byte, addr string) []byte {
	msg := make([]byte, 0, len("RouterInfo")+len(identity)+len(addr)+1)
	msg = append(msg, "RouterInfo"...)
	msg = append(msg, routerInfoVersion)
	msg = append(msg, identity...)
	msg = append(msg, addr...)
	return msg
}

// Hash returns the router hash of the described router.
func (ri *RouterInfo) Hash() Hash {
	return ri.Identity.Hash()
}

// IntroKey returns the key used to seal handshake packets addressed to the
// described router.
func (ri *RouterInfo) IntroKey() [HashSize]byte {
	return ri.Identity.Hash()
}

// String returns a human readable description.
func (ri *RouterInfo) String() string {
	return fmt.Sprintf("%s@%s", ri.Hash().ShortString(), ri.Address)
}

// NewRouterInfo returns a RouterInfo for ourselves, signed by our
// long term key when serialized.
func (l *LocalIdentity) NewRouterInfo(addr Endpoint) *RouterInfo {
	return &RouterInfo{
		Identity: l.identity,
		Address:  addr,
	}
}

// MarshalRouterInfo serializes and signs a RouterInfo describing ourselves.
func (l *LocalIdentity) MarshalRouterInfo(addr Endpoint) ([]byte, error) {
	if !addr.IsValid() {
		return nil, errors.New("identity: invalid RouterInfo address")
	}
	w := &routerInfoWire{
		Version:  routerInfoVersion,
		Identity: l.identity.Bytes(),
		Address:  addr.String(),
	}
	w.Signature = l.Sign(routerInfoSigningMessage(w.Identity, w.Address))
	return cbor.Marshal(w)
}

// UnmarshalBinary deserializes a RouterInfo, and verifies its signature.
func (ri *RouterInfo) UnmarshalBinary(b []byte) error {
	w := new(routerInfoWire)
	if err := cbor.Unmarshal(b, w); err != nil {
		return err
	}
	if w.Version != routerInfoVersion {
		return fmt.Errorf("identity: unsupported RouterInfo version %d", w.Version)
	}
	id, err := RouterIdentityFromBytes(w.Identity)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddrPort(w.Address)
	if err != nil {
		return fmt.Errorf("identity: invalid RouterInfo address: %v", err)
	}
	if !id.Verify(routerInfoSigningMessage(w.Identity, w.Address), w.Signature) {
		return errInvalidRouterInfo
	}
	ri.Identity = id
	ri.Address = addr
	return nil
}

// LoadRouterInfoFile reads and verifies a RouterInfo file.
func LoadRouterInfoFile(path string) (*RouterInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ri := new(RouterInfo)
	if err := ri.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}
	return ri, nil
}
