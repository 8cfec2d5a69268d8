// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestIdentityHashAndSignature(t *testing.T) {
	require := require.New(t)

	local, err := GenerateLocalIdentity()
	require.NoError(err)

	id, err := RouterIdentityFromBytes(local.Identity().Bytes())
	require.NoError(err)
	require.Equal(local.Hash(), id.Hash())

	msg := []byte("a message to sign")
	sig := local.Sign(msg)
	require.Len(sig, SignatureSize())
	require.True(id.Verify(msg, sig))

	sig[0] ^= 0x01
	require.False(id.Verify(msg, sig))
	require.False(id.Verify(msg, sig[:10]))

	_, err = RouterIdentityFromBytes([]byte{1, 2, 3})
	require.Error(err)
}

func TestHashString(t *testing.T) {
	require := require.New(t)

	var h Hash
	for i := range h {
		h[i] = byte(i)
	}
	h2, err := HashFromString(h.String())
	require.NoError(err)
	require.Equal(h, h2)
	require.Len(h.ShortString(), 8)

	_, err = HashFromString("AAAA")
	require.Error(err)
}

func TestRouterInfo(t *testing.T) {
	require := require.New(t)

	local, err := GenerateLocalIdentity()
	require.NoError(err)
	addr := netip.MustParseAddrPort("127.0.0.1:4567")

	raw, err := local.MarshalRouterInfo(addr)
	require.NoError(err)

	ri := new(RouterInfo)
	require.NoError(ri.UnmarshalBinary(raw))
	require.Equal(addr, ri.Address)
	require.Equal(local.Hash(), ri.Hash())
	require.Equal([HashSize]byte(local.Hash()), ri.IntroKey())

	path := filepath.Join(t.TempDir(), "peer.routerinfo")
	require.NoError(os.WriteFile(path, raw, 0600))
	ri2, err := LoadRouterInfoFile(path)
	require.NoError(err)
	require.Equal(ri.Hash(), ri2.Hash())

	// A RouterInfo signed by somebody else must be rejected.
	other, err := GenerateLocalIdentity()
	require.NoError(err)
	forged := &routerInfoWire{
		Version:  routerInfoVersion,
		Identity: local.Identity().Bytes(),
		Address:  addr.String(),
	}
	forged.Signature = other.Sign(routerInfoSigningMessage(forged.Identity, forged.Address))
	b, err := cbor.Marshal(forged)
	require.NoError(err)
	require.ErrorIs(new(RouterInfo).UnmarshalBinary(b), errInvalidRouterInfo)

	_, err = local.MarshalRouterInfo(netip.AddrPort{})
	require.Error(err)
}
