// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package router

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/router/config"
)

type received struct {
	peer    identity.Hash
	payload []byte
}

func testConfig(t *testing.T, dataDir string, connect bool, peers ...string) *config.Config {
	require := require.New(t)

	s := fmt.Sprintf(`[Router]
Identifier = "ssu.test"
Address = "127.0.0.1:0"
DataDir = %q

[Logging]
Level = "DEBUG"

[Transport]
ResendInterval = 100
AckInterval = 50
HandshakeTimeout = 500

[Debug]
MaxPendingMessages = 2
ReconnectDelay = 200
`, dataDir)
	for _, p := range peers {
		s += fmt.Sprintf("\n[[Peers]]\nRouterInfoFile = %q\nConnect = %v\n", p, connect)
	}
	cfg, err := config.Load([]byte(s))
	require.NoError(err)
	return cfg
}

func newTestRouter(t *testing.T, dataDir string, connect bool, peers ...string) *Router {
	r, err := New(testConfig(t, dataDir, connect, peers...))
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)

	dataDir := filepath.Join(t.TempDir(), "router")
	cfg := testConfig(t, dataDir, false)
	cfg.Debug.GenerateOnly = true
	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)

	pubFile := filepath.Join(dataDir, identityPublicKeyFile)
	pk, err := signpem.FromPublicPEMFile(pubFile, identity.Scheme)
	require.NoError(err)
	id, err := identity.NewRouterIdentity(pk)
	require.NoError(err)

	// The generated keys are reused.
	r := newTestRouter(t, dataDir, false)
	require.Equal(id.Hash(), r.Identity().Hash())

	// Our RouterInfo is exported with the real port.
	ri, err := identity.LoadRouterInfoFile(filepath.Join(dataDir, RouterInfoFile))
	require.NoError(err)
	require.Equal(id.Hash(), ri.Hash())
	require.Equal(r.LocalAddr(), ri.Address)
	require.NotZero(ri.Address.Port())
}

func TestIdentityFiles(t *testing.T) {
	require := require.New(t)

	dataDir := filepath.Join(t.TempDir(), "router")
	cfg := testConfig(t, dataDir, false)
	cfg.Debug.GenerateOnly = true
	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)

	require.NoError(os.Remove(filepath.Join(dataDir, identityPrivateKeyFile)))
	_, err = New(testConfig(t, dataDir, false))
	require.Error(err)

	require.NoError(os.Chmod(dataDir, 0755))
	_, err = New(testConfig(t, dataDir, false))
	require.Error(err)
}

func TestRouterSend(t *testing.T) {
	require := require.New(t)

	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	b := newTestRouter(t, dirB, false)
	rxB := make(chan received, 4)
	b.OnMessage(func(peer identity.Hash, payload []byte) {
		rxB <- received{peer, payload}
	})

	a := newTestRouter(t, dirA, false, filepath.Join(dirB, RouterInfoFile))
	rxA := make(chan received, 4)
	a.OnMessage(func(peer identity.Hash, payload []byte) {
		rxA <- received{peer, payload}
	})

	bHash := b.Identity().Hash()
	aHash := a.Identity().Hash()

	// Queued until the session is up, then flushed in order.
	require.NoError(a.Send(bHash, []byte("first")))
	require.NoError(a.Send(bHash, []byte("second")))
	for _, want := range []string{"first", "second"} {
		select {
		case m := <-rxB:
			require.Equal(aHash, m.peer)
			require.Equal([]byte(want), m.payload)
		case <-time.After(10 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
	require.True(a.IsConnected(bHash))

	// b does not have a in its peer book, but the session is established.
	require.Eventually(func() bool { return b.IsConnected(aHash) }, 10*time.Second, 10*time.Millisecond)
	require.NoError(b.Send(aHash, []byte("reply")))
	select {
	case m := <-rxA:
		require.Equal(bHash, m.peer)
		require.Equal([]byte("reply"), m.payload)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	var unknown identity.Hash
	unknown[0] = 0xff
	require.ErrorIs(a.Send(unknown, []byte("nope")), ErrUnknownPeer)
	require.ErrorIs(a.Connect(unknown), ErrUnknownPeer)
}

func TestRouterPendingQueue(t *testing.T) {
	require := require.New(t)

	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer sink.Close()

	a := newTestRouter(t, filepath.Join(t.TempDir(), "a"), false)

	silent, err := identity.GenerateLocalIdentity()
	require.NoError(err)
	ri := silent.NewRouterInfo(sink.LocalAddr().(*net.UDPAddr).AddrPort())
	a.AddPeer(ri)

	require.NoError(a.Send(ri.Hash(), []byte("one")))
	require.NoError(a.Send(ri.Hash(), []byte("two")))
	require.ErrorIs(a.Send(ri.Hash(), []byte("three")), ErrQueueFull)

	// The handshake times out and the queue is dropped.
	require.Eventually(func() bool {
		a.Lock()
		defer a.Unlock()
		return len(a.pending[ri.Hash()]) == 0
	}, 10*time.Second, 20*time.Millisecond)
	require.False(a.IsConnected(ri.Hash()))
}

func TestPersistentPeer(t *testing.T) {
	require := require.New(t)

	dirA := filepath.Join(t.TempDir(), "a")
	dirB := filepath.Join(t.TempDir(), "b")

	b := newTestRouter(t, dirB, false)
	a := newTestRouter(t, dirA, true, filepath.Join(dirB, RouterInfoFile))
	aHash := a.Identity().Hash()

	// Connected at startup without anything to send.
	require.Eventually(func() bool { return b.IsConnected(aHash) }, 10*time.Second, 10*time.Millisecond)

	// Re-established after the peer tears the session down.
	require.True(b.transport.Disconnect(aHash))
	require.False(b.IsConnected(aHash))
	require.Eventually(func() bool { return b.IsConnected(aHash) }, 10*time.Second, 10*time.Millisecond)
	require.Eventually(func() bool {
		a.Lock()
		defer a.Unlock()
		return a.backoff.Attempts(b.Identity().Hash()) == 0
	}, 10*time.Second, 10*time.Millisecond)
}

func TestExportRouterInfo(t *testing.T) {
	require := require.New(t)

	// A Connect peer that must not be contacted.
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(err)
	defer sink.Close()
	silent, err := identity.GenerateLocalIdentity()
	require.NoError(err)
	b, err := silent.MarshalRouterInfo(sink.LocalAddr().(*net.UDPAddr).AddrPort())
	require.NoError(err)
	peerFile := filepath.Join(t.TempDir(), "peer.info")
	require.NoError(os.WriteFile(peerFile, b, 0644))

	dataDir := filepath.Join(t.TempDir(), "router")
	out := filepath.Join(t.TempDir(), "router.info")

	cfg := testConfig(t, dataDir, true, peerFile)
	require.Error(ExportRouterInfo(cfg, out))

	cfg.Router.Address = "127.0.0.1:10190"
	require.NoError(ExportRouterInfo(cfg, out))
	ri, err := identity.LoadRouterInfoFile(out)
	require.NoError(err)
	require.Equal(cfg.Router.AdvertisedAddress(), ri.Address)

	pubFile := filepath.Join(dataDir, identityPublicKeyFile)
	pk, err := signpem.FromPublicPEMFile(pubFile, identity.Scheme)
	require.NoError(err)
	id, err := identity.NewRouterIdentity(pk)
	require.NoError(err)
	require.Equal(id.Hash(), ri.Hash())

	require.NoError(sink.SetReadDeadline(time.Now().Add(300 * time.Millisecond)))
	_, _, err = sink.ReadFromUDP(make([]byte, 2048))
	var ne net.Error
	require.ErrorAs(err, &ne)
	require.True(ne.Timeout())
}

func TestShutdown(t *testing.T) {
	r, err := New(testConfig(t, filepath.Join(t.TempDir(), "router"), false))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	r.Shutdown()
	r.Shutdown()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Wait did not return after Shutdown")
	}
}
