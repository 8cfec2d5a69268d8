// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package router implements the ssurouter daemon: it owns the long term
// identity, the SSU transport and the peer book, and queues outbound
// messages until a session with their destination is established.
package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/core/log"
	"github.com/katzenpost/ssurouter/core/retry"
	"github.com/katzenpost/ssurouter/core/utils"
	"github.com/katzenpost/ssurouter/core/worker"
	"github.com/katzenpost/ssurouter/internal/instrument"
	"github.com/katzenpost/ssurouter/internal/profiling"
	"github.com/katzenpost/ssurouter/router/config"
	"github.com/katzenpost/ssurouter/transport/ssu"
)

const (
	identityPrivateKeyFile = "identity.private.pem"
	identityPublicKeyFile  = "identity.public.pem"

	// RouterInfoFile is the name of the file in DataDir that our own
	// RouterInfo is written to at startup.
	RouterInfoFile = "router.info"
)

var (
	// ErrGenerateOnly is the error returned when the router initialization
	// terminates due to the `GenerateOnly` debug config option.
	ErrGenerateOnly = errors.New("router: GenerateOnly set")

	// ErrUnknownPeer is the error returned when sending to a peer whose
	// RouterInfo is not known.
	ErrUnknownPeer = errors.New("router: unknown peer")

	// ErrQueueFull is the error returned when too many messages are queued
	// for a peer that is not yet connected.
	ErrQueueFull = errors.New("router: pending queue full")
)

// MessageHandler is called with every message delivered by a peer.
type MessageHandler func(peer identity.Hash, payload []byte)

// Router is a ssurouter instance.
type Router struct {
	worker.Worker

	cfg *config.Config

	identity   *identity.LocalIdentity
	routerInfo *identity.RouterInfo

	logBackend *log.Backend
	log        *logging.Logger

	transport *ssu.Transport
	metrics   *http.Server

	sync.Mutex
	book       map[identity.Hash]*identity.RouterInfo
	persistent map[identity.Hash]bool
	pending    map[identity.Hash][][]byte
	backoff    *retry.Backoff[identity.Hash]
	onMessage  MessageHandler

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (r *Router) initDataDir() error {
	if err := utils.InitDataDir(r.cfg.Router.DataDir); err != nil {
		return fmt.Errorf("router: %v", err)
	}
	return nil
}

func (r *Router) initLogging() error {
	p := r.cfg.Logging.File
	if !r.cfg.Logging.Disable && r.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(r.cfg.Router.DataDir, p)
		}
	}

	var err error
	r.logBackend, err = log.New(p, r.cfg.Logging.Level, r.cfg.Logging.Disable)
	if err == nil {
		r.log = r.logBackend.GetLogger("router")
	}
	return err
}

func (r *Router) initIdentity() error {
	privFile := filepath.Join(r.cfg.Router.DataDir, identityPrivateKeyFile)
	pubFile := filepath.Join(r.cfg.Router.DataDir, identityPublicKeyFile)

	both, neither, err := utils.PairExists(privFile, pubFile)
	if err != nil {
		return err
	}

	var (
		pk sign.PublicKey
		sk sign.PrivateKey
	)
	switch {
	case both:
		if sk, err = signpem.FromPrivatePEMFile(privFile, identity.Scheme); err != nil {
			return err
		}
		if pk, err = signpem.FromPublicPEMFile(pubFile, identity.Scheme); err != nil {
			return err
		}
	case neither:
		if pk, sk, err = identity.Scheme.GenerateKey(); err != nil {
			return err
		}
		if err = signpem.PrivateKeyToFile(privFile, sk); err != nil {
			return err
		}
		if err = signpem.PublicKeyToFile(pubFile, pk); err != nil {
			return err
		}
		r.log.Noticef("Generated new identity keys in %v", r.cfg.Router.DataDir)
	default:
		return fmt.Errorf("%s and %s must either both exist or not exist", privFile, pubFile)
	}

	r.identity, err = identity.NewLocalIdentity(pk, sk)
	return err
}

func (r *Router) initPeers() error {
	for _, p := range r.cfg.Peers {
		ri, err := identity.LoadRouterInfoFile(p.RouterInfoFile)
		if err != nil {
			return fmt.Errorf("router: failed to load peer '%v': %v", p.RouterInfoFile, err)
		}
		r.AddPeer(ri)
		if !p.Connect {
			continue
		}
		r.Lock()
		r.persistent[ri.Hash()] = true
		r.Unlock()
		if err := r.transport.Connect(ri); err != nil {
			r.log.Warningf("Failed to connect to %v: %v", ri, err)
		}
	}
	return nil
}

// New returns a new Router instance parameterized with the specific
// configuration.
func New(cfg *config.Config) (*Router, error) {
	r := &Router{
		cfg:        cfg,
		book:       make(map[identity.Hash]*identity.RouterInfo),
		persistent: make(map[identity.Hash]bool),
		pending:    make(map[identity.Hash][][]byte),
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}
	r.backoff = retry.NewBackoff[identity.Hash](
		time.Duration(cfg.Debug.ReconnectDelay)*time.Millisecond,
		time.Duration(cfg.Debug.MaxReconnectDelay)*time.Millisecond,
		retry.DefaultJitter)

	// Do the early initialization and bring up logging.
	if err := r.initDataDir(); err != nil {
		return nil, err
	}
	if err := r.initLogging(); err != nil {
		return nil, err
	}

	r.log.Notice("SSU router")
	if r.cfg.Logging.Level == "DEBUG" {
		r.log.Warning("Debug logging is enabled.")
	}

	if err := r.initIdentity(); err != nil {
		r.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	r.log.Noticef("Router identity: %v", r.identity.Hash())

	if r.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call r.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			r.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-r.fatalErrCh
		if !ok {
			return
		}
		r.log.Warningf("Shutting down due to error: %v", err)
		r.Shutdown()
	}()

	if err := profiling.Start(r.logBackend.GetLogger("profiling"), map[string]string{
		"identifier": cfg.Router.Identifier,
	}); err != nil {
		r.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}

	if cfg.Router.MetricsAddress != "" {
		r.metrics = instrument.StartPrometheusListener(cfg.Router.MetricsAddress, r.logBackend.GetGoLogger("metrics", "ERROR"))
		r.log.Noticef("Serving metrics on %v", cfg.Router.MetricsAddress)
	}

	tCfg := &ssu.Config{
		Identity:   r.identity,
		LogBackend: r.logBackend,
	}
	cfg.Transport.Apply(tCfg)

	var err error
	if r.transport, err = ssu.New(tCfg); err != nil {
		r.log.Errorf("Failed to create transport: %v", err)
		return nil, err
	}
	if err = r.transport.Start(cfg.Router.BindAddress); err != nil {
		r.log.Errorf("Failed to start transport: %v", err)
		return nil, err
	}
	r.Go(r.eventWorker)

	addr := cfg.Router.AdvertisedAddress()
	if addr.Port() == 0 {
		addr = netip.AddrPortFrom(addr.Addr(), r.transport.LocalAddr().Port())
	}
	r.routerInfo = r.identity.NewRouterInfo(addr)

	if err = r.ExportRouterInfo(filepath.Join(cfg.Router.DataDir, RouterInfoFile)); err != nil {
		r.log.Errorf("Failed to write RouterInfo: %v", err)
		return nil, err
	}
	if err = r.initPeers(); err != nil {
		r.log.Errorf("%v", err)
		return nil, err
	}

	isOk = true
	return r, nil
}

// ExportRouterInfo writes the RouterInfo of the router described by cfg to
// path, generating the identity keys if needed.  The transport is not
// started and no peer is contacted, so cfg.Router.Address must carry a fixed
// port.
func ExportRouterInfo(cfg *config.Config, path string) error {
	addr := cfg.Router.AdvertisedAddress()
	if addr.Port() == 0 {
		return errors.New("router: Address has no fixed port to advertise")
	}

	r := &Router{cfg: cfg}
	if err := r.initDataDir(); err != nil {
		return err
	}
	if err := r.initLogging(); err != nil {
		return err
	}
	if err := r.initIdentity(); err != nil {
		return err
	}
	r.routerInfo = r.identity.NewRouterInfo(addr)
	return r.ExportRouterInfo(path)
}

// Identity returns the router's long term identity.
func (r *Router) Identity() *identity.LocalIdentity {
	return r.identity
}

// RouterInfo returns the RouterInfo we publish to peers.
func (r *Router) RouterInfo() *identity.RouterInfo {
	return r.routerInfo
}

// LocalAddr returns the endpoint the transport is bound to.
func (r *Router) LocalAddr() identity.Endpoint {
	return r.transport.LocalAddr()
}

// ExportRouterInfo writes our signed RouterInfo to path.
func (r *Router) ExportRouterInfo(path string) error {
	b, err := r.identity.MarshalRouterInfo(r.routerInfo.Address)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0644)
}

// AddPeer adds or replaces a peer in the peer book.
func (r *Router) AddPeer(ri *identity.RouterInfo) {
	r.Lock()
	defer r.Unlock()
	r.book[ri.Hash()] = ri
}

// OnMessage sets the handler that receives delivered messages.  A nil
// handler logs them.
func (r *Router) OnMessage(fn MessageHandler) {
	r.Lock()
	defer r.Unlock()
	r.onMessage = fn
}

// Connect establishes a session with a peer in the peer book.
func (r *Router) Connect(h identity.Hash) error {
	r.Lock()
	ri, ok := r.book[h]
	r.Unlock()
	if !ok {
		return ErrUnknownPeer
	}
	return r.transport.Connect(ri)
}

// IsConnected returns true iff a session with the peer is established.
func (r *Router) IsConnected(h identity.Hash) bool {
	return r.transport.IsConnected(h)
}

// Send sends payload to a peer.  If no session is established the payload
// is queued and a session is established with the peer, which must be in
// the peer book.
func (r *Router) Send(h identity.Hash, payload []byte) error {
	r.Lock()
	defer r.Unlock()

	if r.transport.IsConnected(h) {
		_, err := r.transport.Send(h, payload)
		if !errors.Is(err, ssu.ErrNotConnected) {
			return err
		}
	}

	ri, ok := r.book[h]
	if !ok {
		return ErrUnknownPeer
	}
	q := r.pending[h]
	if len(q) >= r.cfg.Debug.MaxPendingMessages {
		return ErrQueueFull
	}
	r.pending[h] = append(q, slices.Clone(payload))

	switch err := r.transport.Connect(ri); {
	case err == nil:
	case errors.Is(err, ssu.ErrAlreadyConnected):
		r.flushLocked(h)
	default:
		delete(r.pending, h)
		return err
	}
	return nil
}

func (r *Router) flushLocked(h identity.Hash) {
	q := r.pending[h]
	delete(r.pending, h)
	for i, payload := range q {
		if _, err := r.transport.Send(h, payload); err != nil {
			r.log.Warningf("Dropping %d queued messages for %v: %v", len(q)-i, h.ShortString(), err)
			return
		}
	}
	if len(q) > 0 {
		r.log.Debugf("Flushed %d queued messages to %v", len(q), h.ShortString())
	}
}

func (r *Router) dropLocked(h identity.Hash, reason error) {
	if n := len(r.pending[h]); n > 0 {
		r.log.Warningf("Dropping %d queued messages for %v: %v", n, h.ShortString(), reason)
	}
	delete(r.pending, h)
}

// reconnectLocked schedules a new establishment to a persistent peer.
func (r *Router) reconnectLocked(h identity.Hash) {
	ri, ok := r.book[h]
	if !ok || !r.persistent[h] || r.IsHalted() {
		return
	}
	d := r.backoff.Next(h)
	r.log.Debugf("Reconnecting to %v in %v", h.ShortString(), d)
	r.Go(func() {
		select {
		case <-time.After(d):
		case <-r.HaltCh():
			return
		}
		switch err := r.transport.Connect(ri); {
		case err == nil, errors.Is(err, ssu.ErrAlreadyConnected):
		default:
			r.log.Warningf("Failed to reconnect to %v: %v", ri, err)
		}
	})
}

func (r *Router) eventWorker() {
	for {
		var ev ssu.Event
		select {
		case <-r.HaltCh():
			return
		case e, ok := <-r.transport.EventSink:
			if !ok {
				return
			}
			ev = e
		}
		r.onEvent(ev)
	}
}

func (r *Router) onEvent(ev ssu.Event) {
	r.log.Debugf("Transport event: %v", ev)

	r.Lock()
	defer r.Unlock()

	switch e := ev.(type) {
	case *ssu.ConnectedEvent:
		r.log.Noticef("Connected to %v at %v", e.Peer, e.Endpoint)
		r.backoff.Reset(e.Peer)
		r.flushLocked(e.Peer)
	case *ssu.ConnectionFailedEvent:
		r.log.Warningf("Failed to connect to %v: %v", e.Peer, e.Err)
		r.dropLocked(e.Peer, e.Err)
		r.reconnectLocked(e.Peer)
	case *ssu.DisconnectedEvent:
		r.log.Noticef("Disconnected from %v: %v", e.Peer, e.Err)
		r.reconnectLocked(e.Peer)
	case *ssu.MessageReceivedEvent:
		if r.onMessage == nil {
			r.log.Infof("Received %d byte message from %v", len(e.Payload), e.Peer)
			return
		}
		fn := r.onMessage
		r.Unlock()
		fn(e.Peer, e.Payload)
		r.Lock()
	default:
		r.log.Warningf("BUG: Unhandled transport event: %T", ev)
	}
}

// Shutdown cleanly shuts down a given Router instance.
func (r *Router) Shutdown() {
	r.haltOnce.Do(func() { r.halt() })
}

// Wait waits till the router is terminated for any reason.
func (r *Router) Wait() {
	<-r.haltedCh
}

func (r *Router) halt() {
	r.log.Noticef("Starting graceful shutdown.")

	if r.transport != nil {
		r.transport.Halt()
	}
	r.Worker.Halt()

	if r.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.metrics.Shutdown(ctx); err != nil {
			r.log.Warningf("Failed to stop metrics listener: %v", err)
		}
		cancel()
	}

	close(r.fatalErrCh)
	r.log.Noticef("Shutdown complete.")
	close(r.haltedCh)
}

// RotateLog rotates the log file if logging to a file is enabled.
func (r *Router) RotateLog() {
	if err := r.logBackend.Rotate(); err != nil {
		r.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down router")
	}
}
