// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ssu implements the SSU transport: authenticated-encrypted UDP
// sessions carrying reliably delivered, fragmented messages.
//
// All session, establishment and fragment state is owned by a single reactor
// goroutine.  The public API posts operations to the reactor, and results
// flow upward as Events on EventSink.
package ssu

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/core/queue"
	"github.com/katzenpost/ssurouter/core/worker"
	"github.com/katzenpost/ssurouter/transport/ssu/establish"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
	"github.com/katzenpost/ssurouter/transport/ssu/peer"
)

var (
	// ErrNotConnected is the error returned when there is no established
	// session with a peer.
	ErrNotConnected = errors.New("ssu: peer not connected")

	// ErrAlreadyConnected is the error returned by Connect when a session
	// with the peer is already established.
	ErrAlreadyConnected = errors.New("ssu: peer already connected")

	// ErrHalted is the error returned when the transport has been halted.
	ErrHalted = errors.New("ssu: transport halted")

	// ErrNotStarted is the error returned when the transport has not been
	// started.
	ErrNotStarted = errors.New("ssu: transport not started")

	errConnectSelf    = errors.New("ssu: refusing to connect to ourselves")
	errAborted        = errors.New("ssu: establishment aborted")
	errLocalClose     = errors.New("ssu: session closed locally")
	errRemoteClose    = errors.New("ssu: session destroyed by peer")
	errReplaced       = errors.New("ssu: session replaced")
	errIdle           = errors.New("ssu: session idle")
	errTransportClose = errors.New("ssu: transport halted")
)

type datagram struct {
	from identity.Endpoint
	b    []byte
}

// Transport is an SSU transport instance.
type Transport struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	conn     *net.UDPConn
	started  atomic.Bool
	haltOnce sync.Once

	rxCh    chan *datagram
	opCh    chan interface{}
	eventCh channels.Channel

	// EventSink is the channel on which transport Events are delivered.
	// It must be drained by the consumer.
	EventSink chan Event

	// Owned by the reactor.
	peers     *peer.List
	establish *establish.Manager
	timers    *queue.PriorityQueue[*timerEntry]
	tasks     []func()
}

// New creates a new Transport.  It does not touch the network until Start
// is called.
func New(cfg *Config) (*Transport, error) {
	if cfg == nil {
		return nil, errors.New("ssu: no config")
	}
	c := *cfg
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	t := &Transport{
		cfg:       &c,
		log:       c.LogBackend.GetLogger("ssu"),
		rxCh:      make(chan *datagram, 64),
		opCh:      make(chan interface{}, 8),
		eventCh:   channels.NewInfiniteChannel(),
		EventSink: make(chan Event),
		peers:     peer.NewList(),
		timers:    queue.New[*timerEntry](),
	}

	var err error
	t.establish, err = establish.NewManager(&establish.Config{
		Identity:      c.Identity,
		Authenticator: c.Authenticator,
		Log:           c.LogBackend.GetLogger("establish"),
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Start binds the UDP socket and starts the transport.
func (t *Transport) Start(bindAddr string) error {
	ap, err := netip.ParseAddrPort(bindAddr)
	if err != nil {
		return fmt.Errorf("ssu: invalid bind address '%v': %v", bindAddr, err)
	}
	if t.IsHalted() {
		return ErrHalted
	}
	if !t.started.CompareAndSwap(false, true) {
		return errors.New("ssu: transport already started")
	}
	if t.conn, err = net.ListenUDP("udp", net.UDPAddrFromAddrPort(ap)); err != nil {
		t.started.Store(false)
		return err
	}
	t.log.Noticef("Listening on %v as %v", t.LocalAddr(), t.cfg.Identity.Hash())

	t.Go(t.reader)
	t.Go(t.worker)
	t.Go(t.eventSinkWorker)
	return nil
}

// LocalAddr returns the bound UDP endpoint.
func (t *Transport) LocalAddr() identity.Endpoint {
	if t.conn == nil {
		return identity.Endpoint{}
	}
	ap := t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Halt stops the transport, and closes EventSink.  Established sessions are
// dropped without notifying the peers.  Halt may be called more than once.
func (t *Transport) Halt() {
	t.haltOnce.Do(func() {
		if t.conn != nil {
			t.conn.Close()
		}
		t.Worker.Halt()
		t.eventCh.Close()
	})
}

func (t *Transport) reader() {
	buf := make([]byte, packet.MaxSize+1)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.IsHalted() || errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warningf("Failed to read from socket: %v", err)
			continue
		}
		d := &datagram{
			from: netip.AddrPortFrom(from.Addr().Unmap(), from.Port()),
			b:    slices.Clone(buf[:n]),
		}
		select {
		case t.rxCh <- d:
		case <-t.HaltCh():
			return
		}
	}
}

func (t *Transport) eventSinkWorker() {
	defer func() {
		t.log.Debug("Event sink worker terminating gracefully.")
		close(t.EventSink)
	}()
	for {
		var event interface{}
		select {
		case <-t.HaltCh():
			return
		case event = <-t.eventCh.Out():
		}
		select {
		case t.EventSink <- event.(Event):
		case <-t.HaltCh():
			return
		}
	}
}

func (t *Transport) emit(e Event) {
	t.eventCh.In() <- e
}

type opConnect struct {
	ri         *identity.RouterInfo
	responseCh chan error
}

type sendResult struct {
	id  uint32
	err error
}

type opSend struct {
	peer       identity.Hash
	payload    []byte
	responseCh chan sendResult
}

type opDisconnect struct {
	peer       identity.Hash
	responseCh chan bool
}

type opIsConnected struct {
	peer       identity.Hash
	responseCh chan bool
}

type opPeers struct {
	responseCh chan []identity.Hash
}

type opUnacked struct {
	peer       identity.Hash
	responseCh chan int
}

type opRekey struct {
	peer       identity.Hash
	sessionKey packet.Key
	macKey     packet.Key
	responseCh chan error
}

func call[T any](t *Transport, op interface{}, responseCh chan T) (T, error) {
	var zero T
	if !t.started.Load() {
		return zero, ErrNotStarted
	}
	select {
	case t.opCh <- op:
	case <-t.HaltCh():
		return zero, ErrHalted
	}
	select {
	case r := <-responseCh:
		return r, nil
	case <-t.HaltCh():
		return zero, ErrHalted
	}
}

// Connect starts establishing a session with the described router.  The
// outcome is reported as a ConnectedEvent or a ConnectionFailedEvent.  No
// automatic retry is ever made.
func (t *Transport) Connect(ri *identity.RouterInfo) error {
	if ri == nil || ri.Identity == nil || !ri.Address.IsValid() {
		return errors.New("ssu: invalid RouterInfo")
	}
	op := &opConnect{ri: ri, responseCh: make(chan error, 1)}
	err, callErr := call(t, op, op.responseCh)
	if callErr != nil {
		return callErr
	}
	return err
}

// Send queues payload for reliable delivery to an established peer, and
// returns the message id.  Delivery failures are not reported.
func (t *Transport) Send(h identity.Hash, payload []byte) (uint32, error) {
	op := &opSend{peer: h, payload: slices.Clone(payload), responseCh: make(chan sendResult, 1)}
	r, err := call(t, op, op.responseCh)
	if err != nil {
		return 0, err
	}
	return r.id, r.err
}

// Disconnect tears down the session with a peer, or aborts a pending
// establishment to it.  It returns true iff there was something to tear
// down.
func (t *Transport) Disconnect(h identity.Hash) bool {
	op := &opDisconnect{peer: h, responseCh: make(chan bool, 1)}
	r, _ := call(t, op, op.responseCh)
	return r
}

// IsConnected returns true iff a session with the peer is established.
func (t *Transport) IsConnected(h identity.Hash) bool {
	op := &opIsConnected{peer: h, responseCh: make(chan bool, 1)}
	r, _ := call(t, op, op.responseCh)
	return r
}

// Peers returns the router hashes of every established peer.
func (t *Transport) Peers() []identity.Hash {
	op := &opPeers{responseCh: make(chan []identity.Hash, 1)}
	r, _ := call(t, op, op.responseCh)
	return r
}

// NumPeers returns the number of established peers.
func (t *Transport) NumPeers() int {
	return len(t.Peers())
}

// Unacked returns the number of messages to a peer that are still awaiting
// acknowledgement.
func (t *Transport) Unacked(h identity.Hash) (int, error) {
	op := &opUnacked{peer: h, responseCh: make(chan int, 1)}
	n, err := call(t, op, op.responseCh)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrNotConnected
	}
	return n, nil
}

// Rekey replaces the session and MAC keys used with a peer.
func (t *Transport) Rekey(h identity.Hash, sessionKey, macKey *packet.Key) error {
	op := &opRekey{peer: h, sessionKey: *sessionKey, macKey: *macKey, responseCh: make(chan error, 1)}
	err, callErr := call(t, op, op.responseCh)
	if callErr != nil {
		return callErr
	}
	return err
}
