// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ssu

import (
	"math"
	"time"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/internal/instrument"
	"github.com/katzenpost/ssurouter/transport/ssu/establish"
	"github.com/katzenpost/ssurouter/transport/ssu/peer"
)

type timerKind int

const (
	timerHandshake timerKind = iota
	timerRetransmit
	timerInboundExpiry
)

// timerEntry is a deferred action.  Every entry names the state it was armed
// for, and is a no-op if that state is gone or has been superseded.
type timerEntry struct {
	kind       timerKind
	peer       *peer.State
	msgID      uint32
	generation uint64
	handshake  *establish.Timer
}

var readyCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (t *Transport) worker() {
	const maxDuration = time.Duration(math.MaxInt64)

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()

	ackTicker := time.NewTicker(t.cfg.AckInterval)
	defer ackTicker.Stop()

	defer t.teardown()

	for {
		next := maxDuration
		if e := t.timers.Peek(); e != nil {
			next = max(time.Until(time.Unix(0, int64(e.Priority))), 0)
		}
		timer.Reset(next)

		var taskCh <-chan struct{}
		if len(t.tasks) > 0 {
			taskCh = readyCh
		}

		select {
		case <-t.HaltCh():
			t.log.Debug("Terminating gracefully.")
			return
		case d := <-t.rxCh:
			t.onDatagram(d)
		case op := <-t.opCh:
			t.onOp(op)
		case <-timer.C:
			t.fireTimers(time.Now())
		case <-ackTicker.C:
			t.flushACKs()
			t.expireIdle(time.Now())
		case <-taskCh:
			task := t.tasks[0]
			t.tasks[0] = nil
			t.tasks = t.tasks[1:]
			task()
		}
	}
}

// post queues fn to run on the reactor after pending input is handled.
func (t *Transport) post(fn func()) {
	t.tasks = append(t.tasks, fn)
}

func (t *Transport) schedule(after time.Duration, e *timerEntry) {
	t.timers.Enqueue(uint64(time.Now().Add(after).UnixNano()), e)
}

func (t *Transport) fireTimers(now time.Time) {
	for {
		e := t.timers.Peek()
		if e == nil || int64(e.Priority) > now.UnixNano() {
			return
		}
		t.timers.Dequeue()
		t.onTimer(e.Value)
	}
}

func (t *Transport) onTimer(e *timerEntry) {
	switch e.kind {
	case timerHandshake:
		if he := t.establish.Expire(e.handshake); he != nil {
			t.onEstablishFailure(he)
		}
	case timerRetransmit:
		if !t.isCurrent(e.peer) {
			return
		}
		t.retransmit(e.peer, e.msgID, e.generation)
	case timerInboundExpiry:
		if !t.isCurrent(e.peer) {
			return
		}
		if e.peer.Inbound.Expire(e.msgID, e.generation) {
			instrument.MessageExpired()
			t.log.Debugf("Discarding incomplete message %08x from %v", e.msgID, e.peer)
		}
	}
}

// isCurrent returns true iff p is the established session for its peer.
func (t *Transport) isCurrent(p *peer.State) bool {
	cur, ok := t.peers.Get(p.Hash())
	return ok && cur == p
}

func (t *Transport) dropTimers(p *peer.State) {
	t.timers.RemoveFunc(func(e *timerEntry) bool {
		return e.peer == p
	})
}

func (t *Transport) onOp(op interface{}) {
	switch op := op.(type) {
	case *opConnect:
		op.responseCh <- t.doConnect(op)
	case *opSend:
		id, err := t.doSend(op.peer, op.payload)
		op.responseCh <- sendResult{id: id, err: err}
	case *opDisconnect:
		op.responseCh <- t.doDisconnect(op.peer)
	case *opIsConnected:
		_, ok := t.peers.Get(op.peer)
		op.responseCh <- ok
	case *opPeers:
		hashes := make([]identity.Hash, 0, t.peers.Len())
		for p := range t.peers.All() {
			hashes = append(hashes, p.Hash())
		}
		op.responseCh <- hashes
	case *opUnacked:
		p, ok := t.peers.Get(op.peer)
		if !ok {
			op.responseCh <- -1
			return
		}
		op.responseCh <- p.Outbound.Len()
	case *opRekey:
		p, ok := t.peers.Get(op.peer)
		if !ok {
			op.responseCh <- ErrNotConnected
			return
		}
		p.Rekey(&op.sessionKey, &op.macKey)
		t.log.Debugf("Rekeyed session with %v", p)
		op.responseCh <- nil
	default:
		t.log.Warningf("BUG: Worker received nonsensical op: %T", op)
	}
}

func (t *Transport) teardown() {
	for p := range t.peers.All() {
		p.Close()
		t.emit(&DisconnectedEvent{Peer: p.Hash(), Err: errTransportClose})
	}
	t.peers = peer.NewList()
	t.tasks = nil
	instrument.Peers(0)
}
