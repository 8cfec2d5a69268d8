// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ssu

import (
	"time"

	"github.com/katzenpost/ssurouter/transport/ssu/data"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
	"github.com/katzenpost/ssurouter/transport/ssu/peer"
)

// Per packet ACK limits.  A full list of explicit ACKs plus this many
// maximal bitfields still fits in a single Data packet.
const (
	maxFullACKs    = data.MaxListEntries
	maxPartialACKs = 16
)

// flushACKs drains every peer's pending ACK obligations into Data packets
// that carry no fragments.
func (t *Transport) flushACKs() {
	for p := range t.peers.All() {
		t.flushPeerACKs(p)
	}
}

func (t *Transport) flushPeerACKs(p *peer.State) {
	for p.Inbound.HasPendingACKs() {
		full, partial := p.Inbound.TakeACKs(maxFullACKs, maxPartialACKs)
		if len(full) == 0 && len(partial) == 0 {
			return
		}
		pl := &data.Payload{ACKs: full, PartialACKs: partial}
		b, err := pl.MarshalBinary()
		if err != nil {
			t.log.Errorf("BUG: failed to encode ACKs: %v", err)
			return
		}
		t.sendSession(p, packet.Data, b)
	}
}

// expireIdle tears down sessions that have been silent for IdleTimeout.
func (t *Transport) expireIdle(now time.Time) {
	if t.cfg.IdleTimeout <= 0 {
		return
	}
	var idle []*peer.State
	for p := range t.peers.All() {
		if now.Sub(p.LastActivity()) > t.cfg.IdleTimeout {
			idle = append(idle, p)
		}
	}
	for _, p := range idle {
		t.sendSession(p, packet.SessionDestroyed, nil)
		t.removePeer(p, errIdle)
	}
}
