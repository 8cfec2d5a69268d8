// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ssu

import (
	"errors"
	"time"

	"github.com/katzenpost/ssurouter/core/identity"
	"github.com/katzenpost/ssurouter/internal/instrument"
	"github.com/katzenpost/ssurouter/transport/ssu/data"
	"github.com/katzenpost/ssurouter/transport/ssu/establish"
	"github.com/katzenpost/ssurouter/transport/ssu/fragments"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
	"github.com/katzenpost/ssurouter/transport/ssu/peer"
)

func roleString(isInitiator bool) string {
	if isInitiator {
		return "initiator"
	}
	return "responder"
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, packet.ErrAuthenticationFailure):
		return "authentication"
	case errors.Is(err, packet.ErrMalformedPacket):
		return "malformed"
	case errors.Is(err, fragments.ErrResourceExhaustion):
		return "resource"
	default:
		return "unexpected"
	}
}

func (t *Transport) doConnect(op *opConnect) error {
	ri := op.ri
	if ri.Hash() == t.cfg.Identity.Hash() {
		return errConnectSelf
	}
	if _, ok := t.peers.Get(ri.Hash()); ok {
		return ErrAlreadyConnected
	}
	if t.establish.IsConnecting(ri.Address) {
		return nil
	}

	pkt, timer, err := t.establish.Establish(ri)
	if err != nil {
		return err
	}
	t.writeTo(ri.Address, pkt, packet.SessionRequest)
	t.schedule(t.cfg.HandshakeTimeout, &timerEntry{kind: timerHandshake, handshake: timer})
	t.log.Infof("Connecting to %v", ri)
	return nil
}

func (t *Transport) doSend(h identity.Hash, payload []byte) (uint32, error) {
	p, ok := t.peers.Get(h)
	if !ok {
		return 0, ErrNotConnected
	}
	id, err := p.NewMessageID()
	if err != nil {
		return 0, err
	}
	m, err := p.Outbound.Add(id, payload, t.cfg.FragmentSize)
	if err != nil {
		return 0, err
	}
	instrument.MessageSent()

	gen := m.Generation
	t.schedule(t.cfg.ResendInterval, &timerEntry{kind: timerRetransmit, peer: p, msgID: id, generation: gen})
	t.post(func() { t.sendNextFragment(p, id, gen) })
	return id, nil
}

func (t *Transport) doDisconnect(h identity.Hash) bool {
	if t.establish.Abort(h) {
		t.emit(&ConnectionFailedEvent{Peer: h, Err: errAborted})
	}
	p, ok := t.peers.Get(h)
	if !ok {
		return false
	}
	t.sendSession(p, packet.SessionDestroyed, nil)
	t.removePeer(p, errLocalClose)
	return true
}

func (t *Transport) removePeer(p *peer.State, reason error) {
	t.peers.Remove(p.Hash())
	p.Close()
	t.dropTimers(p)
	instrument.Peers(t.peers.Len())
	t.log.Noticef("Disconnected from %v: %v", p, reason)
	t.emit(&DisconnectedEvent{Peer: p.Hash(), Err: reason})
}

func (t *Transport) onDatagram(d *datagram) {
	if len(d.b) < packet.MinSize {
		instrument.PacketDropped(dropReason(packet.ErrMalformedPacket))
		t.log.Debugf("Dropping short packet from %v", d.from)
		return
	}

	if p, ok := t.peers.GetByEndpoint(d.from); ok {
		h, body, err := p.Open(d.b)
		if err == nil {
			t.onSessionPacket(p, h, body)
			return
		}
		// The peer may have restarted and be establishing a new session.
	}

	res, err := t.establish.HandlePacket(d.from, d.b)
	if err != nil {
		var he *establish.HandshakeError
		if errors.As(err, &he) {
			t.onEstablishFailure(he)
			return
		}
		instrument.PacketDropped(dropReason(err))
		t.log.Debugf("Dropping packet from %v: %v", d.from, err)
		return
	}
	if res == nil {
		return
	}
	if res.Reply != nil {
		typ := packet.SessionCreated
		if res.Established != nil {
			typ = packet.SessionConfirmed
		}
		t.writeTo(d.from, res.Reply, typ)
	}
	if res.Arm != nil {
		t.schedule(t.cfg.HandshakeTimeout, &timerEntry{kind: timerHandshake, handshake: res.Arm})
	}
	if res.Established != nil {
		t.onEstablished(res.Established)
	}
}

func (t *Transport) onEstablishFailure(he *establish.HandshakeError) {
	instrument.Establishment(roleString(he.IsInitiator), "failure")
	t.log.Warningf("%v", he)
	if he.HasPeer {
		t.emit(&ConnectionFailedEvent{Peer: he.Peer, Err: he})
	}
}

func (t *Transport) onEstablished(est *establish.Established) {
	p := peer.New(est.Identity, est.Endpoint, &est.SessionKey, &est.MACKey,
		fragments.NewInboundMessages(t.cfg.MaxInboundMessages, t.cfg.MaxDeliveredMessages, t.cfg.DeliveredTTL))

	// A session established by the peer supersedes any of our own attempts.
	t.establish.Abort(p.Hash())

	for _, old := range t.peers.Add(p) {
		old.Close()
		t.dropTimers(old)
		if old.Hash() != p.Hash() {
			t.log.Noticef("Session with %v replaced by %v", old, p)
			t.emit(&DisconnectedEvent{Peer: old.Hash(), Err: errReplaced})
		}
	}

	instrument.Establishment(roleString(est.IsInitiator), "success")
	instrument.Peers(t.peers.Len())
	t.log.Noticef("Established session with %v as %s in %v", p, roleString(est.IsInitiator), est.Duration)
	t.emit(&ConnectedEvent{Peer: p.Hash(), Endpoint: p.Endpoint(), IsInitiator: est.IsInitiator})
}

func (t *Transport) onSessionPacket(p *peer.State, h packet.Header, body []byte) {
	p.Touch(time.Now())
	instrument.PacketReceived(h.Type.String())

	switch h.Type {
	case packet.Data:
		t.onData(p, body)
	case packet.SessionDestroyed:
		t.removePeer(p, errRemoteClose)
	default:
		instrument.PacketDropped(dropReason(nil))
		t.log.Debugf("Dropping unexpected %v from %v", h.Type, p)
	}
}

func (t *Transport) onData(p *peer.State, body []byte) {
	// The entire payload is parsed before anything is applied.
	payload, err := data.Parse(body)
	if err != nil {
		instrument.PacketDropped(dropReason(err))
		t.log.Debugf("Dropping Data from %v: %v", p, err)
		return
	}

	for _, id := range payload.ACKs {
		p.Outbound.Ack(id)
	}
	for _, a := range payload.PartialACKs {
		p.Outbound.AckPartial(a.MessageID, a.Indices)
	}

	for i := range payload.Fragments {
		f := &payload.Fragments[i]
		msg, created, err := p.Inbound.Receive(f)
		if err != nil {
			instrument.PacketDropped(dropReason(err))
			t.log.Debugf("Dropping fragment %d of %08x from %v: %v", f.Index, f.MessageID, p, err)
			if errors.Is(err, packet.ErrMalformedPacket) {
				return
			}
			continue
		}
		if created != nil {
			t.schedule(t.cfg.InboundExpiry, &timerEntry{
				kind:       timerInboundExpiry,
				peer:       p,
				msgID:      created.ID,
				generation: created.Generation,
			})
		}
		if msg != nil {
			instrument.MessageDelivered()
			t.emit(&MessageReceivedEvent{Peer: p.Hash(), Payload: msg})
		}
	}
}

func (t *Transport) sendNextFragment(p *peer.State, id uint32, gen uint64) {
	if !t.isCurrent(p) {
		return
	}
	m, ok := p.Outbound.Get(id)
	if !ok || m.Generation != gen {
		return
	}
	f, ok := m.NextUnsent()
	if !ok {
		return
	}
	t.sendFragment(p, f)
	if m.HasUnsent() {
		t.post(func() { t.sendNextFragment(p, id, gen) })
	}
}

func (t *Transport) retransmit(p *peer.State, id uint32, gen uint64) {
	f, err := p.Outbound.Retransmit(id, gen)
	if err != nil {
		instrument.MessageAbandoned()
		t.log.Debugf("Message %08x to %v: %v", id, p, err)
		return
	}
	if f != nil {
		instrument.FragmentRetransmitted()
		t.sendFragment(p, f)
	}
	if m, ok := p.Outbound.Get(id); ok && m.Generation == gen {
		t.schedule(t.cfg.ResendInterval, &timerEntry{kind: timerRetransmit, peer: p, msgID: id, generation: gen})
	}
}

func (t *Transport) sendFragment(p *peer.State, f *data.Fragment) {
	pl := &data.Payload{Fragments: []data.Fragment{*f}}
	b, err := pl.MarshalBinary()
	if err != nil {
		t.log.Errorf("BUG: failed to encode fragment: %v", err)
		return
	}
	t.sendSession(p, packet.Data, b)
}

func (t *Transport) sendSession(p *peer.State, typ packet.PayloadType, body []byte) {
	pkt, err := p.Seal(typ, body)
	if err != nil {
		t.log.Errorf("Failed to seal %v for %v: %v", typ, p, err)
		return
	}
	t.writeTo(p.Endpoint(), pkt, typ)
}

func (t *Transport) writeTo(ep identity.Endpoint, pkt []byte, typ packet.PayloadType) {
	if _, err := t.conn.WriteToUDPAddrPort(pkt, ep); err != nil {
		t.log.Debugf("Failed to send %v to %v: %v", typ, ep, err)
		return
	}
	instrument.PacketSent(typ.String())
}
