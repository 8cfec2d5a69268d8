// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fragments

import (
	"github.com/katzenpost/ssurouter/transport/ssu/data"
)

// OutboundMessage is the fragmentation and retransmission state of a single
// logical message.
type OutboundMessage struct {
	ID         uint32
	Generation uint64
	Retries    int

	fragments [][]byte
	acked     []bool
	numAcked  int
	nextSend  int
	resend    int
}

// NumFragments returns the number of fragments of the message.
func (m *OutboundMessage) NumFragments() int {
	return len(m.fragments)
}

// IsComplete returns true iff every fragment has been acknowledged.
func (m *OutboundMessage) IsComplete() bool {
	return m.numAcked == len(m.fragments)
}

// HasUnsent returns true iff some fragment has never been transmitted.
func (m *OutboundMessage) HasUnsent() bool {
	return m.nextSend < len(m.fragments)
}

// NextUnsent returns the next fragment that has never been transmitted,
// and marks it sent.
func (m *OutboundMessage) NextUnsent() (*data.Fragment, bool) {
	for m.nextSend < len(m.fragments) {
		idx := m.nextSend
		m.nextSend++
		if !m.acked[idx] {
			return m.fragment(idx), true
		}
	}
	return nil, false
}

// NextUnacked returns an unacknowledged fragment for retransmission.
// Successive calls cycle through the unacknowledged, already sent fragments.
func (m *OutboundMessage) NextUnacked() (*data.Fragment, bool) {
	n := len(m.fragments)
	for i := 0; i < n; i++ {
		idx := (m.resend + i) % n
		if !m.acked[idx] && (idx < m.nextSend || m.nextSend == n) {
			m.resend = idx + 1
			return m.fragment(idx), true
		}
	}
	return nil, false
}

func (m *OutboundMessage) fragment(idx int) *data.Fragment {
	return &data.Fragment{
		MessageID: m.ID,
		Index:     uint8(idx),
		IsLast:    idx == len(m.fragments)-1,
		Data:      m.fragments[idx],
	}
}

func (m *OutboundMessage) ack(indices []uint8) {
	for _, idx := range indices {
		if int(idx) >= len(m.fragments) || m.acked[idx] {
			continue
		}
		m.acked[idx] = true
		m.numAcked++
	}
}

// OutboundMessages is a peer's fragmentation table.
type OutboundMessages struct {
	gen      uint64
	messages map[uint32]*OutboundMessage
}

// NewOutboundMessages creates an empty fragmentation table.
func NewOutboundMessages() *OutboundMessages {
	return &OutboundMessages{
		messages: make(map[uint32]*OutboundMessage),
	}
}

// Len returns the number of messages awaiting acknowledgement.
func (t *OutboundMessages) Len() int {
	return len(t.messages)
}

// Get returns the state for id, if any.
func (t *OutboundMessages) Get(id uint32) (*OutboundMessage, bool) {
	m, ok := t.messages[id]
	return m, ok
}

// Add creates the state for a new message.  The id must not already be in
// use.
func (t *OutboundMessages) Add(id uint32, payload []byte, fragmentSize int) (*OutboundMessage, error) {
	frags, err := Split(payload, fragmentSize)
	if err != nil {
		return nil, err
	}
	if _, ok := t.messages[id]; ok {
		panic("BUG: fragments: duplicate outbound message id")
	}
	t.gen++
	m := &OutboundMessage{
		ID:         id,
		Generation: t.gen,
		fragments:  frags,
		acked:      make([]bool, len(frags)),
	}
	t.messages[id] = m
	return m, nil
}

// Contains returns true iff id is in use.
func (t *OutboundMessages) Contains(id uint32) bool {
	_, ok := t.messages[id]
	return ok
}

// Ack handles a full acknowledgement, returning true iff it removed state.
func (t *OutboundMessages) Ack(id uint32) bool {
	if _, ok := t.messages[id]; !ok {
		return false
	}
	delete(t.messages, id)
	return true
}

// AckPartial marks fragments as acknowledged.  A message whose fragments
// are now all acknowledged is removed, and true is returned.
func (t *OutboundMessages) AckPartial(id uint32, indices []uint8) bool {
	m, ok := t.messages[id]
	if !ok {
		return false
	}
	m.ack(indices)
	if !m.IsComplete() {
		return false
	}
	delete(t.messages, id)
	return true
}

// Retransmit handles a retransmission timer for id armed at generation gen.
// It returns the fragment to resend, if any.  When the message has already
// been retried MaxRetries times it is removed and ErrDeliveryAbandoned is
// returned.
func (t *OutboundMessages) Retransmit(id uint32, gen uint64) (*data.Fragment, error) {
	m, ok := t.messages[id]
	if !ok || m.Generation != gen {
		return nil, nil
	}
	if m.Retries >= MaxRetries {
		delete(t.messages, id)
		return nil, ErrDeliveryAbandoned
	}
	f, ok := m.NextUnacked()
	if !ok {
		return nil, nil
	}
	m.Retries++
	return f, nil
}

// Clear drops all state.
func (t *OutboundMessages) Clear() {
	clear(t.messages)
}
