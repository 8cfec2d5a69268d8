// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fragments

import (
	"fmt"
	"slices"
	"time"

	"github.com/decred/dcrd/container/lru"

	"github.com/katzenpost/ssurouter/transport/ssu/data"
	"github.com/katzenpost/ssurouter/transport/ssu/packet"
)

// InboundMessage is the reassembly state of a single logical message.
type InboundMessage struct {
	ID         uint32
	Generation uint64

	fragments [MaxFragments][]byte
	present   [MaxFragments]bool
	count     int
	last      int
}

func newInboundMessage(id uint32, gen uint64) *InboundMessage {
	return &InboundMessage{
		ID:         id,
		Generation: gen,
		last:       -1,
	}
}

// LastIndex returns the index of the final fragment, or -1 if it has not
// been received.
func (m *InboundMessage) LastIndex() int {
	return m.last
}

// IsComplete returns true iff every fragment up to and including the final
// one has been received.
func (m *InboundMessage) IsComplete() bool {
	return m.last >= 0 && m.count == m.last+1
}

// Received returns the ascending indices of the received fragments.
func (m *InboundMessage) Received() []uint8 {
	indices := make([]uint8, 0, m.count)
	for i, ok := range m.present {
		if ok {
			indices = append(indices, uint8(i))
		}
	}
	return indices
}

// add records a fragment.  Duplicates are ignored, and the first copy of a
// fragment wins.
func (m *InboundMessage) add(f *data.Fragment) error {
	idx := int(f.Index)
	if idx >= MaxFragments {
		return fmt.Errorf("%w: index %d", errInconsistentFragment, idx)
	}
	if f.IsLast {
		switch {
		case m.last >= 0 && m.last != idx:
			return fmt.Errorf("%w: conflicting final fragment %d/%d", errInconsistentFragment, idx, m.last)
		case m.count > 0 && idx < m.highest():
			return fmt.Errorf("%w: final fragment %d below received fragments", errInconsistentFragment, idx)
		}
	} else if m.last >= 0 && idx >= m.last {
		return fmt.Errorf("%w: fragment %d beyond final fragment %d", errInconsistentFragment, idx, m.last)
	}

	if f.IsLast {
		m.last = idx
	}
	if m.present[idx] {
		return nil
	}
	m.present[idx] = true
	m.fragments[idx] = slices.Clone(f.Data)
	m.count++
	return nil
}

func (m *InboundMessage) highest() int {
	for i := MaxFragments - 1; i >= 0; i-- {
		if m.present[i] {
			return i
		}
	}
	return -1
}

func (m *InboundMessage) assemble() []byte {
	var n int
	for i := 0; i <= m.last; i++ {
		n += len(m.fragments[i])
	}
	b := make([]byte, 0, n)
	for i := 0; i <= m.last; i++ {
		b = append(b, m.fragments[i]...)
	}
	return b
}

// InboundMessages is a peer's reassembly table, along with the ACK
// obligations reassembly incurs.
type InboundMessages struct {
	max      int
	gen      uint64
	messages map[uint32]*InboundMessage

	// Every incomplete message holds a reserved slot in delivered, so the
	// set never evicts an id before its TTL.
	maxDelivered int
	delivered    *lru.Set[uint32]

	fullACKs    []uint32
	fullPending map[uint32]struct{}
	partialACKs map[uint32]struct{}
}

// NewInboundMessages creates a reassembly table holding at most
// maxMessages incomplete messages.  Delivered message ids are remembered for
// deliveredTTL so that retransmissions are acknowledged without being
// delivered again.  At most maxDelivered ids are remembered, counting
// incomplete messages; new messages beyond that are refused until ids
// expire.
func NewInboundMessages(maxMessages, maxDelivered int, deliveredTTL time.Duration) *InboundMessages {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxInboundMessages
	}
	if maxDelivered <= 0 {
		maxDelivered = DefaultMaxDeliveredMessages
	}
	return &InboundMessages{
		max:          maxMessages,
		messages:     make(map[uint32]*InboundMessage),
		maxDelivered: maxDelivered,
		delivered:    lru.NewSetWithDefaultTTL[uint32](uint32(maxDelivered), deliveredTTL),
		fullPending: make(map[uint32]struct{}),
		partialACKs: make(map[uint32]struct{}),
	}
}

// Len returns the number of incomplete messages.
func (t *InboundMessages) Len() int {
	return len(t.messages)
}

// Get returns the reassembly state for id, if any.
func (t *InboundMessages) Get(id uint32) (*InboundMessage, bool) {
	m, ok := t.messages[id]
	return m, ok
}

// Receive records a fragment.  If the fragment created a new reassembly
// state it is returned as created, so the caller can arm its idle expiry.
// If the fragment completed its message the reassembled payload is returned,
// exactly once per message id.
func (t *InboundMessages) Receive(f *data.Fragment) (payload []byte, created *InboundMessage, err error) {
	if t.delivered.Contains(f.MessageID) {
		t.markFullACK(f.MessageID)
		return nil, nil, nil
	}

	m, ok := t.messages[f.MessageID]
	if !ok {
		if len(t.messages) >= t.max || !t.reserveDelivered() {
			return nil, nil, ErrResourceExhaustion
		}
		t.gen++
		m = newInboundMessage(f.MessageID, t.gen)
		created = m
	}
	if err = m.add(f); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", packet.ErrMalformedPacket, err)
	}
	if !ok {
		t.messages[f.MessageID] = m
	}

	if !m.IsComplete() {
		t.partialACKs[m.ID] = struct{}{}
		return nil, created, nil
	}

	payload = m.assemble()
	delete(t.messages, m.ID)
	delete(t.partialACKs, m.ID)
	t.delivered.Put(m.ID)
	t.markFullACK(m.ID)
	return payload, nil, nil
}

func (t *InboundMessages) reserveDelivered() bool {
	if int(t.delivered.Len())+len(t.messages) < t.maxDelivered {
		return true
	}
	t.delivered.EvictExpiredNow()
	return int(t.delivered.Len())+len(t.messages) < t.maxDelivered
}

// Expire removes the reassembly state for id if it is still the state
// the timer was armed for.  It returns true iff state was removed.
func (t *InboundMessages) Expire(id uint32, gen uint64) bool {
	m, ok := t.messages[id]
	if !ok || m.Generation != gen {
		return false
	}
	delete(t.messages, id)
	delete(t.partialACKs, id)
	return true
}

func (t *InboundMessages) markFullACK(id uint32) {
	if _, ok := t.fullPending[id]; ok {
		return
	}
	t.fullPending[id] = struct{}{}
	t.fullACKs = append(t.fullACKs, id)
}

// HasPendingACKs returns true iff there are ACK obligations to flush.
func (t *InboundMessages) HasPendingACKs() bool {
	return len(t.fullACKs) > 0 || len(t.partialACKs) > 0
}

// TakeACKs removes and returns up to maxFull full ACKs and up to maxPartial
// partial ACKs from the pending obligations.
func (t *InboundMessages) TakeACKs(maxFull, maxPartial int) ([]uint32, []data.PartialACK) {
	n := min(maxFull, len(t.fullACKs))
	full := slices.Clone(t.fullACKs[:n])
	t.fullACKs = t.fullACKs[n:]
	for _, id := range full {
		delete(t.fullPending, id)
	}

	var partial []data.PartialACK
	for id := range t.partialACKs {
		if len(partial) >= maxPartial {
			break
		}
		delete(t.partialACKs, id)
		m, ok := t.messages[id]
		if !ok {
			continue
		}
		partial = append(partial, data.PartialACK{
			MessageID: id,
			Indices:   m.Received(),
		})
	}
	return full, partial
}

// Clear drops all reassembly state and obligations.
func (t *InboundMessages) Clear() {
	clear(t.messages)
	clear(t.partialACKs)
	clear(t.fullPending)
	t.fullACKs = nil
	t.delivered.Clear()
}
