// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package queue implements a priority queue, used by the transport as its
// timer heap.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry[T any] struct {
	Value    T
	Priority uint64

	seq uint64
}

type entryHeap[T any] []*Entry[T]

func (h entryHeap[T]) Len() int { return len(h) }

// Less orders by priority, then by insertion order so that entries sharing
// a priority are dequeued FIFO.
func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap[T]) Push(x any) { *h = append(*h, x.(*Entry[T])) }

func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// PriorityQueue is a min priority queue instance.  It is not safe for
// concurrent use.
type PriorityQueue[T any] struct {
	heap    entryHeap[T]
	nextSeq uint64
}

// Enqueue inserts the provided value into the queue with the specified
// priority.
func (q *PriorityQueue[T]) Enqueue(priority uint64, value T) {
	q.nextSeq++
	heap.Push(&q.heap, &Entry[T]{
		Value:    value,
		Priority: priority,
		seq:      q.nextSeq,
	})
}

// Peek returns the entry with the lowest priority if any, leaving the
// PriorityQueue unaltered.  Callers MUST NOT alter the Priority of the
// returned entry.
func (q *PriorityQueue[T]) Peek() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Dequeue removes and returns the entry with the lowest priority if any.
func (q *PriorityQueue[T]) Dequeue() *Entry[T] {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*Entry[T])
}

// RemoveFunc removes every entry for which fn returns true, and returns
// the number of entries removed.
func (q *PriorityQueue[T]) RemoveFunc(fn func(T) bool) int {
	kept := q.heap[:0]
	for _, e := range q.heap {
		if !fn(e.Value) {
			kept = append(kept, e)
		}
	}
	n := len(q.heap) - len(kept)
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	heap.Init(&q.heap)
	return n
}

// Len returns the current length of the priority queue.
func (q *PriorityQueue[T]) Len() int {
	return len(q.heap)
}

// New creates a new PriorityQueue.
func New[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{
		heap: make(entryHeap[T], 0),
	}
}
