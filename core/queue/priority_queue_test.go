// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []struct {
		value    string
		priority uint64
	}{
		{"That books do not take the place of experience,", 0},
		{"and that learning is no substitute for genius,", 1},
		{"are two kindred phenomena;", 2},
		{"their common ground is that the abstract can never take the place of the perceptive.", 3},
		{" -- Arthur_Schopenhauer", 4},
	}

	q := New[string]()
	for i := len(testEntries) - 1; i >= 0; i-- {
		q.Enqueue(testEntries[i].priority, testEntries[i].value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.priority, ent.Priority, "Peek(): Priority")

		ent = q.Dequeue()
		require.Equal(expected.value, ent.Value, "Dequeue(): Value")
		require.Equal(expected.priority, ent.Priority, "Dequeue(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.Dequeue(), "Dequeue() (empty)")
}

func TestPriorityQueueDuplicatePriority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[int]()
	q.Enqueue(20, 1)
	q.Enqueue(1, 0)
	q.Enqueue(20, 2)
	q.Enqueue(20, 3)

	for i := 0; i < 4; i++ {
		ent := q.Dequeue()
		require.Equal(i, ent.Value, "equal priorities dequeue in insertion order")
	}
}

func TestPriorityQueueRemoveFunc(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New[int]()
	for i := 0; i < 10; i++ {
		q.Enqueue(uint64(10-i), i)
	}
	n := q.RemoveFunc(func(v int) bool { return v%2 == 0 })
	require.Equal(5, n)
	require.Equal(5, q.Len())

	prev := uint64(0)
	for q.Len() > 0 {
		ent := q.Dequeue()
		require.Equal(1, ent.Value%2)
		require.GreaterOrEqual(ent.Priority, prev)
		prev = ent.Priority
	}
}
