// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerHalt(t *testing.T) {
	require := require.New(t)

	var w Worker
	var exited int32
	for i := 0; i < 4; i++ {
		w.Go(func() {
			<-w.HaltCh()
			atomic.AddInt32(&exited, 1)
		})
	}
	require.False(w.IsHalted())
	w.Halt()
	require.True(w.IsHalted())
	require.Equal(int32(4), atomic.LoadInt32(&exited))

	// Idempotent.
	w.Halt()
}
