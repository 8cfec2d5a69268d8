// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestBackendLevels(t *testing.T) {
	require := require.New(t)

	_, err := New("", "LOUD", false)
	require.Error(err)

	b, err := New("", "notice", true)
	require.NoError(err)
	require.True(b.IsEnabledFor(logging.NOTICE, "ssu"))
	require.False(b.IsEnabledFor(logging.DEBUG, "ssu"))
}

func TestBackendFileAndRotate(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "router.log")
	b, err := New(f, "DEBUG", false)
	require.NoError(err)

	l := b.GetLogger("test")
	l.Notice("before rotate")

	moved := f + ".1"
	require.NoError(os.Rename(f, moved))
	require.NoError(b.Rotate())
	l.Notice("after rotate")

	old, err := os.ReadFile(moved)
	require.NoError(err)
	require.Contains(string(old), "before rotate")

	cur, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "after rotate")
	require.NotContains(string(cur), "before rotate")

	gl := b.GetGoLogger("http", "WARNING")
	gl.Println("via go logger")
	cur, err = os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(cur), "via go logger")
}
