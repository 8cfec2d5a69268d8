// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/ssurouter/core/identity"
)

func writeConfig(t *testing.T, address string) (string, string) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	cfgFile := filepath.Join(dir, "router.toml")
	body := fmt.Sprintf(`[Router]
Identifier = "ssu.test"
Address = %q
DataDir = %q

[Logging]
Disable = true
`, address, dataDir)
	require.NoError(t, os.WriteFile(cfgFile, []byte(body), 0600))
	return cfgFile, dataDir
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCommand()

	f := cmd.Flags().Lookup("config")
	require.NotNil(t, f)
	require.Equal(t, "f", f.Shorthand)
	require.Equal(t, "ssurouter.toml", f.DefValue)

	g := cmd.Flags().Lookup("generate-only")
	require.NotNil(t, g)
	require.Equal(t, "g", g.Shorthand)

	require.NotNil(t, cmd.Flags().Lookup("export-info"))
}

func TestRunRouter(t *testing.T) {
	require := require.New(t)

	require.Error(runRouter(Config{}))
	require.Error(runRouter(Config{ConfigFile: filepath.Join(t.TempDir(), "missing.toml")}))

	cfgFile, dataDir := writeConfig(t, "127.0.0.1:0")
	require.NoError(runRouter(Config{ConfigFile: cfgFile, GenOnly: true}))
	require.FileExists(filepath.Join(dataDir, "identity.private.pem"))
	require.FileExists(filepath.Join(dataDir, "identity.public.pem"))

	// Exporting needs a fixed port, since nothing is bound.
	out := filepath.Join(t.TempDir(), "router.info")
	require.Error(runRouter(Config{ConfigFile: cfgFile, ExportInfo: out}))
	require.NoFileExists(out)

	cfgFile, _ = writeConfig(t, "127.0.0.1:10190")
	require.NoError(runRouter(Config{ConfigFile: cfgFile, ExportInfo: out}))
	ri, err := identity.LoadRouterInfoFile(out)
	require.NoError(err)
	require.Equal(netip.MustParseAddrPort("127.0.0.1:10190"), ri.Address)
}
