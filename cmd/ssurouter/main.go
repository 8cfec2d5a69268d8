// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/ssurouter/router"
	"github.com/katzenpost/ssurouter/router/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
	ExportInfo string
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "ssurouter",
		Short: "SSU transport router",
		Long: `ssurouter runs an SSU router: it establishes authenticated, encrypted
UDP sessions with the peers listed in its configuration and carries
fragmented messages between them with acknowledgement and retransmission.

On first start the router generates its long term identity keys in DataDir
and writes its signed RouterInfo there, which peers load to connect to it.`,
		Example: `  # Start the router
  ssurouter -f /etc/ssurouter/router.toml

  # Generate identity keys only and exit
  ssurouter -f /etc/ssurouter/router.toml --generate-only

  # Write the RouterInfo to a file for distribution to peers and exit.
  # Address must carry a fixed port; the transport is not started.
  ssurouter -f /etc/ssurouter/router.toml --export-info alice.routerinfo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRouter(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "ssurouter.toml",
		"path to the router configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate identity keys and exit without starting the router")
	cmd.Flags().StringVar(&cfg.ExportInfo, "export-info", "",
		"write the router's RouterInfo to this file and exit without starting the router")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runRouter(cfg Config) error {
	if cfg.ConfigFile == "" {
		return fmt.Errorf("config file must be specified")
	}

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	routerCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		routerCfg.Debug.GenerateOnly = true
	}

	if cfg.ExportInfo != "" {
		if err := router.ExportRouterInfo(routerCfg, cfg.ExportInfo); err != nil {
			return fmt.Errorf("failed to export RouterInfo: %v", err)
		}
		return nil
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the router.
	r, err := router.New(routerCfg)
	if err != nil {
		if errors.Is(err, router.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn router instance: %v", err)
	}
	defer r.Shutdown()

	// Halt the router gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		r.Shutdown()
	}()

	// Rotate router logs upon SIGHUP.
	go func() {
		for range rotateCh {
			r.RotateLog()
		}
	}()

	// Wait for the router to explode or be terminated.
	r.Wait()
	return nil
}
