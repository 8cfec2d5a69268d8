// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the ssurouter configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"

	"github.com/katzenpost/ssurouter/core/retry"
	"github.com/katzenpost/ssurouter/transport/ssu"
	"github.com/katzenpost/ssurouter/transport/ssu/fragments"
)

const (
	defaultAddress            = "127.0.0.1:10190"
	defaultLogLevel           = "NOTICE"
	defaultMaxPendingMessages = 64
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Router is the router identity and listener configuration.
type Router struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// Address is the UDP endpoint advertised in our RouterInfo, and bound
	// to unless BindAddress is specified.  Port 0 advertises whatever port
	// the transport ends up bound to.
	Address string

	// BindAddress is the UDP endpoint the transport binds to.
	BindAddress string

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.  Empty disables the endpoint.
	MetricsAddress string

	// DataDir is the absolute path to the router's state files.
	DataDir string
}

func (rCfg *Router) validate() error {
	if rCfg.Identifier == "" {
		return errors.New("config: Router: Identifier is not set")
	}
	if rCfg.Address == "" {
		rCfg.Address = defaultAddress
	}
	ap, err := netip.ParseAddrPort(rCfg.Address)
	if err != nil {
		return fmt.Errorf("config: Router: Address '%v' is invalid: %v", rCfg.Address, err)
	}
	if ap.Addr().IsUnspecified() {
		return fmt.Errorf("config: Router: Address '%v' is not a routable endpoint", rCfg.Address)
	}
	if rCfg.BindAddress == "" {
		rCfg.BindAddress = rCfg.Address
	} else if _, err := netip.ParseAddrPort(rCfg.BindAddress); err != nil {
		return fmt.Errorf("config: Router: BindAddress '%v' is invalid: %v", rCfg.BindAddress, err)
	}
	if !filepath.IsAbs(rCfg.DataDir) {
		return fmt.Errorf("config: Router: DataDir '%v' is not an absolute path", rCfg.DataDir)
	}
	return nil
}

// AdvertisedAddress returns the parsed Address.
func (rCfg *Router) AdvertisedAddress() netip.AddrPort {
	return netip.MustParseAddrPort(rCfg.Address)
}

// Transport is the SSU transport configuration.  All intervals are in
// milliseconds.
type Transport struct {
	// FragmentSize is the fragment payload length in bytes.
	FragmentSize int

	// MaxInboundMessages is the number of concurrent partially received
	// messages permitted per peer.
	MaxInboundMessages int

	// HandshakeTimeout specifies the maximum time a session establishment
	// can take.
	HandshakeTimeout int

	// ResendInterval is the interval between retransmissions of an
	// unacknowledged message.
	ResendInterval int

	// AckInterval is the interval at which pending ACKs are flushed.
	AckInterval int

	// InboundExpiry is the lifetime of an incomplete inbound message.
	InboundExpiry int

	// DeliveredTTL is how long delivered message ids are remembered to
	// suppress duplicate delivery.  It defaults to a value derived from
	// ResendInterval, and must outlast a peer's retransmission schedule.
	DeliveredTTL int

	// MaxDeliveredMessages is the number of delivered message ids
	// remembered per peer.
	MaxDeliveredMessages int

	// IdleTimeout disconnects peers that have been silent for this long.
	// Zero disables.
	IdleTimeout int
}

func (tCfg *Transport) applyDefaults() {
	if tCfg.FragmentSize <= 0 {
		tCfg.FragmentSize = fragments.DefaultFragmentSize
	}
	if tCfg.MaxInboundMessages <= 0 {
		tCfg.MaxInboundMessages = fragments.DefaultMaxInboundMessages
	}
	if tCfg.HandshakeTimeout <= 0 {
		tCfg.HandshakeTimeout = int(ssu.DefaultHandshakeTimeout / time.Millisecond)
	}
	if tCfg.ResendInterval <= 0 {
		tCfg.ResendInterval = int(ssu.DefaultResendInterval / time.Millisecond)
	}
	if tCfg.AckInterval <= 0 {
		tCfg.AckInterval = int(ssu.DefaultAckInterval / time.Millisecond)
	}
	if tCfg.InboundExpiry <= 0 {
		tCfg.InboundExpiry = int(ssu.DefaultInboundExpiry / time.Millisecond)
	}
	if tCfg.DeliveredTTL <= 0 {
		tCfg.DeliveredTTL = int(fragments.DeliveredTTL(time.Duration(tCfg.ResendInterval)*time.Millisecond) / time.Millisecond)
	}
	if tCfg.MaxDeliveredMessages <= 0 {
		tCfg.MaxDeliveredMessages = fragments.DefaultMaxDeliveredMessages
	}
	if tCfg.IdleTimeout < 0 {
		tCfg.IdleTimeout = 0
	}
}

func (tCfg *Transport) validate() error {
	if tCfg.FragmentSize > ssu.MaxFragmentSize() {
		return fmt.Errorf("config: Transport: FragmentSize %d exceeds %d", tCfg.FragmentSize, ssu.MaxFragmentSize())
	}
	if window := (fragments.MaxRetries + 1) * tCfg.ResendInterval; tCfg.DeliveredTTL <= window {
		return fmt.Errorf("config: Transport: DeliveredTTL %d does not outlast the retransmission window %d", tCfg.DeliveredTTL, window)
	}
	return nil
}

// Apply copies the transport settings into an ssu.Config.
func (tCfg *Transport) Apply(cfg *ssu.Config) {
	ms := func(v int) time.Duration {
		return time.Duration(v) * time.Millisecond
	}
	cfg.FragmentSize = tCfg.FragmentSize
	cfg.MaxInboundMessages = tCfg.MaxInboundMessages
	cfg.HandshakeTimeout = ms(tCfg.HandshakeTimeout)
	cfg.ResendInterval = ms(tCfg.ResendInterval)
	cfg.AckInterval = ms(tCfg.AckInterval)
	cfg.InboundExpiry = ms(tCfg.InboundExpiry)
	cfg.DeliveredTTL = ms(tCfg.DeliveredTTL)
	cfg.MaxDeliveredMessages = tCfg.MaxDeliveredMessages
	cfg.IdleTimeout = ms(tCfg.IdleTimeout)
}

// Peer is a statically configured peer.
type Peer struct {
	// RouterInfoFile is the path to the peer's RouterInfo, relative to
	// DataDir unless absolute.
	RouterInfoFile string

	// Connect establishes a session with the peer at startup, and
	// re-establishes it whenever it fails or ends.
	Connect bool
}

func (pCfg *Peer) validate(dataDir string) error {
	if pCfg.RouterInfoFile == "" {
		return errors.New("config: Peer: RouterInfoFile is not set")
	}
	if !filepath.IsAbs(pCfg.RouterInfoFile) {
		pCfg.RouterInfoFile = filepath.Join(dataDir, pCfg.RouterInfoFile)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Debug is the debug configuration.
type Debug struct {
	// MaxPendingMessages is the number of messages queued per peer while
	// a session is being established.
	MaxPendingMessages int

	// ReconnectDelay is the initial delay in milliseconds before
	// reconnecting to a persistent peer.  It doubles on every consecutive
	// failure.
	ReconnectDelay int

	// MaxReconnectDelay caps ReconnectDelay, in milliseconds.
	MaxReconnectDelay int

	// GenerateOnly halts and cleans up the router right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.MaxPendingMessages <= 0 {
		dCfg.MaxPendingMessages = defaultMaxPendingMessages
	}
	if dCfg.ReconnectDelay <= 0 {
		dCfg.ReconnectDelay = int(retry.DefaultBaseDelay / time.Millisecond)
	}
	if dCfg.MaxReconnectDelay < dCfg.ReconnectDelay {
		dCfg.MaxReconnectDelay = max(dCfg.ReconnectDelay, int(retry.DefaultMaxDelay/time.Millisecond))
	}
}

// Config is the top level ssurouter configuration.
type Config struct {
	Router    *Router
	Logging   *Logging
	Transport *Transport
	Peers     []*Peer
	Debug     *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Router section is mandatory, everything else is optional.
	if cfg.Router == nil {
		return errors.New("config: No Router block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Transport == nil {
		cfg.Transport = &Transport{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	if err := cfg.Router.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Transport.applyDefaults()
	if err := cfg.Transport.validate(); err != nil {
		return err
	}
	for _, p := range cfg.Peers {
		if p == nil {
			return errors.New("config: Peer block is empty")
		}
		if err := p.validate(cfg.Router.DataDir); err != nil {
			return err
		}
	}
	cfg.Debug.applyDefaults()

	var err error
	cfg.Router.Identifier, err = idna.Lookup.ToASCII(cfg.Router.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
