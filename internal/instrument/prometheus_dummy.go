// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus
// +build noprometheus

package instrument

import (
	goLog "log"
	"net/http"
)

// StartPrometheusListener returns a server that is never started.
func StartPrometheusListener(address string, errorLog *goLog.Logger) *http.Server {
	return &http.Server{}
}

// PacketReceived does nothing
func PacketReceived(payloadType string) {}

// PacketSent does nothing
func PacketSent(payloadType string) {}

// PacketDropped does nothing
func PacketDropped(reason string) {}

// MessageDelivered does nothing
func MessageDelivered() {}

// MessageSent does nothing
func MessageSent() {}

// MessageAbandoned does nothing
func MessageAbandoned() {}

// MessageExpired does nothing
func MessageExpired() {}

// FragmentRetransmitted does nothing
func FragmentRetransmitted() {}

// Establishment does nothing
func Establishment(role, result string) {}

// Peers does nothing
func Peers(n int) {}
