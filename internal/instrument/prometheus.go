// SPDX-FileCopyrightText: Copyright (C) 2026  The Katzenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !noprometheus
// +build !noprometheus

// Package instrument exports the transport's prometheus metrics.
package instrument

import (
	"errors"
	goLog "log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	packetsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssurouter_packets_received_total",
			Help: "Number of authenticated packets received",
		},
		[]string{"type"},
	)
	packetsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssurouter_packets_sent_total",
			Help: "Number of packets sent",
		},
		[]string{"type"},
	)
	packetsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssurouter_packets_dropped_total",
			Help: "Number of dropped packets",
		},
		[]string{"reason"},
	)
	messagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssurouter_messages_delivered_total",
			Help: "Number of reassembled messages delivered",
		},
	)
	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssurouter_messages_sent_total",
			Help: "Number of messages queued for transmission",
		},
	)
	messagesAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssurouter_messages_abandoned_total",
			Help: "Number of messages abandoned after exhausting retransmissions",
		},
	)
	messagesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssurouter_messages_expired_total",
			Help: "Number of incomplete inbound messages discarded",
		},
	)
	fragmentsRetransmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ssurouter_fragments_retransmitted_total",
			Help: "Number of fragment retransmissions",
		},
	)
	establishments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssurouter_establishments_total",
			Help: "Number of session establishments by role and result",
		},
		[]string{"role", "result"},
	)
	peers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssurouter_peers",
			Help: "Number of established peers",
		},
	)
)

func init() {
	prometheus.MustRegister(packetsReceived)
	prometheus.MustRegister(packetsSent)
	prometheus.MustRegister(packetsDropped)
	prometheus.MustRegister(messagesDelivered)
	prometheus.MustRegister(messagesSent)
	prometheus.MustRegister(messagesAbandoned)
	prometheus.MustRegister(messagesExpired)
	prometheus.MustRegister(fragmentsRetransmitted)
	prometheus.MustRegister(establishments)
	prometheus.MustRegister(peers)
}

// StartPrometheusListener exposes the registered metrics via HTTP on
// address.  The returned server should be closed on shutdown.
func StartPrometheusListener(address string, errorLog *goLog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              address,
		Handler:           mux,
		ErrorLog:          errorLog,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("metrics listener failed: %v", err)
		}
	}()
	return srv
}

// PacketReceived increments the counter for authenticated packets.
func PacketReceived(payloadType string) {
	packetsReceived.With(prometheus.Labels{"type": payloadType}).Inc()
}

// PacketSent increments the counter for sent packets.
func PacketSent(payloadType string) {
	packetsSent.With(prometheus.Labels{"type": payloadType}).Inc()
}

// PacketDropped increments the counter for dropped packets.
func PacketDropped(reason string) {
	packetsDropped.With(prometheus.Labels{"reason": reason}).Inc()
}

// MessageDelivered increments the counter for delivered messages.
func MessageDelivered() {
	messagesDelivered.Inc()
}

// MessageSent increments the counter for sent messages.
func MessageSent() {
	messagesSent.Inc()
}

// MessageAbandoned increments the counter for abandoned messages.
func MessageAbandoned() {
	messagesAbandoned.Inc()
}

// MessageExpired increments the counter for expired reassembly states.
func MessageExpired() {
	messagesExpired.Inc()
}

// FragmentRetransmitted increments the counter for retransmissions.
func FragmentRetransmitted() {
	fragmentsRetransmitted.Inc()
}

// Establishment increments the counter for establishment outcomes.
func Establishment(role, result string) {
	establishments.With(prometheus.Labels{"role": role, "result": result}).Inc()
}

// Peers sets the number of established peers.
func Peers(n int) {
	peers.Set(float64(n))
}
