// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry exposes the hub's Prometheus metrics.
//
// Each Metrics value owns its registry, so tests can create as many as
// they like without duplicate registration panics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error type labels used with Errors. Matches the taxonomy the hub's
// error handling is built around.
const (
	ErrTypeProtocol    = "protocol"
	ErrTypeAuth        = "auth"
	ErrTypePersistence = "persistence"
	ErrTypeEngineLoad  = "engine_load"
	ErrTypeBroadcast   = "broadcast"
)

// Metrics holds every collector the hub produces.
type Metrics struct {
	registry *prometheus.Registry

	// OpsTotal counts accepted collaborative operations.
	OpsTotal *prometheus.CounterVec

	// OpsLatency observes accept-path latency in seconds.
	OpsLatency *prometheus.HistogramVec

	// ActiveConnections gauges live sessions per document.
	ActiveConnections *prometheus.GaugeVec

	// PresenceUsers gauges awareness entries per document.
	PresenceUsers *prometheus.GaugeVec

	// Errors counts errors by type and document.
	Errors *prometheus.CounterVec
}

// New creates a Metrics with a fresh registry and all collectors
// registered. Registration cannot fail for a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_ops_total",
			Help: "Total number of collaborative operations",
		}, []string{"document_id", "operation_type"}),
		OpsLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collab_ops_latency_seconds",
			Help:    "Latency of collaborative operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		}, []string{"document_id", "operation_type"}),
		ActiveConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_connections_active",
			Help: "Number of active WebSocket connections",
		}, []string{"document_id"}),
		PresenceUsers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "collab_presence_users",
			Help: "Number of users present in documents",
		}, []string{"document_id"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_errors_total",
			Help: "Total number of errors",
		}, []string{"error_type", "document_id"}),
	}
	reg.MustRegister(m.OpsTotal, m.OpsLatency, m.ActiveConnections, m.PresenceUsers, m.Errors)
	return m
}

// Handler returns the scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
