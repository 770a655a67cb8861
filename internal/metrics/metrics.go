// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package metrics declares the concentrator's prometheus collectors
// (SPEC_FULL.md's DOMAIN STACK), grouped the way
// virtcontainers/sandbox_metrics.go groups the runtime's own: one
// namespaced var block, registered once at startup and scraped by the
// debug HTTP server (internal/concentrator).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "vspc"

var (
	// Guests is the current number of guests held in the registry,
	// regardless of orphan state.
	Guests = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "guests",
		Help:      "Number of guests currently known to the concentrator.",
	})

	// ActiveMigrations is the current number of guests with an in-flight
	// vmotion cookie.
	ActiveMigrations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_migrations",
		Help:      "Number of guests currently mid live-migration handoff.",
	})

	// BytesForwarded counts payload bytes forwarded across the
	// multiplexer, labeled by direction.
	BytesForwarded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bytes_forwarded_total",
		Help:      "Payload bytes forwarded through the session multiplexer.",
	}, []string{"direction"})

	// AdminAttachTotal counts every admin attach attempt by its outcome
	// status.
	AdminAttachTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "admin_attach_total",
		Help:      "Admin protocol attach attempts by resulting status.",
	}, []string{"status"})
)

// Register installs every collector in this package with reg. Called once
// at startup; a second registration attempt (e.g. in tests) is tolerated
// silently, mirroring the teacher's container-monitor/metrics.go
// registerMetrics helper.
func Register(reg *prometheus.Registry) {
	for _, c := range []prometheus.Collector{Guests, ActiveMigrations, BytesForwarded, AdminAttachTotal} {
		if err := reg.Register(c); err != nil {
			if _, already := err.(prometheus.AlreadyRegisteredError); !already {
				panic(err)
			}
		}
	}
}
