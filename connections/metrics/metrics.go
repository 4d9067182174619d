// Copyright 2025 QueryDock
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports Prometheus telemetry for the connection
// lifecycle. It attaches from the outside: an observer for the
// active-connection gauge, a completion-sink wrapper for attempt
// counters, and a remediation-delegate wrapper for recovery counters.
// The lifecycle core never imports this package.
package metrics

import (
	"context"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"querydock/platform/connections/base"
)

// Collector holds the lifecycle metric instruments.
type Collector struct {
	attempts   *prometheus.CounterVec
	successes  *prometheus.CounterVec
	failures   *prometheus.CounterVec
	recoveries *prometheus.CounterVec
	active     *prometheus.GaugeVec
}

// NewCollector creates the lifecycle instruments and registers them
// with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querydock_connection_attempts_total",
			Help: "Connection attempts that reached a terminal outcome, by provider.",
		}, []string{"provider"}),
		successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querydock_connection_successes_total",
			Help: "Connection attempts that completed connected, by provider.",
		}, []string{"provider"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querydock_connection_failures_total",
			Help: "Connection attempts that completed failed, by provider and engine error code.",
		}, []string{"provider", "code"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "querydock_connection_recoveries_total",
			Help: "Remediation attempts performed for failed connections, by provider.",
		}, []string{"provider"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "querydock_connections_active",
			Help: "Established connections currently tracked, by provider.",
		}, []string{"provider"}),
	}
	reg.MustRegister(c.attempts, c.successes, c.failures, c.recoveries, c.active)
	return c
}

// ConnectionAdded increments the active gauge for the profile's
// provider.
func (c *Collector) ConnectionAdded(ownerURI string, profile *base.ConnectionProfile) {
	c.active.WithLabelValues(profile.ProviderID).Inc()
}

// ConnectionDeleted decrements the active gauge, recovering the
// provider from the owner URI.
func (c *Collector) ConnectionDeleted(ownerURI string) {
	c.active.WithLabelValues(providerFromURI(ownerURI)).Dec()
}

// LanguageFlavorChanged is a no-op; the collector only tracks counts.
func (c *Collector) LanguageFlavorChanged(ownerURI, language, flavor string) {}

// Sink wraps a completion sink, counting terminal outcomes before
// forwarding them.
func (c *Collector) Sink(next base.CompletionSink) base.CompletionSink {
	return &countingSink{collector: c, next: next}
}

type countingSink struct {
	collector *Collector
	next      base.CompletionSink
}

func (s *countingSink) OnConnectionComplete(result *base.ConnectionResult) {
	if result != nil {
		provider := providerFromResult(result)
		s.collector.attempts.WithLabelValues(provider).Inc()
		if result.Connected {
			s.collector.successes.WithLabelValues(provider).Inc()
		} else {
			s.collector.failures.WithLabelValues(provider, strconv.Itoa(result.ErrorCode)).Inc()
		}
	}
	s.next.OnConnectionComplete(result)
}

// Remediation wraps a remediation delegate, counting remediation
// attempts per provider.
func (c *Collector) Remediation(next base.RemediationDelegate) base.RemediationDelegate {
	return &countingRemediation{collector: c, next: next}
}

type countingRemediation struct {
	collector *Collector
	next      base.RemediationDelegate
}

func (r *countingRemediation) CanHandle(ctx context.Context, errorCode int, errorMessage, providerID string) (base.RemediationInfo, error) {
	return r.next.CanHandle(ctx, errorCode, errorMessage, providerID)
}

func (r *countingRemediation) Remediate(ctx context.Context, profile *base.ConnectionProfile, info base.RemediationInfo) (bool, error) {
	r.collector.recoveries.WithLabelValues(profile.ProviderID).Inc()
	return r.next.Remediate(ctx, profile, info)
}

func providerFromResult(result *base.ConnectionResult) string {
	if result.Profile != nil && result.Profile.ProviderID != "" {
		return result.Profile.ProviderID
	}
	return providerFromURI(result.OwnerURI)
}

// providerFromURI extracts the provider segment of a structured owner
// URI ("connection:{purpose}:{provider}:..."), "unknown" otherwise.
func providerFromURI(ownerURI string) string {
	parts := strings.Split(ownerURI, ":")
	if len(parts) >= 3 && parts[0] == "connection" {
		return parts[2]
	}
	return "unknown"
}
