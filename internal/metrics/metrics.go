// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scan outcomes per automation.
const (
	OutcomeTriggered    = "triggered"
	OutcomeSkipped      = "skipped"
	OutcomeNotPolled    = "not_polled"
	OutcomeNoCredential = "no_credential"
	OutcomeErrored      = "errored"
)

var (
	scanCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_scan_cycles_total",
			Help: "Scan cycles by service family and result",
		},
		[]string{"service", "result"},
	)

	scanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "area_scan_duration_seconds",
			Help:    "Wall-clock duration of scan cycles",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"service"},
	)

	scanAutomations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_scan_automations_total",
			Help: "Scan outcomes (triggered and skipped count events)",
		},
		[]string{"service", "outcome"},
	)

	ledgerRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_ledger_records_total",
			Help: "Trigger events offered to the execution ledger by source and result",
		},
		[]string{"source", "result"},
	)

	executionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_execution_transitions_total",
			Help: "Execution state transitions by reaction and target status",
		},
		[]string{"reaction", "status"},
	)

	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "area_dispatch_duration_seconds",
			Help:    "Reaction handler latency by reaction and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"reaction", "outcome"},
	)

	recoveredExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_recovered_executions_total",
			Help: "Executions picked up by the recovery sweeper",
		},
		[]string{"kind"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "area_dispatch_queue_depth",
			Help: "Jobs waiting in the dispatch queue",
		},
	)

	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_token_refresh_total",
			Help: "OAuth token refresh attempts by service and result",
		},
		[]string{"service", "result"},
	)

	webhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_webhook_requests_total",
			Help: "Webhook deliveries by service and HTTP status",
		},
		[]string{"service", "status"},
	)

	persistenceErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "area_persistence_errors_total",
			Help: "Persistence operation errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
)

// RecordScanCycle records one finished scan cycle.
func RecordScanCycle(service string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	scanCycles.WithLabelValues(service, result).Inc()
	scanDuration.WithLabelValues(service).Observe(d.Seconds())
}

// RecordScanSummary adds the counts of one scan cycle.
func RecordScanSummary(service string, triggered, skipped, notPolled, noCredential, errored int) {
	scanAutomations.WithLabelValues(service, OutcomeTriggered).Add(float64(triggered))
	scanAutomations.WithLabelValues(service, OutcomeSkipped).Add(float64(skipped))
	scanAutomations.WithLabelValues(service, OutcomeNotPolled).Add(float64(notPolled))
	scanAutomations.WithLabelValues(service, OutcomeNoCredential).Add(float64(noCredential))
	scanAutomations.WithLabelValues(service, OutcomeErrored).Add(float64(errored))
}

// RecordLedger records one recordTrigger call. result is created,
// duplicate or error.
func RecordLedger(source, result string) {
	ledgerRecords.WithLabelValues(source, result).Inc()
}

// RecordTransition records an execution entering status.
func RecordTransition(reaction, status string) {
	executionTransitions.WithLabelValues(reaction, status).Inc()
}

// ObserveDispatch records one handler invocation.
func ObserveDispatch(reaction, outcome string, d time.Duration) {
	dispatchDuration.WithLabelValues(reaction, outcome).Observe(d.Seconds())
}

// RecordRecovered records an execution handled by the recovery sweeper.
// kind is stale_running or orphaned_pending.
func RecordRecovered(kind string) {
	recoveredExecutions.WithLabelValues(kind).Inc()
}

// SetQueueDepth publishes the dispatch queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordTokenRefresh records one OAuth refresh attempt.
func RecordTokenRefresh(service string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	tokenRefreshes.WithLabelValues(service, result).Inc()
}

// RecordWebhook records one webhook delivery.
func RecordWebhook(service string, status int) {
	webhookRequests.WithLabelValues(service, strconv.Itoa(status)).Inc()
}

// RecordPersistenceError increments the persistence error counter.
// errorType is derived from the error (e.g. "conflict", "context_canceled", "unknown").
func RecordPersistenceError(operation, errorType string) {
	persistenceErrors.WithLabelValues(operation, errorType).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
