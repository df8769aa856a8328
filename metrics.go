// Copyright 2025 Matthew Gall <me@matthewgall.dev>
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

package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll results
const (
	PollResultSuccess     = "success"
	PollResultAuthError   = "auth_error"
	PollResultFetchError  = "fetch_error"
	PollResultPersistence = "persistence_error"
)

// Metrics holds every collector of the process on a private registry
type Metrics struct {
	registry *prometheus.Registry

	polls            *prometheus.CounterVec
	pollDuration     *prometheus.HistogramVec
	reconcileFailed  *prometheus.CounterVec
	reportedTotal    *prometheus.GaugeVec
	lastSuccess      *prometheus.GaugeVec
	httpRequests     *prometheus.CounterVec
	httpRequestTimes *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)
	m := &Metrics{
		registry: reg,
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evodnik_polls_total",
			Help: "Portal polls by instance and result.",
		}, []string{"instance", "result"}),
		pollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evodnik_poll_duration_seconds",
			Help:    "Portal poll latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"instance"}),
		reconcileFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evodnik_reconcile_failures_total",
			Help: "Accumulator reconciliations that could not be persisted.",
		}, []string{"instance", "reason"}),
		reportedTotal: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evodnik_reported_total_liters",
			Help: "Last reported cumulative consumption per meter.",
		}, []string{"instance", "meter"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evodnik_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful poll.",
		}, []string{"instance"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evodnik_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		httpRequestTimes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evodnik_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "evodnik_build_info",
		Help:        "Build information.",
		ConstLabels: prometheus.Labels{"version": GetVersion()},
	}, func() float64 { return 1 })

	return m
}

// Registry exposes the registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObservePoll records a poll outcome
func (m *Metrics) ObservePoll(instance string, err error, dur time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(instance, pollResult(err)).Inc()
	m.pollDuration.WithLabelValues(instance).Observe(dur.Seconds())
	if err == nil {
		m.lastSuccess.WithLabelValues(instance).Set(float64(time.Now().Unix()))
	}
}

// ObserveReconcileFailure counts a failed accumulator update
func (m *Metrics) ObserveReconcileFailure(instance string, err error) {
	if m == nil {
		return
	}
	reason := "other"
	var perr *PersistenceError
	if errors.As(err, &perr) {
		reason = perr.Operation
	}
	m.reconcileFailed.WithLabelValues(instance, reason).Inc()
}

// SetReportedTotal publishes the reported total for a meter
func (m *Metrics) SetReportedTotal(instance, meter string, liters float64) {
	if m == nil {
		return
	}
	m.reportedTotal.WithLabelValues(instance, meter).Set(liters)
}

// ForgetInstance drops series belonging to a removed instance
func (m *Metrics) ForgetInstance(instance string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"instance": instance}
	m.polls.DeletePartialMatch(labels)
	m.pollDuration.DeletePartialMatch(labels)
	m.reconcileFailed.DeletePartialMatch(labels)
	m.reportedTotal.DeletePartialMatch(labels)
	m.lastSuccess.DeletePartialMatch(labels)
}

func pollResult(err error) string {
	if err == nil {
		return PollResultSuccess
	}
	var ferr *FetchError
	if errors.As(err, &ferr) && ferr.IsAuthFailure() {
		return PollResultAuthError
	}
	var aerr *AuthError
	if errors.As(err, &aerr) {
		return PollResultAuthError
	}
	return PollResultFetchError
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Instrument wraps a handler with request counting
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := routeLabel(r.URL.Path)
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		m.httpRequestTimes.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch {
	case path == "/":
		return "index"
	case path == "/healthz":
		return "healthz"
	case path == "/metrics":
		return "metrics"
	case path == "/api/instances":
		return "api_instances"
	case strings.HasSuffix(path, "/sensors"):
		return "api_sensors"
	case strings.HasSuffix(path, "/refresh"):
		return "api_refresh"
	case strings.HasPrefix(path, "/api/instances/"):
		return "api_instance"
	default:
		return "other"
	}
}
