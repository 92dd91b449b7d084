// Package httphelper carries the HTTP middleware shared by the graph-builder
// and policy-engine frontends: per-handler Prometheus instrumentation and the
// JSON error body both services answer with.
package httphelper

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics is responsible for holding the per-request metrics.
type Metrics struct {
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec
	ErrorRate           *prometheus.CounterVec
}

// NewMetrics creates the request instruments and registers them.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "http request duration in seconds",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"status", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "http response size in bytes",
				Buckets: []float64{256, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
			},
			[]string{"status", "path"},
		),
		ErrorRate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "error_rate",
				Help: "number of errors, sorted by label/type",
			},
			[]string{"error"},
		),
	}
	if registerer != nil {
		registerer.MustRegister(m.HTTPRequestDuration, m.HTTPResponseSize, m.ErrorRate)
	}
	return m
}

// RecordError is responsible for recording the error to prometheus.
func (m *Metrics) RecordError(label string) {
	if m != nil && m.ErrorRate != nil {
		m.ErrorRate.With(prometheus.Labels{"error": label}).Inc()
	}
}

// HandleWithMetrics wraps a handler with duration/size instrumentation and a
// per-request debug log line.
func (m *Metrics) HandleWithMetrics(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		captured := httpsnoop.CaptureMetrics(h, w, r)
		labels := prometheus.Labels{
			"status": strconv.Itoa(captured.Code),
			"path":   r.URL.EscapedPath(),
		}
		if m != nil && m.HTTPRequestDuration != nil {
			m.HTTPRequestDuration.With(labels).Observe(captured.Duration.Seconds())
		}
		if m != nil && m.HTTPResponseSize != nil {
			m.HTTPResponseSize.With(labels).Observe(float64(captured.Written))
		}
		logrus.WithFields(logrus.Fields{
			"path":     r.URL.EscapedPath(),
			"status":   captured.Code,
			"duration": captured.Duration,
		}).Debug("handled request")
	}
}

// ErrorBody is the JSON error contract of all non-2xx responses.
type ErrorBody struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// WriteJSONError answers the request with the structured error body.
func WriteJSONError(w http.ResponseWriter, status int, kind, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorBody{Kind: kind, Value: value}); err != nil {
		logrus.WithError(err).Error("failed to write error response")
	}
}
