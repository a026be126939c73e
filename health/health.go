// Package health serves the engine snapshot and process metrics over HTTP.
package health

import (
	"encoding/json"
	"expvar"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postguard/resilience"
)

// Reporter supplies engine snapshots. *resilience.Engine satisfies it.
type Reporter interface {
	GetHealth() resilience.Health
}

// Status is the JSON body of /healthz.
type Status struct {
	Status              string     `json:"status"`
	CircuitState        string     `json:"circuit_state"`
	QueuedCount         int        `json:"queued_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	CircuitOpenedAt     *time.Time `json:"circuit_opened_at,omitempty"`
	Delivered           int64      `json:"delivered"`
	Deferred            int64      `json:"deferred"`
	Rejected            int64      `json:"rejected"`
	Dropped             Dropped    `json:"dropped"`
}

type Dropped struct {
	QueueFull         int64 `json:"queue_full"`
	Expired           int64 `json:"expired"`
	AttemptsExhausted int64 `json:"attempts_exhausted"`
}

// NewStatus converts a snapshot into its JSON form.
func NewStatus(h resilience.Health) Status {
	s := Status{
		Status:              "ok",
		CircuitState:        h.CircuitState.String(),
		QueuedCount:         h.QueuedCount,
		ConsecutiveFailures: h.ConsecutiveFailures,
		Delivered:           h.Delivered,
		Deferred:            h.Deferred,
		Rejected:            h.Rejected,
		Dropped: Dropped{
			QueueFull:         h.DroppedQueueFull,
			Expired:           h.DroppedExpired,
			AttemptsExhausted: h.DroppedExhausted,
		},
	}
	if !h.IsHealthy {
		s.Status = "degraded"
	}
	if !h.LastSuccessAt.IsZero() {
		t := h.LastSuccessAt.UTC()
		s.LastSuccessAt = &t
	}
	if !h.CircuitOpenedAt.IsZero() {
		t := h.CircuitOpenedAt.UTC()
		s.CircuitOpenedAt = &t
	}
	return s
}

// Handler routes /healthz, /metrics (expvar JSON) and /metrics/prometheus.
func Handler(reporter Reporter) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(reporter),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := NewStatus(reporter.GetHealth())
		code := http.StatusOK
		if status.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/metrics/prometheus", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// StartHealthServer listens on addr and serves Handler in the background.
// The caller owns shutdown of the returned server.
func StartHealthServer(addr string, reporter Reporter) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	server := &http.Server{
		Handler:           Handler(reporter),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = server.Serve(ln)
	}()
	return server, ln, nil
}
