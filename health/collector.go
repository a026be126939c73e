package health

import (
	"github.com/prometheus/client_golang/prometheus"

	"postguard/resilience"
)

const namespace = "postguard"

// Collector exports engine snapshots as Prometheus metrics. Each scrape takes
// one GetHealth snapshot so all values are mutually consistent.
type Collector struct {
	reporter Reporter

	circuitState        *prometheus.Desc
	queueDepth          *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	lastSuccess         *prometheus.Desc
	delivered           *prometheus.Desc
	deferred            *prometheus.Desc
	rejected            *prometheus.Desc
	dropped             *prometheus.Desc
}

var circuitStates = []resilience.CircuitState{
	resilience.CircuitClosed,
	resilience.CircuitOpen,
	resilience.CircuitHalfOpen,
}

func NewCollector(reporter Reporter) *Collector {
	return &Collector{
		reporter: reporter,
		circuitState: prometheus.NewDesc(namespace+"_circuit_state",
			"Current circuit breaker state; 1 for the active state.", []string{"state"}, nil),
		queueDepth: prometheus.NewDesc(namespace+"_queue_depth",
			"Messages waiting in the deferred queue.", nil, nil),
		consecutiveFailures: prometheus.NewDesc(namespace+"_consecutive_failures",
			"Transport failures since the last success.", nil, nil),
		lastSuccess: prometheus.NewDesc(namespace+"_last_success_timestamp_seconds",
			"Unix time of the last successful delivery.", nil, nil),
		delivered: prometheus.NewDesc(namespace+"_delivered_total",
			"Messages delivered by the transport.", nil, nil),
		deferred: prometheus.NewDesc(namespace+"_deferred_total",
			"Messages accepted into the deferred queue.", nil, nil),
		rejected: prometheus.NewDesc(namespace+"_rejected_total",
			"Attempts rejected by the circuit breaker.", nil, nil),
		dropped: prometheus.NewDesc(namespace+"_dropped_total",
			"Messages lost, by reason.", []string{"reason"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.circuitState
	ch <- c.queueDepth
	ch <- c.consecutiveFailures
	ch <- c.lastSuccess
	ch <- c.delivered
	ch <- c.deferred
	ch <- c.rejected
	ch <- c.dropped
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	h := c.reporter.GetHealth()

	for _, state := range circuitStates {
		v := 0.0
		if h.CircuitState == state {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.circuitState, prometheus.GaugeValue, v, state.String())
	}
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(h.QueuedCount))
	ch <- prometheus.MustNewConstMetric(c.consecutiveFailures, prometheus.GaugeValue, float64(h.ConsecutiveFailures))

	var lastSuccess float64
	if !h.LastSuccessAt.IsZero() {
		lastSuccess = float64(h.LastSuccessAt.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.lastSuccess, prometheus.GaugeValue, lastSuccess)

	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(h.Delivered))
	ch <- prometheus.MustNewConstMetric(c.deferred, prometheus.CounterValue, float64(h.Deferred))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(h.Rejected))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
		float64(h.DroppedQueueFull), string(resilience.DropQueueFull))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
		float64(h.DroppedExpired), string(resilience.DropExpired))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue,
		float64(h.DroppedExhausted), string(resilience.DropAttemptsExhausted))
}
