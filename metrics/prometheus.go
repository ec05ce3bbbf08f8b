// Package metrics exports bridge metrics to Prometheus.
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/sensorbridge/messaging"
)

const namespace = "sensorbridge"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Sends           *prometheus.CounterVec
	Indications     *prometheus.CounterVec
	OpenHandles     prometheus.Gauge
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers it with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "requests_total",
				Help:      "Bridge operations by operation and result",
			},
			[]string{"op", "result"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "request_duration_seconds",
				Help:      "Bridge operation duration in seconds, including the indication wait",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"op"},
		),

		Sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "sends_total",
				Help:      "Outbound requests by message id and outcome",
			},
			[]string{"msg_id", "status"},
		),

		Indications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "indications_total",
				Help:      "Inbound deliveries by routing path",
			},
			[]string{"path"},
		),

		OpenHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "open_handles",
				Help:      "Transport channels held by the bridge",
			},
		),
	}

	for _, col := range []prometheus.Collector{c.Requests, c.RequestDuration, c.Sends, c.Indications, c.OpenHandles} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// RecordRequest records one bridge operation
func (c *PrometheusCollector) RecordRequest(op string, duration time.Duration, result string) {
	c.Requests.WithLabelValues(op, result).Inc()
	c.RequestDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordSend records one transport send
func (c *PrometheusCollector) RecordSend(msgID uint32, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	c.Sends.WithLabelValues("0x"+strconv.FormatUint(uint64(msgID), 16), status).Inc()
}

// RecordIndication records the routing path of one delivery
func (c *PrometheusCollector) RecordIndication(path string) {
	c.Indications.WithLabelValues(path).Inc()
}

// SetOpenHandles sets the pool size gauge
func (c *PrometheusCollector) SetOpenHandles(count int) {
	c.OpenHandles.Set(float64(count))
}
