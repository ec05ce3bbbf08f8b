package messaging

import "time"

// Indication routing paths reported to MetricsCollector.RecordIndication.
const (
	PathSync        = "sync"
	PathAsync       = "async"
	PathCalibration = "calibration"
	PathDropped     = "dropped"
	PathInvalid     = "invalid"
)

// MetricsCollector collects bridge metrics
type MetricsCollector interface {
	// RecordRequest records one public bridge operation and its result
	RecordRequest(op string, duration time.Duration, result string)

	// RecordSend records one outbound transport send
	RecordSend(msgID uint32, success bool)

	// RecordIndication records which path an inbound event took
	RecordIndication(path string)

	// SetOpenHandles reports the size of the handle pool
	SetOpenHandles(count int)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordRequest does nothing
func (n *NoOpMetricsCollector) RecordRequest(op string, duration time.Duration, result string) {}

// RecordSend does nothing
func (n *NoOpMetricsCollector) RecordSend(msgID uint32, success bool) {}

// RecordIndication does nothing
func (n *NoOpMetricsCollector) RecordIndication(path string) {}

// SetOpenHandles does nothing
func (n *NoOpMetricsCollector) SetOpenHandles(count int) {}
