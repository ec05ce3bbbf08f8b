// Package messaging defines the asynchronous channel between the bridge and
// the sensor service.
//
// Transport abstracts the wire: transports/rabbitmq, transports/nats and
// transports/loopback implement it. Each Handle is an independently opened
// channel and every inbound message names the handle it arrived on.
//
// DeliveryQueue serializes deliveries from any number of transport
// goroutines onto one routing goroutine, preserving per-handle order:
//
//	q := messaging.NewDeliveryQueue(64, messaging.WithQueueLogger(logger))
//	q.Start(route)
//	defer q.Stop()
//	handle, err := transport.Open(ctx, q.DeliveryFunc())
//
// MetricsCollector receives counters from the bridge; NoOpMetricsCollector
// is the default.
package messaging
