package health

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sensorbridge/internal/rabbitmq"
)

// BridgeState is the part of the bridge a health check reads
type BridgeState interface {
	Initialized() bool
	HandleCount() int
	CircuitState() string
}

// BridgeChecker reports the bridge lifecycle and channel breaker
type BridgeChecker struct {
	bridge BridgeState
}

// NewBridgeChecker creates a bridge checker
func NewBridgeChecker(bridge BridgeState) *BridgeChecker {
	return &BridgeChecker{bridge: bridge}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

// Check is unhealthy before Initialize and degraded while the channel
// breaker is not closed.
func (c *BridgeChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	circuit := c.bridge.CircuitState()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "bridge initialized",
		Timestamp: start,
		Details: map[string]any{
			"handles": c.bridge.HandleCount(),
			"circuit": circuit,
		},
	}

	switch {
	case !c.bridge.Initialized():
		result.Status = StatusUnhealthy
		result.Message = "bridge not initialized"
	case circuit != "closed":
		result.Status = StatusDegraded
		result.Message = "channel circuit breaker is " + circuit
	}

	result.Duration = time.Since(start)
	return result
}

// Connectable is anything that reports a live connection
type Connectable interface {
	IsConnected() bool
}

// ConnectionChecker reports a transport's connection state
type ConnectionChecker struct {
	name string
	conn Connectable
}

// NewConnectionChecker creates a connection checker under the given name
func NewConnectionChecker(name string, conn Connectable) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "connected",
		Timestamp: start,
	}
	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}
	result.Duration = time.Since(start)
	return result
}

// AMQPChecker probes the broker by declaring the request exchange passively
type AMQPChecker struct {
	conn     *rabbitmq.ConnectionManager
	exchange string
}

// NewAMQPChecker creates a RabbitMQ checker
func NewAMQPChecker(conn *rabbitmq.ConnectionManager, exchange string) *AMQPChecker {
	return &AMQPChecker{conn: conn, exchange: exchange}
}

func (c *AMQPChecker) Name() string {
	return "rabbitmq"
}

func (c *AMQPChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"exchange": c.exchange},
	}
	ch, err := c.conn.Channel()
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer ch.Close()

	if err := ch.ExchangeDeclarePassive(c.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		result.Status = StatusDegraded
		result.Message = "request exchange missing"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "broker reachable"
	result.Duration = time.Since(start)
	return result
}
