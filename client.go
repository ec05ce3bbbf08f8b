// Copyright 2024 Mmate Contributors
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

package sensorbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/glimte/sensorbridge/bridge"
	"github.com/glimte/sensorbridge/config"
	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/health"
	"github.com/glimte/sensorbridge/internal/rabbitmq"
	"github.com/glimte/sensorbridge/internal/reliability"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/transports/loopback"
	natsTransport "github.com/glimte/sensorbridge/transports/nats"
	rabbitmqTransport "github.com/glimte/sensorbridge/transports/rabbitmq"
)

// Client wires a transport, a bridge and health checks from one Config
type Client struct {
	cfg       *config.Config
	transport messaging.Transport
	bridge    *bridge.Bridge
	health    *health.Registry
	logger    *slog.Logger
}

// NewClient builds the transport named by cfg.Transport.Kind and a bridge
// on top of it. Nothing is dialed until Start.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cc := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cc)
	}

	c := &Client{
		cfg:       cfg,
		transport: cc.transport,
		health:    health.NewRegistry(),
		logger:    cc.logger,
	}
	if c.transport == nil {
		c.transport = c.newTransport()
	}

	bridgeOpts := []bridge.Option{
		bridge.WithLogger(cc.logger),
		bridge.WithReadyTimeout(cfg.Bridge.ReadyTimeout),
		bridge.WithResponseTimeout(cfg.Bridge.ResponseTimeout),
		bridge.WithIndicationTimeout(cfg.Bridge.IndicationTimeout),
		bridge.WithDeliveryQueueSize(cfg.Bridge.QueueSize),
		bridge.WithDefaultOnlyDiscovery(cfg.Bridge.DefaultOnly),
		bridge.WithFirstSampleWait(cfg.Bridge.FirstSampleWait),
		bridge.WithCalibrationSensors(cfg.Bridge.CalibrationSensors...),
		bridge.WithCircuitBreaker(newBreaker(cfg.Breaker, cc.logger)),
	}
	if cc.metrics != nil {
		bridgeOpts = append(bridgeOpts, bridge.WithMetrics(cc.metrics))
	}

	b, err := bridge.NewBridge(c.transport, append(bridgeOpts, cc.bridgeOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}
	c.bridge = b

	c.registerChecks()
	return c, nil
}

func newBreaker(cfg config.BreakerConfig, logger *slog.Logger) *reliability.CircuitBreaker {
	return reliability.NewCircuitBreaker(
		reliability.WithName("channel-open"),
		reliability.WithFailureThreshold(cfg.FailureThreshold),
		reliability.WithSuccessThreshold(cfg.SuccessThreshold),
		reliability.WithHalfOpenRequests(cfg.HalfOpenRequests),
		reliability.WithTimeout(cfg.OpenTimeout),
		reliability.WithBreakerLogger(logger),
	)
}

func (c *Client) newTransport() messaging.Transport {
	tc := c.cfg.Transport
	switch tc.Kind {
	case config.TransportAMQP:
		return rabbitmqTransport.NewTransport(tc.URL,
			rabbitmqTransport.WithLogger(c.logger),
			rabbitmqTransport.WithExchange(tc.Exchange),
			rabbitmqTransport.WithRoutingKey(tc.RoutingKey),
			rabbitmqTransport.WithConnectionOptions(
				rabbitmq.WithMaxRetries(tc.MaxRetries),
				rabbitmq.WithReconnectDelay(tc.ReconnectDelay),
			),
		)
	case config.TransportNATS:
		return natsTransport.NewTransport(tc.URL,
			natsTransport.WithLogger(c.logger),
			natsTransport.WithSubject(tc.Subject),
			natsTransport.WithReconnect(tc.MaxRetries, tc.ReconnectDelay),
		)
	default:
		return loopback.New(loopback.WithLogger(c.logger))
	}
}

func (c *Client) registerChecks() {
	c.health.SetMetadata("transport", c.cfg.Transport.Kind)
	c.health.Register(health.NewBridgeChecker(c.bridge))

	switch t := c.transport.(type) {
	case *rabbitmqTransport.Transport:
		c.health.Register(health.NewAMQPChecker(t.Manager(), t.Exchange()))
	case health.Connectable:
		c.health.Register(health.NewConnectionChecker(c.cfg.Transport.Kind, t))
	}
}

// Start connects the transport and initializes the bridge. cb receives
// every sample from registered sensors.
func (c *Client) Start(ctx context.Context, cb contracts.IndicationCallback) error {
	return c.bridge.Initialize(ctx, cb, c.cfg.Bridge.ReadyTimeout)
}

// Subscribe discovers dataType, registers the first SUID found under
// req.SensorType and sends req. It returns the SUID it bound.
func (c *Client) Subscribe(ctx context.Context, dataType string, req contracts.SensorRequest) (contracts.SUID, error) {
	suids, err := c.bridge.Discover(ctx, dataType)
	if err != nil {
		return contracts.SUID{}, err
	}
	if len(suids) == 0 {
		return contracts.SUID{}, fmt.Errorf("%w: no sensor provides %q", contracts.ErrInvalidArgument, dataType)
	}

	suid := suids[0]
	if _, err := c.bridge.RegisterSensor(ctx, req.SensorType, suid); err != nil {
		return suid, err
	}
	if err := c.bridge.MakeRequest(ctx, req); err != nil {
		return suid, err
	}
	c.logger.Info("sensor subscribed", "dataType", dataType, "suid", suid, "sensorType", req.SensorType)
	return suid, nil
}

// Bridge returns the underlying request bridge
func (c *Client) Bridge() *bridge.Bridge {
	return c.bridge
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Health returns the registry of health checks for this client
func (c *Client) Health() *health.Registry {
	return c.health
}

// Close tears down the bridge and closes the transport
func (c *Client) Close() error {
	return errors.Join(c.bridge.Deinitialize(), c.transport.Close())
}

// clientConfig holds client configuration
type clientConfig struct {
	logger        *slog.Logger
	metrics       messaging.MetricsCollector
	transport     messaging.Transport
	bridgeOptions []bridge.Option
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector for the bridge
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTransport bypasses cfg.Transport and uses t directly
func WithTransport(t messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// WithBridgeOptions appends raw bridge options after the configured ones
func WithBridgeOptions(opts ...bridge.Option) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bridgeOptions = append(cfg.bridgeOptions, opts...)
	}
}
