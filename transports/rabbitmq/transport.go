// Package rabbitmq carries the sensor protocol over AMQP.
//
// Every handle is an AMQP channel consuming from its own exclusive,
// server-named reply queue. Requests are published to the service exchange
// with that queue as ReplyTo, so the service answers each handle separately.
// The transport-level message id travels in the msg_id header.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/sensorbridge/internal/rabbitmq"
	"github.com/glimte/sensorbridge/messaging"
)

const (
	// HeaderMessageID carries the transport message id
	HeaderMessageID = "msg_id"

	// ContentType of every published body
	ContentType = "application/cbor"

	DefaultExchange   = "sensorbridge.requests"
	DefaultRoutingKey = "client_request"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager    *rabbitmq.ConnectionManager
	exchange   string
	routingKey string
	logger     *slog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	Exchange          string
	RoutingKey        string
	Logger            *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithExchange sets the exchange requests are published to
func WithExchange(exchange string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Exchange = exchange
	}
}

// WithRoutingKey sets the routing key requests are published with
func WithRoutingKey(key string) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.RoutingKey = key
	}
}

// WithLogger sets the logger for the transport and its connection
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates a RabbitMQ transport. Nothing is dialed until Connect.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Exchange:   DefaultExchange,
		RoutingKey: DefaultRoutingKey,
		Logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	t := &Transport{
		manager:    rabbitmq.NewConnectionManager(connectionString, connOpts...),
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     cfg.Logger,
		handles:    make(map[string]*handle),
	}
	t.manager.AddStateListener(t)
	return t
}

// Connect dials the broker and declares the request exchange
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.manager.Connect(ctx); err != nil {
		return err
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(t.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return &rabbitmq.ChannelError{Op: "declare exchange " + t.exchange, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Open opens a channel with an exclusive reply queue and starts consuming
func (t *Transport) Open(ctx context.Context, deliver messaging.DeliveryFunc) (messaging.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, rabbitmq.ErrConnectionClosed
	}

	ch, err := t.manager.Channel()
	if err != nil {
		return nil, err
	}

	h := &handle{
		id:   uuid.NewString(),
		ch:   ch,
		done: make(chan struct{}),
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &rabbitmq.ChannelError{Op: "declare reply queue", ChannelID: h.id, Err: err, Timestamp: time.Now()}
	}
	h.queue = q.Name
	h.consumerTag = "sensorbridge-" + h.id

	deliveries, err := ch.Consume(q.Name, h.consumerTag, true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &rabbitmq.ChannelError{Op: "consume", ChannelID: h.id, Err: err, Timestamp: time.Now()}
	}

	t.mu.Lock()
	t.handles[h.id] = h
	t.mu.Unlock()

	go h.consume(deliveries, deliver, t.logger)

	t.logger.Debug("amqp channel opened", "handle", h.id, "queue", h.queue)
	return h, nil
}

// Send publishes one message for the sensor service
func (t *Transport) Send(ctx context.Context, h messaging.Handle, msgID uint32, payload []byte) error {
	hd, err := t.lookup(h)
	if err != nil {
		return err
	}

	pub := newPublishing(hd.queue, msgID, payload)
	if err := hd.ch.PublishWithContext(ctx, t.exchange, t.routingKey, false, false, pub); err != nil {
		return &rabbitmq.PublishError{
			Exchange:   t.exchange,
			RoutingKey: t.routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// CloseHandle cancels the consumer and closes the channel
func (t *Transport) CloseHandle(h messaging.Handle) error {
	t.mu.Lock()
	hd, ok := t.handles[h.ID()]
	delete(t.handles, h.ID())
	t.mu.Unlock()

	if !ok {
		return nil
	}
	return hd.close()
}

// Close closes every handle and the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handles := t.handles
	t.handles = make(map[string]*handle)
	t.mu.Unlock()

	for _, hd := range handles {
		if err := hd.close(); err != nil {
			t.logger.Warn("failed to close amqp channel", "handle", hd.id, "error", err)
		}
	}
	t.manager.RemoveStateListener(t)
	return t.manager.Close()
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// Manager returns the connection manager, for health checks
func (t *Transport) Manager() *rabbitmq.ConnectionManager {
	return t.manager
}

// Exchange returns the request exchange name
func (t *Transport) Exchange() string {
	return t.exchange
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (t *Transport) OnConnected() {
	t.logger.Debug("amqp transport connected")
}

// OnDisconnected implements rabbitmq.ConnectionStateListener. Channels die
// with the connection, so every open handle is now unusable.
func (t *Transport) OnDisconnected(err error) {
	t.mu.Lock()
	n := len(t.handles)
	t.mu.Unlock()
	if n > 0 {
		t.logger.Warn("amqp connection lost, open handles are stale", "handles", n, "error", err)
	}
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (t *Transport) OnReconnecting(attempt int) {
	t.logger.Info("amqp transport reconnecting", "attempt", attempt)
}

func (t *Transport) lookup(h messaging.Handle) (*handle, error) {
	if h == nil {
		return nil, &rabbitmq.ChannelError{Op: "lookup", Err: rabbitmq.ErrChannelClosed, Timestamp: time.Now()}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	hd, ok := t.handles[h.ID()]
	if !ok {
		return nil, &rabbitmq.ChannelError{Op: "lookup", ChannelID: h.ID(), Err: rabbitmq.ErrChannelClosed, Timestamp: time.Now()}
	}
	return hd, nil
}

func newPublishing(replyTo string, msgID uint32, payload []byte) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   ContentType,
		DeliveryMode:  amqp.Transient,
		ReplyTo:       replyTo,
		CorrelationId: uuid.NewString(),
		Timestamp:     time.Now(),
		Headers:       amqp.Table{HeaderMessageID: int64(msgID)},
		Body:          payload,
	}
}

// messageID reads the msg_id header, which brokers may re-type to any
// integer width.
func messageID(headers amqp.Table) (uint32, error) {
	var id int64
	switch v := headers[HeaderMessageID].(type) {
	case int8:
		id = int64(v)
	case int16:
		id = int64(v)
	case int32:
		id = int64(v)
	case int64:
		id = v
	case int:
		id = int64(v)
	case uint8:
		return uint32(v), nil
	case uint16:
		return uint32(v), nil
	case uint32:
		return v, nil
	case uint64:
		if v > math.MaxUint32 {
			return 0, fmt.Errorf("%w: %d out of range", rabbitmq.ErrMissingMessageID, v)
		}
		return uint32(v), nil
	case nil:
		return 0, rabbitmq.ErrMissingMessageID
	default:
		return 0, fmt.Errorf("%w: unexpected type %T", rabbitmq.ErrMissingMessageID, v)
	}
	if id < 0 || id > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d out of range", rabbitmq.ErrMissingMessageID, id)
	}
	return uint32(id), nil
}

// handle is one AMQP channel and its reply queue.
type handle struct {
	id          string
	ch          *amqp.Channel
	queue       string
	consumerTag string
	done        chan struct{}
	once        sync.Once
}

// ID returns the handle id
func (h *handle) ID() string {
	return h.id
}

func (h *handle) consume(deliveries <-chan amqp.Delivery, deliver messaging.DeliveryFunc, logger *slog.Logger) {
	defer close(h.done)
	for d := range deliveries {
		msgID, err := messageID(d.Headers)
		if err != nil {
			logger.Warn("dropping amqp delivery", "handle", h.id, "error", err)
			continue
		}
		deliver(h, msgID, d.Body)
	}
	logger.Debug("amqp consumer stopped", "handle", h.id)
}

func (h *handle) close() error {
	var err error
	h.once.Do(func() {
		if cerr := h.ch.Cancel(h.consumerTag, false); cerr != nil && !h.ch.IsClosed() {
			err = &rabbitmq.ChannelError{Op: "cancel", ChannelID: h.id, Err: cerr, Timestamp: time.Now()}
		}
		if cerr := h.ch.Close(); cerr != nil && err == nil && !h.ch.IsClosed() {
			err = &rabbitmq.ChannelError{Op: "close", ChannelID: h.id, Err: cerr, Timestamp: time.Now()}
		}
		<-h.done
	})
	return err
}
