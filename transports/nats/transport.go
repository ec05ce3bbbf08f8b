// Package nats carries the sensor protocol over NATS core subjects.
//
// Every handle is a subscription on a private inbox. Requests are published
// to the service subject with the handle's inbox as reply subject, and the
// transport message id travels in the Msg-Id header.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/glimte/sensorbridge/messaging"
)

const (
	// HeaderMessageID carries the transport message id
	HeaderMessageID = "Msg-Id"

	// HeaderCorrelationID tags each request for tracing
	HeaderCorrelationID = "Correlation-Id"

	DefaultSubject = "sensorbridge.requests"
)

var (
	// ErrNotConnected is returned before Connect or after Close
	ErrNotConnected = errors.New("nats: not connected")

	// ErrUnknownHandle is returned for handles that are closed or foreign
	ErrUnknownHandle = errors.New("nats: unknown handle")

	// ErrMissingMessageID is logged for inbound messages without Msg-Id
	ErrMissingMessageID = errors.New("nats: message has no Msg-Id header")
)

// Transport implements messaging.Transport over NATS
type Transport struct {
	url           string
	subject       string
	name          string
	maxReconnects int
	reconnectWait time.Duration
	logger        *slog.Logger
	extra         []nats.Option

	mu      sync.Mutex
	conn    *nats.Conn
	handles map[string]*handle
	closed  bool
}

// Option configures the Transport
type Option func(*Transport)

// WithSubject sets the subject requests are published to
func WithSubject(subject string) Option {
	return func(t *Transport) {
		t.subject = subject
	}
}

// WithName sets the client name shown by the server
func WithName(name string) Option {
	return func(t *Transport) {
		t.name = name
	}
}

// WithReconnect sets reconnect attempts and the wait between them
func WithReconnect(maxReconnects int, wait time.Duration) Option {
	return func(t *Transport) {
		t.maxReconnects = maxReconnects
		t.reconnectWait = wait
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithNATSOptions appends raw nats.go options such as credentials or TLS
func WithNATSOptions(opts ...nats.Option) Option {
	return func(t *Transport) {
		t.extra = append(t.extra, opts...)
	}
}

// NewTransport creates a NATS transport. Nothing is dialed until Connect.
func NewTransport(url string, opts ...Option) *Transport {
	t := &Transport{
		url:           url,
		subject:       DefaultSubject,
		name:          "sensorbridge",
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		logger:        slog.Default(),
		handles:       make(map[string]*handle),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) connectionOptions(timeout time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name(t.name),
		nats.MaxReconnects(t.maxReconnects),
		nats.ReconnectWait(t.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			t.logger.Info("nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			t.logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}
	return append(opts, t.extra...)
}

// Connect dials the server within ctx
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrNotConnected
	}
	if t.conn != nil && t.conn.IsConnected() {
		return nil
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
	}

	type result struct {
		conn *nats.Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(t.url, t.connectionOptions(timeout)...)
		resCh <- result{conn: conn, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return fmt.Errorf("nats connect %s: %w", t.url, res.err)
		}
		t.conn = res.conn
		t.logger.Info("connected to NATS", "url", res.conn.ConnectedUrlRedacted())
		return nil
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.conn != nil {
				res.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// Open subscribes to a fresh inbox
func (t *Transport) Open(ctx context.Context, deliver messaging.DeliveryFunc) (messaging.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.conn == nil || !t.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	h := &handle{id: uuid.NewString(), inbox: t.conn.NewRespInbox()}
	sub, err := t.conn.Subscribe(h.inbox, func(m *nats.Msg) {
		msgID, err := messageID(m.Header)
		if err != nil {
			t.logger.Warn("dropping nats message", "handle", h.id, "error", err)
			return
		}
		deliver(h, msgID, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", h.inbox, err)
	}
	h.sub = sub
	t.handles[h.id] = h

	t.logger.Debug("nats handle opened", "handle", h.id, "inbox", h.inbox)
	return h, nil
}

// Send publishes one request and flushes it to the server
func (t *Transport) Send(ctx context.Context, h messaging.Handle, msgID uint32, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	var hd *handle
	if h != nil {
		hd = t.handles[h.ID()]
	}
	t.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	if hd == nil {
		return ErrUnknownHandle
	}

	if err := conn.PublishMsg(newMsg(t.subject, hd.inbox, msgID, payload)); err != nil {
		return fmt.Errorf("nats publish %s: %w", t.subject, err)
	}
	var err error
	if _, ok := ctx.Deadline(); ok {
		err = conn.FlushWithContext(ctx)
	} else {
		err = conn.Flush()
	}
	if err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// CloseHandle unsubscribes the handle's inbox
func (t *Transport) CloseHandle(h messaging.Handle) error {
	t.mu.Lock()
	hd, ok := t.handles[h.ID()]
	delete(t.handles, h.ID())
	t.mu.Unlock()

	if !ok || hd.sub == nil {
		return nil
	}
	if err := hd.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// Close unsubscribes every handle and closes the connection
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	t.handles = make(map[string]*handle)
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && t.conn.IsConnected()
}

func newMsg(subject, reply string, msgID uint32, payload []byte) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Reply = reply
	msg.Data = payload
	msg.Header.Set(HeaderMessageID, strconv.FormatUint(uint64(msgID), 10))
	msg.Header.Set(HeaderCorrelationID, uuid.NewString())
	return msg
}

func messageID(h nats.Header) (uint32, error) {
	raw := h.Get(HeaderMessageID)
	if raw == "" {
		return 0, ErrMissingMessageID
	}
	id, err := strconv.ParseUint(raw, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMissingMessageID, err)
	}
	return uint32(id), nil
}

// handle is one inbox subscription.
type handle struct {
	id    string
	inbox string
	sub   *nats.Subscription
}

// ID returns the handle id
func (h *handle) ID() string {
	return h.id
}
