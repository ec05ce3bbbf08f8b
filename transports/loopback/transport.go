// Package loopback provides an in-process sensor service behind the
// messaging.Transport interface. It answers lookups and attribute queries
// from a fixed catalog and streams synthetic samples at the requested rate.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

var (
	// ErrClosed is returned once the transport or the handle is closed.
	ErrClosed = errors.New("loopback: closed")

	// ErrUnknownHandle is returned for handles this transport did not open.
	ErrUnknownHandle = errors.New("loopback: unknown handle")
)

// Service error codes carried by error events.
const (
	ErrorCodeUnknownSensor uint32 = 1
	ErrorCodeBadRequest    uint32 = 2
)

const outboundBuffer = 256

// Transport is the simulated service. Each handle gets its own goroutine
// that delivers outbound indications in order.
type Transport struct {
	mu        sync.Mutex
	sensors   []Sensor
	channels  map[string]*channel
	connected bool
	closed    bool
	readyAt   time.Time
	start     time.Time

	logger     *slog.Logger
	readyDelay time.Duration
	maxRate    float32
}

// Option configures the Transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithCatalog replaces the default sensor catalog
func WithCatalog(sensors []Sensor) Option {
	return func(t *Transport) {
		t.sensors = append([]Sensor(nil), sensors...)
	}
}

// WithReadyDelay makes Connect wait as if the service were still booting
func WithReadyDelay(delay time.Duration) Option {
	return func(t *Transport) {
		t.readyDelay = delay
	}
}

// WithMaxRate caps the streaming rate of every sensor
func WithMaxRate(hz float32) Option {
	return func(t *Transport) {
		t.maxRate = hz
	}
}

// New creates a loopback transport
func New(opts ...Option) *Transport {
	t := &Transport{
		sensors:  DefaultCatalog(),
		channels: make(map[string]*channel),
		logger:   slog.Default(),
		maxRate:  1000,
		start:    time.Now(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.readyAt = t.start.Add(t.readyDelay)
	return t
}

// Connect blocks until the simulated service is ready
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	wait := time.Until(t.readyAt)
	t.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.connected = true
	return nil
}

// Open opens a channel whose indications go to deliver
func (t *Transport) Open(ctx context.Context, deliver messaging.DeliveryFunc) (messaging.Handle, error) {
	if deliver == nil {
		return nil, fmt.Errorf("%w: delivery function cannot be nil", contracts.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if !t.connected {
		return nil, fmt.Errorf("loopback: not connected")
	}

	ch := newChannel(uuid.NewString(), deliver, t.logger)
	t.channels[ch.id] = ch
	t.logger.Debug("loopback channel opened", "handle", ch.id)
	return ch, nil
}

// Send hands one client request to the service
func (t *Transport) Send(ctx context.Context, handle messaging.Handle, msgID uint32, payload []byte) error {
	if msgID != serialization.MsgIDClientRequest {
		return fmt.Errorf("loopback: unsupported message id 0x%x", msgID)
	}
	req, err := serialization.DecodeRequest(payload)
	if err != nil {
		return err
	}

	ch, err := t.channel(handle)
	if err != nil {
		return err
	}
	return t.serve(ctx, ch, req)
}

// CloseHandle stops the channel's streams and its delivery goroutine
func (t *Transport) CloseHandle(handle messaging.Handle) error {
	t.mu.Lock()
	ch, ok := t.channels[handle.ID()]
	delete(t.channels, handle.ID())
	t.mu.Unlock()

	if ok {
		ch.close()
	}
	return nil
}

// Close closes every channel
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	channels := t.channels
	t.channels = make(map[string]*channel)
	t.mu.Unlock()

	for _, ch := range channels {
		ch.close()
	}
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// OpenChannels returns the number of open handles
func (t *Transport) OpenChannels() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *Transport) channel(handle messaging.Handle) (*channel, error) {
	if handle == nil {
		return nil, ErrUnknownHandle
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	ch, ok := t.channels[handle.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle.ID())
	}
	return ch, nil
}

func (t *Transport) timestamp() uint64 {
	return uint64(time.Since(t.start).Nanoseconds())
}

func (t *Transport) findBySUID(suid contracts.SUID) (Sensor, bool) {
	for _, s := range t.sensors {
		if s.SUID == suid {
			return s, true
		}
	}
	return Sensor{}, false
}

func (t *Transport) serve(ctx context.Context, ch *channel, req *serialization.ClientRequest) error {
	switch req.MsgID {
	case serialization.RequestSUIDLookup:
		p, err := serialization.DecodeSUIDRequest(req)
		if err != nil {
			return ch.push(ctx, t.errorIndication(req.SUID, ErrorCodeBadRequest))
		}
		suids := make([]contracts.SUID, 0)
		for _, s := range t.sensors {
			if s.DataType == p.DataType && (!p.DefaultOnly || s.Default) {
				suids = append(suids, s.SUID)
			}
		}
		ev, err := serialization.NewSUIDEvent(t.timestamp(), p.DataType, suids)
		if err != nil {
			return err
		}
		return ch.push(ctx, indication(contracts.SUIDLookup, ev))

	case serialization.RequestAttributes:
		s, ok := t.findBySUID(req.SUID)
		if !ok {
			return ch.push(ctx, t.errorIndication(req.SUID, ErrorCodeUnknownSensor))
		}
		ev, err := serialization.NewAttributesEvent(t.timestamp(), s.Attributes)
		if err != nil {
			return err
		}
		return ch.push(ctx, indication(req.SUID, ev))

	case serialization.RequestStreamConfig:
		s, ok := t.findBySUID(req.SUID)
		if !ok {
			return ch.push(ctx, t.errorIndication(req.SUID, ErrorCodeUnknownSensor))
		}
		cfg, err := serialization.DecodeStreamConfig(req)
		if err != nil || cfg.SampleRate <= 0 {
			return ch.push(ctx, t.errorIndication(req.SUID, ErrorCodeBadRequest))
		}
		rate := cfg.SampleRate
		if t.maxRate > 0 && rate > t.maxRate {
			rate = t.maxRate
		}
		ch.startStream(s, rate, t.sampleIndication)
		return nil

	case serialization.RequestOnChangeConfig:
		s, ok := t.findBySUID(req.SUID)
		if !ok {
			return ch.push(ctx, t.errorIndication(req.SUID, ErrorCodeUnknownSensor))
		}
		ch.stopStream(req.SUID)
		return ch.push(ctx, t.sampleIndication(s, 0))

	case serialization.RequestDisable:
		ch.stopStream(req.SUID)
		return nil

	default:
		return ch.push(ctx, t.errorIndication(req.SUID, ErrorCodeBadRequest))
	}
}

func (t *Transport) sampleIndication(s Sensor, seq uint64) *serialization.Indication {
	ev, err := serialization.NewSensorEvent(t.timestamp(), contracts.SampleStatusAccuracyHigh, s.sample(seq))
	if err != nil {
		t.logger.Error("failed to encode sample", "suid", s.SUID.String(), "error", err)
		return nil
	}
	return indication(s.SUID, ev)
}

func (t *Transport) errorIndication(suid contracts.SUID, code uint32) *serialization.Indication {
	ev, err := serialization.NewErrorEvent(t.timestamp(), code)
	if err != nil {
		return nil
	}
	return indication(suid, ev)
}

func indication(suid contracts.SUID, events ...serialization.IndicationEvent) *serialization.Indication {
	return &serialization.Indication{SUID: suid, Events: events}
}
