// Package handles owns the transport channels the bridge routes through.
//
// The first handle is the default one opened by Initialize. Further handles
// are opened only to keep one SUID consumed under several sensor types on
// separate channels. Handles are never released individually.
//
// A Pool is not safe for concurrent use; the bridge guards it. Open is the
// exception: it touches no pool state so it can run outside the bridge lock.
package handles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/internal/reliability"
	"github.com/glimte/sensorbridge/messaging"
)

// DefaultOpenTimeout bounds a single channel open.
const DefaultOpenTimeout = 5 * time.Second

// Pool holds open handles in the order they were added.
type Pool struct {
	transport   messaging.Transport
	breaker     *reliability.CircuitBreaker
	openTimeout time.Duration
	logger      *slog.Logger

	handles []messaging.Handle
}

// Option configures the Pool
type Option func(*Pool)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithOpenTimeout bounds each channel open
func WithOpenTimeout(timeout time.Duration) Option {
	return func(p *Pool) {
		p.openTimeout = timeout
	}
}

// WithCircuitBreaker replaces the default breaker guarding opens
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(p *Pool) {
		p.breaker = cb
	}
}

// New creates an empty pool over transport
func New(transport messaging.Transport, options ...Option) *Pool {
	p := &Pool{
		transport:   transport,
		openTimeout: DefaultOpenTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("channel-open"),
			reliability.WithBreakerLogger(p.logger),
		)
	}
	return p
}

// Open opens a new channel without adding it to the pool. Failures,
// including breaker rejections and the open timeout, wrap
// contracts.ErrTransportUnavailable.
func (p *Pool) Open(ctx context.Context, deliver messaging.DeliveryFunc) (messaging.Handle, error) {
	openCtx, cancel := context.WithTimeout(ctx, p.openTimeout)
	defer cancel()

	var handle messaging.Handle
	err := p.breaker.Execute(openCtx, func() error {
		h, err := p.transport.Open(openCtx, deliver)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", contracts.ErrTransportUnavailable, err)
	}

	p.logger.Debug("channel opened", "handle", handle.ID())
	return handle, nil
}

// Add appends handle and returns its slot.
func (p *Pool) Add(handle messaging.Handle) int {
	p.handles = append(p.handles, handle)
	return len(p.handles) - 1
}

// Select returns the handle bound to slot. needOpen is true when slot is
// one past the last handle and a new channel must be opened for it.
func (p *Pool) Select(slot int) (handle messaging.Handle, needOpen bool, err error) {
	switch {
	case slot < 0 || slot > len(p.handles):
		return nil, false, fmt.Errorf("%w: handle slot %d out of range (pool has %d)",
			contracts.ErrInvalidArgument, slot, len(p.handles))
	case slot == len(p.handles):
		return nil, true, nil
	default:
		return p.handles[slot], false, nil
	}
}

// Default returns the first handle, or nil before Initialize.
func (p *Pool) Default() messaging.Handle {
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[0]
}

// Len returns the number of pooled handles
func (p *Pool) Len() int {
	return len(p.handles)
}

// Drain empties the pool and returns what it held, so the caller can close
// the handles outside its lock.
func (p *Pool) Drain() []messaging.Handle {
	drained := p.handles
	p.handles = nil
	return drained
}

// Close closes each handle once, continuing past failures.
func (p *Pool) Close(handles []messaging.Handle) error {
	seen := make(map[string]struct{}, len(handles))
	var errs []error
	for _, h := range handles {
		if h == nil {
			continue
		}
		if _, dup := seen[h.ID()]; dup {
			continue
		}
		seen[h.ID()] = struct{}{}
		if err := p.transport.CloseHandle(h); err != nil {
			p.logger.Warn("failed to close channel", "handle", h.ID(), "error", err)
			errs = append(errs, fmt.Errorf("close %s: %w", h.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// BreakerState reports the state of the open gate
func (p *Pool) BreakerState() reliability.State {
	return p.breaker.State()
}
