package messaging

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueStopped is returned by Enqueue once the queue has been stopped.
var ErrQueueStopped = errors.New("delivery queue is stopped")

// DeliveryQueue decouples transport delivery goroutines from routing.
// Deliveries are buffered in a bounded channel and handed, in arrival order,
// to a single consumer goroutine. Enqueue blocks while the buffer is full.
type DeliveryQueue struct {
	ch      chan Delivery
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	started atomic.Bool
	logger  *slog.Logger

	enqueued  atomic.Uint64
	processed atomic.Uint64
}

// DeliveryQueueOption configures the DeliveryQueue
type DeliveryQueueOption func(*DeliveryQueue)

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) DeliveryQueueOption {
	return func(q *DeliveryQueue) {
		q.logger = logger
	}
}

// NewDeliveryQueue creates a queue holding at most size pending deliveries.
func NewDeliveryQueue(size int, options ...DeliveryQueueOption) *DeliveryQueue {
	if size < 1 {
		size = 1
	}
	q := &DeliveryQueue{
		ch:     make(chan Delivery, size),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(q)
	}
	return q
}

// Start launches the consumer goroutine. Calling Start more than once has no effect.
func (q *DeliveryQueue) Start(handler func(Delivery)) {
	if !q.started.CompareAndSwap(false, true) {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case d := <-q.ch:
				q.handle(handler, d)
			case <-q.done:
				return
			}
		}
	}()
}

func (q *DeliveryQueue) handle(handler func(Delivery), d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("delivery handler panicked", "msgID", d.MsgID, "panic", r)
		}
	}()
	handler(d)
	q.processed.Add(1)
}

// Enqueue adds a delivery, blocking while the queue is full.
func (q *DeliveryQueue) Enqueue(handle Handle, msgID uint32, payload []byte) error {
	d := Delivery{
		Handle:     handle,
		MsgID:      msgID,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	// Checked first so a stopped queue never accepts into free buffer space.
	select {
	case <-q.done:
		return ErrQueueStopped
	default:
	}

	select {
	case q.ch <- d:
		q.enqueued.Add(1)
		return nil
	case <-q.done:
		return ErrQueueStopped
	}
}

// DeliveryFunc adapts the queue to a transport callback. Deliveries that
// arrive after Stop are dropped.
func (q *DeliveryQueue) DeliveryFunc() DeliveryFunc {
	return func(handle Handle, msgID uint32, payload []byte) {
		if err := q.Enqueue(handle, msgID, payload); err != nil {
			q.logger.Debug("dropping delivery", "msgID", msgID, "error", err)
		}
	}
}

// Stop stops the consumer goroutine and waits for it to exit. Pending
// deliveries are discarded. Stop is idempotent.
func (q *DeliveryQueue) Stop() {
	q.once.Do(func() {
		close(q.done)
	})
	q.wg.Wait()
}

// Pending returns the number of buffered deliveries
func (q *DeliveryQueue) Pending() int {
	return len(q.ch)
}

// QueueStats is a snapshot of queue counters
type QueueStats struct {
	Enqueued  uint64
	Processed uint64
	Pending   int
}

// Stats returns current counters
func (q *DeliveryQueue) Stats() QueueStats {
	return QueueStats{
		Enqueued:  q.enqueued.Load(),
		Processed: q.processed.Load(),
		Pending:   len(q.ch),
	}
}
