package loopback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

// channel is one open handle. Everything it sends goes through out so the
// receiver sees indications in the order they were produced.
type channel struct {
	id      string
	deliver messaging.DeliveryFunc
	logger  *slog.Logger

	out  chan []byte
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	mu      sync.Mutex
	streams map[contracts.SUID]chan struct{}
}

func newChannel(id string, deliver messaging.DeliveryFunc, logger *slog.Logger) *channel {
	ch := &channel{
		id:      id,
		deliver: deliver,
		logger:  logger,
		out:     make(chan []byte, outboundBuffer),
		done:    make(chan struct{}),
		streams: make(map[contracts.SUID]chan struct{}),
	}
	ch.wg.Add(1)
	go ch.run()
	return ch
}

// ID returns the handle id
func (c *channel) ID() string {
	return c.id
}

func (c *channel) run() {
	defer c.wg.Done()
	for {
		select {
		case payload := <-c.out:
			c.deliver(c, serialization.MsgIDReportIndication, payload)
		case <-c.done:
			return
		}
	}
}

func (c *channel) push(ctx context.Context, ind *serialization.Indication) error {
	if err := c.enqueue(ind, ctx.Done()); err != nil {
		if errors.Is(err, errCancelled) {
			return ctx.Err()
		}
		return err
	}
	return nil
}

var errCancelled = errors.New("loopback: push cancelled")

func (c *channel) enqueue(ind *serialization.Indication, cancel <-chan struct{}) error {
	if ind == nil {
		return nil
	}
	payload, err := serialization.EncodeIndication(ind)
	if err != nil {
		return err
	}
	select {
	case c.out <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	case <-cancel:
		return errCancelled
	}
}

func (c *channel) startStream(s Sensor, rate float32, next func(Sensor, uint64) *serialization.Indication) {
	stop := make(chan struct{})

	c.mu.Lock()
	if prev, ok := c.streams[s.SUID]; ok {
		close(prev)
	}
	c.streams[s.SUID] = stop
	c.mu.Unlock()

	period := time.Duration(float64(time.Second) / float64(rate))
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for seq := uint64(0); ; seq++ {
			if err := c.enqueue(next(s, seq), stop); err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-stop:
				return
			case <-c.done:
				return
			}
		}
	}()
	c.logger.Debug("loopback stream started", "handle", c.id, "suid", s.SUID.String(), "rateHz", rate)
}

func (c *channel) stopStream(suid contracts.SUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.streams[suid]; ok {
		close(stop)
		delete(c.streams, suid)
	}
}

func (c *channel) close() {
	c.once.Do(func() {
		c.mu.Lock()
		for suid, stop := range c.streams {
			close(stop)
			delete(c.streams, suid)
		}
		c.mu.Unlock()
		close(c.done)
	})
	c.wg.Wait()
}
