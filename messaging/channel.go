package messaging

import (
	"context"
	"time"
)

// Handle is a channel opened against the transport. Deliveries always name
// the handle they arrived on.
type Handle interface {
	// ID returns a stable identifier unique within the transport
	ID() string
}

// DeliveryFunc is invoked by the transport, on its own goroutine(s), for
// every inbound message on a handle.
type DeliveryFunc func(handle Handle, msgID uint32, payload []byte)

// Transport is the asynchronous channel to the sensor service.
type Transport interface {
	// Connect blocks until the sensor service is reachable or ctx ends
	Connect(ctx context.Context) error

	// Open opens a new channel whose inbound messages go to deliver
	Open(ctx context.Context, deliver DeliveryFunc) (Handle, error)

	// Send hands one message to the transport
	Send(ctx context.Context, handle Handle, msgID uint32, payload []byte) error

	// CloseHandle closes one channel. Closing twice is a no-op.
	CloseHandle(handle Handle) error

	// Close closes every channel and the underlying connection
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}

// Delivery is one inbound message captured from a DeliveryFunc.
type Delivery struct {
	Handle     Handle
	MsgID      uint32
	Payload    []byte
	ReceivedAt time.Time
}
