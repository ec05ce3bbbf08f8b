package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransportUnavailable is returned when a channel cannot be opened or
	// the transport does not become ready in time.
	ErrTransportUnavailable = errors.New("sensorbridge: transport unavailable")

	// ErrSendFailed is returned when the transport rejects an outbound message.
	ErrSendFailed = errors.New("sensorbridge: send failed")

	// ErrTimeout is returned when no matching indication arrives before the deadline.
	ErrTimeout = errors.New("sensorbridge: timed out waiting for indication")

	// ErrInvalidArgument covers contract violations such as registering
	// SensorTypeUnknown or arming a second synchronous wait.
	ErrInvalidArgument = errors.New("sensorbridge: invalid argument")

	// ErrNotInitialized is returned by operations that need Initialize first.
	ErrNotInitialized = errors.New("sensorbridge: not initialized")
)

// BridgeError carries the failing operation and sensor alongside the error kind.
type BridgeError struct {
	Op        string    // Operation that failed
	SUID      SUID      // Sensor the operation targeted, zero when not applicable
	Err       error     // Underlying error, wraps one of the sentinels
	Timestamp time.Time // When the error occurred
}

func (e *BridgeError) Error() string {
	if e.SUID.IsZero() {
		return fmt.Sprintf("sensorbridge: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sensorbridge: %s failed for %s: %v", e.Op, e.SUID, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// NewBridgeError builds a BridgeError stamped with the current time.
func NewBridgeError(op string, suid SUID, err error) *BridgeError {
	return &BridgeError{
		Op:        op,
		SUID:      suid,
		Err:       err,
		Timestamp: time.Now(),
	}
}
