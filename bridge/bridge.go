package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/internal/handles"
	"github.com/glimte/sensorbridge/internal/registry"
	"github.com/glimte/sensorbridge/internal/reliability"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

// Default timeouts.
const (
	DefaultReadyTimeout      = 5 * time.Second
	DefaultResponseTimeout   = 1 * time.Second
	DefaultIndicationTimeout = 2 * time.Second
	DefaultDeliveryQueueSize = 64
)

// Operation names used in errors and metrics.
const (
	OpInitialize      = "initialize"
	OpDeinitialize    = "deinitialize"
	OpRegisterSensor  = "register_sensor"
	OpMakeRequest     = "make_request"
	OpDiscover        = "discover"
	OpQueryAttributes = "query_attributes"
)

// Bridge turns the asynchronous sensor transport into blocking calls and
// fans unsolicited sensor events out to one callback.
//
// One mutex guards the wait slot, the registry, the handle pool and the
// callback binding. Public operations must not be called concurrently with
// each other; a second blocking call while one is waiting fails with
// contracts.ErrInvalidArgument.
type Bridge struct {
	transport messaging.Transport

	mu          sync.Mutex
	initialized bool
	wait        pendingWait
	registry    *registry.Registry
	pool        *handles.Pool
	callback    contracts.IndicationCallback
	queue       *messaging.DeliveryQueue
	calibration *calibrationSet

	logger            *slog.Logger
	metrics           messaging.MetricsCollector
	breaker           *reliability.CircuitBreaker
	readyTimeout      time.Duration
	responseTimeout   time.Duration
	indicationTimeout time.Duration
	queueSize         int
	defaultOnly       bool
	waitFirstSample   bool
	calibrationTypes  []string
}

// Option configures the Bridge
type Option func(*Bridge)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics messaging.MetricsCollector) Option {
	return func(b *Bridge) {
		b.metrics = metrics
	}
}

// WithCircuitBreaker sets the breaker that gates channel opens
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(b *Bridge) {
		b.breaker = cb
	}
}

// WithReadyTimeout bounds the readiness wait in Initialize when the caller
// passes a zero timeout, and each channel open.
func WithReadyTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.readyTimeout = timeout
	}
}

// WithResponseTimeout bounds each transport send
func WithResponseTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.responseTimeout = timeout
	}
}

// WithIndicationTimeout bounds every synchronous wait
func WithIndicationTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.indicationTimeout = timeout
	}
}

// WithDeliveryQueueSize sets how many deliveries may be buffered ahead of routing
func WithDeliveryQueueSize(size int) Option {
	return func(b *Bridge) {
		b.queueSize = size
	}
}

// WithDefaultOnlyDiscovery asks the lookup service for default sensors only
func WithDefaultOnlyDiscovery(defaultOnly bool) Option {
	return func(b *Bridge) {
		b.defaultOnly = defaultOnly
	}
}

// WithFirstSampleWait makes enabling requests wait for the first sample.
// A missing sample is logged, not returned.
func WithFirstSampleWait(wait bool) Option {
	return func(b *Bridge) {
		b.waitFirstSample = wait
	}
}

// WithCalibrationSensors enables the given calibration data types during
// Initialize and keeps their latest sample.
func WithCalibrationSensors(dataTypes ...string) Option {
	return func(b *Bridge) {
		b.calibrationTypes = append([]string(nil), dataTypes...)
	}
}

// NewBridge creates a bridge over transport. Nothing is opened until Initialize.
func NewBridge(transport messaging.Transport, opts ...Option) (*Bridge, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", contracts.ErrInvalidArgument)
	}

	b := &Bridge{
		transport:         transport,
		registry:          registry.New(),
		logger:            slog.Default(),
		metrics:           &messaging.NoOpMetricsCollector{},
		readyTimeout:      DefaultReadyTimeout,
		responseTimeout:   DefaultResponseTimeout,
		indicationTimeout: DefaultIndicationTimeout,
		queueSize:         DefaultDeliveryQueueSize,
	}

	for _, opt := range opts {
		opt(b)
	}

	poolOpts := []handles.Option{
		handles.WithLogger(b.logger),
		handles.WithOpenTimeout(b.readyTimeout),
	}
	if b.breaker != nil {
		poolOpts = append(poolOpts, handles.WithCircuitBreaker(b.breaker))
	}
	b.pool = handles.New(transport, poolOpts...)
	b.calibration = newCalibrationSet(b.calibrationTypes)

	return b, nil
}

// Initialize waits up to timeout for the transport, opens the default
// channel and binds cb to all future sensor events. A zero timeout uses the
// configured ready timeout.
func (b *Bridge) Initialize(ctx context.Context, cb contracts.IndicationCallback, timeout time.Duration) (err error) {
	start := time.Now()
	defer func() { b.observe(OpInitialize, start, err) }()

	b.mu.Lock()
	already := b.initialized
	b.mu.Unlock()
	if already {
		return contracts.NewBridgeError(OpInitialize, contracts.SUID{},
			fmt.Errorf("%w: already initialized", contracts.ErrInvalidArgument))
	}

	if timeout <= 0 {
		timeout = b.readyTimeout
	}
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.transport.Connect(readyCtx); err != nil {
		return contracts.NewBridgeError(OpInitialize, contracts.SUID{},
			fmt.Errorf("%w: not ready within %v: %w", contracts.ErrTransportUnavailable, timeout, err))
	}

	queue := messaging.NewDeliveryQueue(b.queueSize, messaging.WithQueueLogger(b.logger))
	queue.Start(b.route)

	handle, err := b.pool.Open(ctx, queue.DeliveryFunc())
	if err != nil {
		queue.Stop()
		return contracts.NewBridgeError(OpInitialize, contracts.SUID{}, err)
	}

	b.mu.Lock()
	if b.initialized {
		b.mu.Unlock()
		queue.Stop()
		_ = b.pool.Close([]messaging.Handle{handle})
		return contracts.NewBridgeError(OpInitialize, contracts.SUID{},
			fmt.Errorf("%w: already initialized", contracts.ErrInvalidArgument))
	}
	b.pool.Add(handle)
	b.queue = queue
	b.callback = cb
	b.initialized = true
	count := b.pool.Len()
	b.mu.Unlock()

	b.metrics.SetOpenHandles(count)
	b.logger.Info("sensor bridge initialized", "handle", handle.ID())

	b.enableCalibration(ctx)
	return nil
}

// Deinitialize closes every channel, clears the registry and unbinds the
// callback. It fails while a synchronous wait is outstanding and is a no-op
// when not initialized. It must not be called from the callback.
func (b *Bridge) Deinitialize() (err error) {
	start := time.Now()
	defer func() { b.observe(OpDeinitialize, start, err) }()

	b.mu.Lock()
	if b.wait.active() {
		target := b.wait.target
		b.mu.Unlock()
		return contracts.NewBridgeError(OpDeinitialize, target.suid,
			fmt.Errorf("%w: synchronous wait outstanding", contracts.ErrInvalidArgument))
	}
	if !b.initialized {
		b.mu.Unlock()
		return nil
	}
	drained := b.pool.Drain()
	b.registry.Clear()
	b.calibration.reset()
	b.callback = nil
	b.initialized = false
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()

	closeErr := b.pool.Close(drained)
	queue.Stop()
	b.metrics.SetOpenHandles(0)
	b.logger.Info("sensor bridge deinitialized", "closedHandles", len(drained))

	if closeErr != nil {
		return contracts.NewBridgeError(OpDeinitialize, contracts.SUID{}, closeErr)
	}
	return nil
}

// RegisterSensor binds (sensorType, suid) to a channel so its events reach
// the callback. A SUID already registered under other types gets the next
// channel in the pool, opening one if needed. already is true when the pair
// was registered before; nothing changes in that case.
func (b *Bridge) RegisterSensor(ctx context.Context, sensorType contracts.SensorType, suid contracts.SUID) (already bool, err error) {
	start := time.Now()
	defer func() { b.observe(OpRegisterSensor, start, err) }()

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return false, contracts.NewBridgeError(OpRegisterSensor, suid, contracts.ErrNotInitialized)
	}
	outcome, err := b.commitRegistration(sensorType, suid, nil)
	if outcome != needsChannel || err != nil {
		b.mu.Unlock()
		if err != nil {
			return false, contracts.NewBridgeError(OpRegisterSensor, suid, err)
		}
		return outcome == alreadyRegistered, nil
	}
	deliver := b.queue.DeliveryFunc()
	b.mu.Unlock()

	// Unlocked: an open may wait on the transport's delivery goroutines,
	// and those take the mutex to route.
	handle, err := b.pool.Open(ctx, deliver)
	if err != nil {
		return false, contracts.NewBridgeError(OpRegisterSensor, suid, err)
	}

	b.mu.Lock()
	if b.initialized {
		outcome, err = b.commitRegistration(sensorType, suid, handle)
	} else {
		outcome, err = needsChannel, contracts.ErrNotInitialized
	}
	count := b.pool.Len()
	b.mu.Unlock()

	if outcome != registeredOnOpened {
		_ = b.pool.Close([]messaging.Handle{handle})
	}
	if err != nil {
		return false, contracts.NewBridgeError(OpRegisterSensor, suid, err)
	}
	b.metrics.SetOpenHandles(count)
	return outcome == alreadyRegistered, nil
}

type registerOutcome int

const (
	needsChannel registerOutcome = iota
	alreadyRegistered
	registered
	registeredOnOpened
)

// commitRegistration applies the registration with the handles at hand.
// opened is a freshly opened channel for when the plan needs one past the
// end of the pool; without it that case reports needsChannel. Must hold mu.
func (b *Bridge) commitRegistration(sensorType contracts.SensorType, suid contracts.SUID, opened messaging.Handle) (registerOutcome, error) {
	slot, already, err := b.registry.Plan(suid, sensorType)
	if err != nil {
		return needsChannel, err
	}
	if already {
		return alreadyRegistered, nil
	}

	handle, needOpen, err := b.pool.Select(slot)
	if err != nil {
		return needsChannel, err
	}
	outcome := registered
	if needOpen {
		if opened == nil {
			return needsChannel, nil
		}
		b.pool.Add(opened)
		handle = opened
		outcome = registeredOnOpened
	}

	b.registry.Add(suid, sensorType, handle)
	b.logger.Debug("sensor registered",
		"suid", suid.String(),
		"sensorType", sensorType.String(),
		"handle", handle.ID(),
		"slot", slot)
	return outcome, nil
}

// MakeRequest sends the enable, on-change or disable message for req to the
// SUID registered under req.SensorType. Disables never wait. Enables wait for
// the first sample only when configured to, and a missing sample is logged
// rather than returned.
func (b *Bridge) MakeRequest(ctx context.Context, req contracts.SensorRequest) (err error) {
	start := time.Now()
	defer func() { b.observe(OpMakeRequest, start, err) }()

	b.mu.Lock()
	if !b.initialized {
		b.mu.Unlock()
		return contracts.NewBridgeError(OpMakeRequest, contracts.SUID{}, contracts.ErrNotInitialized)
	}
	entry, ok := b.registry.FindByType(req.SensorType)
	b.mu.Unlock()
	if !ok {
		return contracts.NewBridgeError(OpMakeRequest, contracts.SUID{},
			fmt.Errorf("%w: no sensor registered as %s", contracts.ErrInvalidArgument, req.SensorType))
	}

	msg, err := serialization.NewSensorRequest(entry.SUID, req)
	if err != nil {
		return contracts.NewBridgeError(OpMakeRequest, entry.SUID, err)
	}

	if !req.Enable || !b.waitFirstSample {
		if err := b.send(ctx, entry.Handle, msg); err != nil {
			return contracts.NewBridgeError(OpMakeRequest, entry.SUID, err)
		}
		return nil
	}

	_, err = b.exchange(ctx, entry.Handle, msg, waitTarget{suid: entry.SUID, event: serialization.EventSensor})
	if errors.Is(err, contracts.ErrTimeout) {
		b.logger.Warn("no sample after enable",
			"suid", entry.SUID.String(),
			"sensorType", req.SensorType.String(),
			"timeout", b.indicationTimeout)
		return nil
	}
	if err != nil {
		return contracts.NewBridgeError(OpMakeRequest, entry.SUID, err)
	}
	return nil
}

// Discover asks the lookup service for every sensor of dataType. An empty,
// non-nil slice means the lookup answered with no sensors.
func (b *Bridge) Discover(ctx context.Context, dataType string) (suids []contracts.SUID, err error) {
	start := time.Now()
	defer func() { b.observe(OpDiscover, start, err) }()

	handle, err := b.defaultHandle()
	if err != nil {
		return nil, contracts.NewBridgeError(OpDiscover, contracts.SUIDLookup, err)
	}

	msg, err := serialization.NewSUIDLookupRequest(dataType, b.defaultOnly)
	if err != nil {
		return nil, contracts.NewBridgeError(OpDiscover, contracts.SUIDLookup, err)
	}

	res, err := b.exchange(ctx, handle, msg, waitTarget{
		suid:     contracts.SUIDLookup,
		event:    serialization.EventSUID,
		dataType: dataType,
	})
	if err != nil {
		return nil, contracts.NewBridgeError(OpDiscover, contracts.SUIDLookup, err)
	}

	payload, err := serialization.DecodeSUIDEvent(res.payload)
	if err != nil {
		return nil, contracts.NewBridgeError(OpDiscover, contracts.SUIDLookup, err)
	}

	suids = make([]contracts.SUID, len(payload.SUIDs))
	copy(suids, payload.SUIDs)
	b.logger.Debug("discovery complete", "dataType", dataType, "found", len(suids))
	return suids, nil
}

// QueryAttributes fetches the attribute snapshot of suid.
func (b *Bridge) QueryAttributes(ctx context.Context, suid contracts.SUID) (attrs contracts.Attributes, err error) {
	start := time.Now()
	defer func() { b.observe(OpQueryAttributes, start, err) }()

	handle, err := b.defaultHandle()
	if err != nil {
		return contracts.Attributes{}, contracts.NewBridgeError(OpQueryAttributes, suid, err)
	}

	res, err := b.exchange(ctx, handle, serialization.NewAttributesRequest(suid),
		waitTarget{suid: suid, event: serialization.EventAttributes})
	if err != nil {
		return contracts.Attributes{}, contracts.NewBridgeError(OpQueryAttributes, suid, err)
	}

	attrs, err = serialization.DecodeAttributes(res.payload)
	if err != nil {
		return contracts.Attributes{}, contracts.NewBridgeError(OpQueryAttributes, suid, err)
	}
	return attrs, nil
}

func (b *Bridge) defaultHandle() (messaging.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, contracts.ErrNotInitialized
	}
	return b.pool.Default(), nil
}

// exchange arms the wait slot, sends msg and blocks until the target
// indication arrives or the indication timeout passes. The slot is armed
// before the send so a fast reply cannot be missed, and always disarmed on
// return.
func (b *Bridge) exchange(ctx context.Context, handle messaging.Handle, msg *serialization.ClientRequest, target waitTarget) (waitResult, error) {
	target.handleID = handle.ID()
	b.mu.Lock()
	gen, done, err := b.wait.arm(target)
	b.mu.Unlock()
	if err != nil {
		return waitResult{}, err
	}
	defer func() {
		b.mu.Lock()
		b.wait.disarm(gen)
		b.mu.Unlock()
	}()

	if err := b.send(ctx, handle, msg); err != nil {
		return waitResult{}, err
	}

	timer := time.NewTimer(b.indicationTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return waitResult{}, ctx.Err()
	}

	b.mu.Lock()
	res, ok := b.wait.take(gen)
	b.mu.Unlock()
	if !ok {
		return waitResult{}, fmt.Errorf("%w: no %s within %v", contracts.ErrTimeout, target, b.indicationTimeout)
	}
	return res, res.err
}

// send encodes msg and hands it to the transport within the response timeout.
func (b *Bridge) send(ctx context.Context, handle messaging.Handle, msg *serialization.ClientRequest) error {
	payload, err := serialization.EncodeRequest(msg)
	if err != nil {
		return err
	}

	sendCtx, cancel := context.WithTimeout(ctx, b.responseTimeout)
	defer cancel()

	err = b.transport.Send(sendCtx, handle, serialization.MsgIDClientRequest, payload)
	b.metrics.RecordSend(serialization.MsgIDClientRequest, err == nil)
	if err != nil {
		return fmt.Errorf("%w: %w", contracts.ErrSendFailed, err)
	}
	return nil
}

func (b *Bridge) observe(op string, start time.Time, err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, contracts.ErrTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	b.metrics.RecordRequest(op, time.Since(start), result)
}

// Registration describes one registered (SUID, SensorType) pair.
type Registration struct {
	SUID       contracts.SUID
	SensorType contracts.SensorType
	HandleID   string
}

// Registrations returns the registered pairs in registration order.
func (b *Bridge) Registrations() []Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.registry.Entries()
	out := make([]Registration, len(entries))
	for i, e := range entries {
		out[i] = Registration{SUID: e.SUID, SensorType: e.SensorType, HandleID: e.Handle.ID()}
	}
	return out
}

// HandleCount returns the number of open channels
func (b *Bridge) HandleCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool.Len()
}

// Initialized reports whether Initialize has succeeded without a later Deinitialize
func (b *Bridge) Initialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

// CircuitState reports the state of the channel-open breaker
func (b *Bridge) CircuitState() string {
	return b.pool.BreakerState().String()
}
