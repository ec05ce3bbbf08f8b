package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

var (
	suidS1 = contracts.SUID{Low: 0x1111, High: 0x01}
	suidS2 = contracts.SUID{Low: 0x2222, High: 0x02}
)

func newTestBridge(t *testing.T, tr *fakeTransport, opts ...Option) *Bridge {
	t.Helper()
	opts = append([]Option{
		WithIndicationTimeout(200 * time.Millisecond),
		WithResponseTimeout(100 * time.Millisecond),
	}, opts...)
	b, err := NewBridge(tr, opts...)
	require.NoError(t, err)
	return b
}

func initBridge(t *testing.T, tr *fakeTransport, rec *recorder, opts ...Option) *Bridge {
	t.Helper()
	b := newTestBridge(t, tr, opts...)
	var cb contracts.IndicationCallback
	if rec != nil {
		cb = rec.callback
	}
	require.NoError(t, b.Initialize(context.Background(), cb, time.Second))
	t.Cleanup(func() { _ = b.Deinitialize() })
	return b
}

// answerDiscovery replies to every lookup with suids for its data type.
func answerDiscovery(answers map[string][]contracts.SUID) func(*fakeTransport, messaging.Handle, *serialization.ClientRequest) {
	return func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
		if req.MsgID != serialization.RequestSUIDLookup {
			return
		}
		p, err := serialization.DecodeSUIDRequest(req)
		if err != nil {
			return
		}
		suids, ok := answers[p.DataType]
		if !ok {
			return
		}
		f.indicate(h.ID(), contracts.SUIDLookup, suidEvent(p.DataType, suids...))
	}
}

func awaitArmed(t *testing.T, b *Bridge) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.wait.phase == waitArmed
	}, time.Second, time.Millisecond)
}

func TestNewBridge(t *testing.T) {
	t.Run("NewBridge fails with nil transport", func(t *testing.T) {
		b, err := NewBridge(nil)
		assert.Nil(t, b)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
	})

	t.Run("NewBridge applies options", func(t *testing.T) {
		b, err := NewBridge(newFakeTransport(),
			WithReadyTimeout(time.Second),
			WithResponseTimeout(2*time.Second),
			WithIndicationTimeout(3*time.Second),
			WithDeliveryQueueSize(8),
			WithDefaultOnlyDiscovery(true),
			WithFirstSampleWait(true),
			WithCalibrationSensors("mag_cal"),
		)
		require.NoError(t, err)
		assert.Equal(t, time.Second, b.readyTimeout)
		assert.Equal(t, 2*time.Second, b.responseTimeout)
		assert.Equal(t, 3*time.Second, b.indicationTimeout)
		assert.Equal(t, 8, b.queueSize)
		assert.True(t, b.defaultOnly)
		assert.True(t, b.waitFirstSample)
		assert.Equal(t, []string{"mag_cal"}, b.calibration.dataTypes)
		assert.False(t, b.Initialized())
		assert.Equal(t, 0, b.HandleCount())
	})
}

func TestInitialize(t *testing.T) {
	t.Run("Initialize opens the default handle", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, newRecorder())

		assert.True(t, b.Initialized())
		assert.Equal(t, 1, b.HandleCount())
		assert.Equal(t, "closed", b.CircuitState())
	})

	t.Run("Initialize fails when the transport is not ready", func(t *testing.T) {
		tr := newFakeTransport()
		tr.connectErr = errors.New("service not up")
		b := newTestBridge(t, tr)

		err := b.Initialize(context.Background(), nil, 50*time.Millisecond)
		assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)
		assert.False(t, b.Initialized())
		assert.Equal(t, 0, b.HandleCount())
	})

	t.Run("Initialize fails when the channel cannot be opened", func(t *testing.T) {
		tr := newFakeTransport()
		tr.openErr = errors.New("no channels")
		b := newTestBridge(t, tr)

		err := b.Initialize(context.Background(), nil, time.Second)
		assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)

		var bridgeErr *contracts.BridgeError
		require.ErrorAs(t, err, &bridgeErr)
		assert.Equal(t, OpInitialize, bridgeErr.Op)
		assert.False(t, b.Initialized())
	})

	t.Run("Initialize twice is rejected", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		err := b.Initialize(context.Background(), nil, time.Second)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
		assert.Equal(t, 1, b.HandleCount())
	})

	t.Run("Operations before Initialize fail", func(t *testing.T) {
		b := newTestBridge(t, newFakeTransport())
		ctx := context.Background()

		_, err := b.Discover(ctx, "accel")
		assert.ErrorIs(t, err, contracts.ErrNotInitialized)

		_, err = b.QueryAttributes(ctx, suidS1)
		assert.ErrorIs(t, err, contracts.ErrNotInitialized)

		_, err = b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		assert.ErrorIs(t, err, contracts.ErrNotInitialized)

		err = b.MakeRequest(ctx, contracts.SensorRequest{SensorType: contracts.SensorTypeAccelerometer})
		assert.ErrorIs(t, err, contracts.ErrNotInitialized)

		assert.NoError(t, b.Deinitialize())
	})
}

func TestDiscover(t *testing.T) {
	t.Run("Discover returns the SUIDs of the data type", func(t *testing.T) {
		tr := newFakeTransport()
		tr.setRespond(answerDiscovery(map[string][]contracts.SUID{"accel": {suidS1, suidS2}}))
		b := initBridge(t, tr, nil, WithDefaultOnlyDiscovery(true))

		suids, err := b.Discover(context.Background(), "accel")
		require.NoError(t, err)
		assert.Equal(t, []contracts.SUID{suidS1, suidS2}, suids)

		sent := tr.sentRequests()
		require.Len(t, sent, 1)
		assert.Equal(t, contracts.SUIDLookup, sent[0].req.SUID)
		p, err := serialization.DecodeSUIDRequest(sent[0].req)
		require.NoError(t, err)
		assert.Equal(t, "accel", p.DataType)
		assert.True(t, p.DefaultOnly)
	})

	t.Run("Discover with no matches returns an empty result", func(t *testing.T) {
		tr := newFakeTransport()
		tr.setRespond(answerDiscovery(map[string][]contracts.SUID{"pressure": nil}))
		b := initBridge(t, tr, nil)

		suids, err := b.Discover(context.Background(), "pressure")
		require.NoError(t, err)
		assert.NotNil(t, suids)
		assert.Empty(t, suids)
	})

	t.Run("Discover times out then succeeds on the next call", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		_, err := b.Discover(context.Background(), "accel")
		assert.ErrorIs(t, err, contracts.ErrTimeout)

		tr.setRespond(answerDiscovery(map[string][]contracts.SUID{"accel": {suidS1}}))
		suids, err := b.Discover(context.Background(), "accel")
		require.NoError(t, err)
		assert.Equal(t, []contracts.SUID{suidS1}, suids)
	})

	t.Run("Discover ignores answers for another data type", func(t *testing.T) {
		tr := newFakeTransport()
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			f.indicate(h.ID(), contracts.SUIDLookup, suidEvent("gyro", suidS2))
		})
		b := initBridge(t, tr, nil)

		_, err := b.Discover(context.Background(), "accel")
		assert.ErrorIs(t, err, contracts.ErrTimeout)
	})

	t.Run("Discover rejects an empty data type without sending", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		_, err := b.Discover(context.Background(), "")
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
		assert.Empty(t, tr.sentRequests())
	})

	t.Run("Send failure surfaces and leaves the bridge idle", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)
		tr.setSendErr(errors.New("broken pipe"))

		_, err := b.Discover(context.Background(), "accel")
		assert.ErrorIs(t, err, contracts.ErrSendFailed)

		tr.setSendErr(nil)
		tr.setRespond(answerDiscovery(map[string][]contracts.SUID{"accel": {suidS1}}))
		_, err = b.Discover(context.Background(), "accel")
		assert.NoError(t, err)
	})

	t.Run("Cancelled context ends the wait", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil, WithIndicationTimeout(time.Minute))
		ctx, cancel := context.WithCancel(context.Background())

		go func() {
			for {
				b.mu.Lock()
				armed := b.wait.phase == waitArmed
				b.mu.Unlock()
				if armed {
					cancel()
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()

		_, err := b.Discover(ctx, "accel")
		assert.ErrorIs(t, err, context.Canceled)
		b.mu.Lock()
		assert.Equal(t, waitIdle, b.wait.phase)
		b.mu.Unlock()
	})
}

func TestQueryAttributes(t *testing.T) {
	t.Run("QueryAttributes decodes the attribute event", func(t *testing.T) {
		tr := newFakeTransport()
		long := string(make([]byte, 100))
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			if req.MsgID != serialization.RequestAttributes {
				return
			}
			f.indicate(h.ID(), req.SUID, must(serialization.NewAttributesEvent(1, contracts.Attributes{
				Vendor:        "acme",
				Name:          long,
				Type:          "accel",
				MaxSampleRate: 400,
				StreamType:    contracts.StreamTypeStreaming,
			})))
		})
		b := initBridge(t, tr, nil)

		attrs, err := b.QueryAttributes(context.Background(), suidS1)
		require.NoError(t, err)
		assert.Equal(t, "acme", attrs.Vendor)
		assert.Equal(t, "accel", attrs.Type)
		assert.Len(t, attrs.Name, contracts.MaxAttributeLen)
		assert.Equal(t, float32(400), attrs.MaxSampleRate)
		assert.Equal(t, suidS1, tr.sentRequests()[0].req.SUID)
	})

	t.Run("Attributes for another SUID do not satisfy the wait", func(t *testing.T) {
		tr := newFakeTransport()
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			f.indicate(h.ID(), suidS2, must(serialization.NewAttributesEvent(1, contracts.Attributes{Name: "other"})))
		})
		b := initBridge(t, tr, nil)

		_, err := b.QueryAttributes(context.Background(), suidS1)
		assert.ErrorIs(t, err, contracts.ErrTimeout)
	})

	t.Run("Late answer to a timed out call does not satisfy the next one", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		_, err := b.Discover(context.Background(), "accel")
		require.ErrorIs(t, err, contracts.ErrTimeout)

		// The stale lookup answer arrives while the attribute query waits.
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			f.indicate(h.ID(), contracts.SUIDLookup, suidEvent("accel", suidS1))
			time.Sleep(20 * time.Millisecond)
			f.indicate(h.ID(), req.SUID, must(serialization.NewAttributesEvent(1, contracts.Attributes{Name: "fresh"})))
		})
		attrs, err := b.QueryAttributes(context.Background(), suidS2)
		require.NoError(t, err)
		assert.Equal(t, "fresh", attrs.Name)
	})
}

func TestSingleWaitSlot(t *testing.T) {
	t.Run("Second blocking call while waiting is rejected", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil, WithIndicationTimeout(500*time.Millisecond))

		done := make(chan error, 1)
		go func() {
			_, err := b.Discover(context.Background(), "accel")
			done <- err
		}()
		awaitArmed(t, b)

		_, err := b.QueryAttributes(context.Background(), suidS1)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)

		err = b.Deinitialize()
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
		assert.True(t, b.Initialized())

		tr.indicate("h0", contracts.SUIDLookup, suidEvent("accel", suidS1))
		assert.NoError(t, <-done)
	})

	t.Run("Duplicate answers satisfy the wait once", func(t *testing.T) {
		tr := newFakeTransport()
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			f.indicate(h.ID(), contracts.SUIDLookup,
				suidEvent("accel", suidS1),
				suidEvent("accel", suidS2))
		})
		b := initBridge(t, tr, nil)

		suids, err := b.Discover(context.Background(), "accel")
		require.NoError(t, err)
		assert.Equal(t, []contracts.SUID{suidS1}, suids)
	})
}

func TestRegisterSensor(t *testing.T) {
	t.Run("Unknown sensor type fails without side effects", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		_, err := b.RegisterSensor(context.Background(), contracts.SensorTypeUnknown, suidS1)
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
		assert.Empty(t, b.Registrations())
		assert.Equal(t, 1, b.HandleCount())
	})

	t.Run("Repeat registration reports already registered", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		already, err := b.RegisterSensor(context.Background(), contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)
		assert.False(t, already)

		already, err = b.RegisterSensor(context.Background(), contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)
		assert.True(t, already)
		assert.Len(t, b.Registrations(), 1)
		assert.Equal(t, 1, b.HandleCount())
	})

	t.Run("Same SUID under a second type gets its own handle", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)
		ctx := context.Background()

		_, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)
		_, err = b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		require.NoError(t, err)
		assert.Equal(t, 2, b.HandleCount())

		_, err = b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS2)
		require.NoError(t, err)
		assert.Equal(t, 2, b.HandleCount(), "a distinct SUID reuses the default handle")

		regs := b.Registrations()
		require.Len(t, regs, 3)
		assert.Equal(t, "h0", regs[0].HandleID)
		assert.Equal(t, "h1", regs[1].HandleID)
		assert.Equal(t, "h0", regs[2].HandleID)
	})

	t.Run("Failed open leaves the registry untouched", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)
		ctx := context.Background()

		_, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)

		tr.mu.Lock()
		tr.openErr = errors.New("channel limit")
		tr.mu.Unlock()

		_, err = b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		assert.ErrorIs(t, err, contracts.ErrTransportUnavailable)
		assert.Len(t, b.Registrations(), 1)
		assert.Equal(t, 1, b.HandleCount())
	})
}

func TestRouting(t *testing.T) {
	t.Run("Both registrations of one SUID route independently", func(t *testing.T) {
		tr := newFakeTransport()
		rec := newRecorder()
		b := initBridge(t, tr, rec)
		ctx := context.Background()

		_, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)
		_, err = b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		require.NoError(t, err)

		tr.indicate("h0", suidS1, sampleEvent(10, 1, 2, 3))
		tr.indicate("h1", suidS1, sampleEvent(11, 4, 5, 6))

		first := <-rec.ch
		assert.Equal(t, contracts.SensorTypeAccelerometer, first.sensorType)
		assert.Equal(t, []float32{1, 2, 3}, first.event.Samples)
		assert.Equal(t, uint64(10), first.event.Timestamp)
		assert.Equal(t, suidS1, first.event.SUID)

		second := <-rec.ch
		assert.Equal(t, contracts.SensorTypeGyroscope, second.sensorType)
		assert.Equal(t, []float32{4, 5, 6}, second.event.Samples)
	})

	t.Run("Events keep transport order", func(t *testing.T) {
		tr := newFakeTransport()
		rec := newRecorder()
		b := initBridge(t, tr, rec)
		_, err := b.RegisterSensor(context.Background(), contracts.SensorTypeLight, suidS1)
		require.NoError(t, err)

		for i := 0; i < 100; i++ {
			tr.indicate("h0", suidS1, sampleEvent(uint64(i), float32(i)))
		}
		for i := 0; i < 100; i++ {
			got := <-rec.ch
			assert.Equal(t, uint64(i), got.event.Timestamp)
		}
	})

	t.Run("Unregistered and foreign messages are dropped", func(t *testing.T) {
		tr := newFakeTransport()
		rec := newRecorder()
		b := initBridge(t, tr, rec)
		_, err := b.RegisterSensor(context.Background(), contracts.SensorTypeLight, suidS1)
		require.NoError(t, err)

		tr.indicate("h0", suidS2, sampleEvent(1, 1))
		tr.deliverRaw("h0", 0x99, []byte{0x01})
		tr.deliverRaw("h0", serialization.MsgIDReportIndication, []byte{0xff, 0x00})
		tr.deliverRaw("h0", serialization.MsgIDJumboReportIndication, mustIndication(suidS1, sampleEvent(7, 7)))

		got := <-rec.ch
		assert.Equal(t, uint64(7), got.event.Timestamp)
		select {
		case extra := <-rec.ch:
			t.Fatalf("unexpected callback: %+v", extra)
		case <-time.After(20 * time.Millisecond):
		}
	})
}

func mustIndication(suid contracts.SUID, events ...serialization.IndicationEvent) []byte {
	payload, err := serialization.EncodeIndication(&serialization.Indication{SUID: suid, Events: events})
	if err != nil {
		panic(err)
	}
	return payload
}

func TestMakeRequest(t *testing.T) {
	t.Run("Enable waits for the first sample and still invokes the callback", func(t *testing.T) {
		tr := newFakeTransport()
		rec := newRecorder()
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			if req.MsgID != serialization.RequestStreamConfig {
				return
			}
			time.Sleep(10 * time.Millisecond)
			f.indicate(h.ID(), req.SUID, sampleEvent(42, 0.1, 9.8, 0.2))
		})
		b := initBridge(t, tr, rec, WithFirstSampleWait(true))
		ctx := context.Background()

		_, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)

		err = b.MakeRequest(ctx, contracts.SensorRequest{
			SensorType:     contracts.SensorTypeAccelerometer,
			Enable:         true,
			SamplingRateHz: 50,
			BatchPeriodUs:  0,
		})
		require.NoError(t, err)

		got := <-rec.ch
		assert.Equal(t, contracts.SensorTypeAccelerometer, got.sensorType)
		assert.Equal(t, uint64(42), got.event.Timestamp)
		select {
		case extra := <-rec.ch:
			t.Fatalf("callback invoked twice: %+v", extra)
		case <-time.After(20 * time.Millisecond):
		}

		sent := tr.sentRequests()
		require.Len(t, sent, 1)
		assert.Equal(t, serialization.RequestStreamConfig, sent[0].req.MsgID)
		assert.True(t, sent[0].req.BatchValid)
		cfg, err := serialization.DecodeStreamConfig(sent[0].req)
		require.NoError(t, err)
		assert.Equal(t, float32(50), cfg.SampleRate)
	})

	t.Run("Missing first sample is a soft failure", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil, WithFirstSampleWait(true))
		ctx := context.Background()
		_, err := b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		require.NoError(t, err)

		err = b.MakeRequest(ctx, contracts.SensorRequest{SensorType: contracts.SensorTypeGyroscope, Enable: true, SamplingRateHz: 100})
		assert.NoError(t, err)
		assert.True(t, b.Initialized())
		assert.Len(t, tr.sentRequests(), 1)
	})

	t.Run("Disable is fire and forget", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil, WithFirstSampleWait(true), WithIndicationTimeout(time.Minute))
		ctx := context.Background()
		_, err := b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		require.NoError(t, err)

		start := time.Now()
		err = b.MakeRequest(ctx, contracts.SensorRequest{SensorType: contracts.SensorTypeGyroscope, BatchPeriodUs: 500})
		require.NoError(t, err)
		assert.Less(t, time.Since(start), time.Second)

		sent := tr.sentRequests()
		require.Len(t, sent, 1)
		assert.Equal(t, serialization.RequestDisable, sent[0].req.MsgID)
		assert.False(t, sent[0].req.BatchValid)
		assert.Equal(t, suidS1, sent[0].req.SUID)
	})

	t.Run("Zero rate enables on-change reporting", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)
		ctx := context.Background()
		_, err := b.RegisterSensor(ctx, contracts.SensorTypeProximity, suidS2)
		require.NoError(t, err)

		err = b.MakeRequest(ctx, contracts.SensorRequest{SensorType: contracts.SensorTypeProximity, Enable: true, BatchPeriodUs: 1000})
		require.NoError(t, err)

		sent := tr.sentRequests()
		require.Len(t, sent, 1)
		assert.Equal(t, serialization.RequestOnChangeConfig, sent[0].req.MsgID)
		assert.Equal(t, uint32(1000), sent[0].req.BatchPeriodUs)
	})

	t.Run("Request goes out on the registered handle", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)
		ctx := context.Background()
		_, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)
		_, err = b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		require.NoError(t, err)

		require.NoError(t, b.MakeRequest(ctx, contracts.SensorRequest{SensorType: contracts.SensorTypeGyroscope, Enable: true, SamplingRateHz: 25}))
		assert.Equal(t, "h1", tr.sentRequests()[0].handle)
	})

	t.Run("Unregistered sensor type is rejected", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)

		err := b.MakeRequest(context.Background(), contracts.SensorRequest{SensorType: contracts.SensorTypePressure, Enable: true})
		assert.ErrorIs(t, err, contracts.ErrInvalidArgument)
		assert.Empty(t, tr.sentRequests())
	})

	t.Run("Send failure is returned", func(t *testing.T) {
		tr := newFakeTransport()
		b := initBridge(t, tr, nil)
		_, err := b.RegisterSensor(context.Background(), contracts.SensorTypePressure, suidS1)
		require.NoError(t, err)
		tr.setSendErr(errors.New("closed"))

		err = b.MakeRequest(context.Background(), contracts.SensorRequest{SensorType: contracts.SensorTypePressure, Enable: true, SamplingRateHz: 1})
		assert.ErrorIs(t, err, contracts.ErrSendFailed)
	})
}

func TestDeinitialize(t *testing.T) {
	t.Run("Deinitialize closes handles and unbinds the callback", func(t *testing.T) {
		tr := newFakeTransport()
		var calls atomic.Int32
		b := newTestBridge(t, tr)
		require.NoError(t, b.Initialize(context.Background(), func(contracts.SensorType, *contracts.SensorEvent) {
			calls.Add(1)
		}, time.Second))
		ctx := context.Background()
		_, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suidS1)
		require.NoError(t, err)
		_, err = b.RegisterSensor(ctx, contracts.SensorTypeGyroscope, suidS1)
		require.NoError(t, err)

		require.NoError(t, b.Deinitialize())
		assert.False(t, b.Initialized())
		assert.Equal(t, 0, b.HandleCount())
		assert.Empty(t, b.Registrations())
		assert.Equal(t, 1, tr.closeCount("h0"))
		assert.Equal(t, 1, tr.closeCount("h1"))

		tr.indicate("h0", suidS1, sampleEvent(1, 1))
		assert.Equal(t, int32(0), calls.Load())

		assert.NoError(t, b.Deinitialize())
		assert.Equal(t, 1, tr.closeCount("h0"))
	})

	t.Run("Bridge can be initialized again", func(t *testing.T) {
		tr := newFakeTransport()
		b := newTestBridge(t, tr)
		require.NoError(t, b.Initialize(context.Background(), nil, time.Second))
		require.NoError(t, b.Deinitialize())

		rec := newRecorder()
		require.NoError(t, b.Initialize(context.Background(), rec.callback, time.Second))
		defer b.Deinitialize()

		_, err := b.RegisterSensor(context.Background(), contracts.SensorTypeLight, suidS2)
		require.NoError(t, err)
		tr.indicate("h1", suidS2, sampleEvent(5, 300))

		got := <-rec.ch
		assert.Equal(t, contracts.SensorTypeLight, got.sensorType)
	})
}

func TestCalibration(t *testing.T) {
	t.Run("Calibration sensors are enabled and their samples kept", func(t *testing.T) {
		calSUID := contracts.SUID{Low: 0xca1, High: 0xca1}
		tr := newFakeTransport()
		discover := answerDiscovery(map[string][]contracts.SUID{"mag_cal": {calSUID}})
		tr.setRespond(func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest) {
			switch req.MsgID {
			case serialization.RequestSUIDLookup:
				discover(f, h, req)
			case serialization.RequestOnChangeConfig:
				f.indicate(h.ID(), req.SUID, sampleEvent(99, 0.5, 0.25, 0.125))
			}
		})
		rec := newRecorder()
		b := initBridge(t, tr, rec, WithCalibrationSensors("mag_cal", "gyro_cal"))

		require.Eventually(t, func() bool {
			_, ok := b.LastCalibration("mag_cal")
			return ok
		}, time.Second, 5*time.Millisecond)

		ev, _ := b.LastCalibration("mag_cal")
		assert.Equal(t, []float32{0.5, 0.25, 0.125}, ev.Samples)
		assert.Equal(t, calSUID, ev.SUID)

		_, ok := b.LastCalibration("gyro_cal")
		assert.False(t, ok)
		assert.Empty(t, rec.ch)
	})
}
