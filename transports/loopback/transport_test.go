package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

type inbox struct {
	ch chan *serialization.Header
}

func newInbox() *inbox {
	return &inbox{ch: make(chan *serialization.Header, 64)}
}

func (i *inbox) deliver(h messaging.Handle, msgID uint32, payload []byte) {
	hdr, err := serialization.DecodeHeader(payload)
	if err != nil {
		panic(err)
	}
	i.ch <- hdr
}

func (i *inbox) next(t *testing.T) *serialization.Header {
	t.Helper()
	select {
	case hdr := <-i.ch:
		return hdr
	case <-time.After(time.Second):
		t.Fatal("no indication")
		return nil
	}
}

func openChannel(t *testing.T, tr *Transport) (messaging.Handle, *inbox) {
	t.Helper()
	require.NoError(t, tr.Connect(context.Background()))
	in := newInbox()
	h, err := tr.Open(context.Background(), in.deliver)
	require.NoError(t, err)
	return h, in
}

func send(t *testing.T, tr *Transport, h messaging.Handle, req *serialization.ClientRequest) {
	t.Helper()
	payload, err := serialization.EncodeRequest(req)
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), h, serialization.MsgIDClientRequest, payload))
}

func TestTransportLifecycle(t *testing.T) {
	t.Run("Open before Connect fails", func(t *testing.T) {
		tr := New()
		_, err := tr.Open(context.Background(), func(messaging.Handle, uint32, []byte) {})
		assert.Error(t, err)
	})

	t.Run("Connect honours the ready delay", func(t *testing.T) {
		tr := New(WithReadyDelay(time.Hour))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := tr.Connect(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, tr.IsConnected())
	})

	t.Run("Handles get distinct ids and close idempotently", func(t *testing.T) {
		tr := New()
		h1, _ := openChannel(t, tr)
		h2, _ := openChannel(t, tr)
		assert.NotEqual(t, h1.ID(), h2.ID())
		assert.Equal(t, 2, tr.OpenChannels())

		require.NoError(t, tr.CloseHandle(h1))
		require.NoError(t, tr.CloseHandle(h1))
		assert.Equal(t, 1, tr.OpenChannels())

		payload, err := serialization.EncodeRequest(serialization.NewAttributesRequest(contracts.SUID{}))
		require.NoError(t, err)
		err = tr.Send(context.Background(), h1, serialization.MsgIDClientRequest, payload)
		assert.ErrorIs(t, err, ErrUnknownHandle)

		require.NoError(t, tr.Close())
		assert.Equal(t, 0, tr.OpenChannels())
		assert.False(t, tr.IsConnected())
	})
}

func TestTransportService(t *testing.T) {
	catalog := DefaultCatalog()
	accel := catalog[0]

	t.Run("Lookup answers with matching SUIDs", func(t *testing.T) {
		tr := New()
		defer tr.Close()
		h, in := openChannel(t, tr)

		req, err := serialization.NewSUIDLookupRequest("accel", false)
		require.NoError(t, err)
		send(t, tr, h, req)

		hdr := in.next(t)
		assert.Equal(t, contracts.SUIDLookup, hdr.SUID)
		require.Len(t, hdr.Events, 1)
		p, err := serialization.DecodeSUIDEvent(hdr.Events[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, "accel", p.DataType)
		assert.Equal(t, []contracts.SUID{accel.SUID}, p.SUIDs)
	})

	t.Run("Unknown data type yields an empty answer", func(t *testing.T) {
		tr := New()
		defer tr.Close()
		h, in := openChannel(t, tr)

		req, err := serialization.NewSUIDLookupRequest("humidity", false)
		require.NoError(t, err)
		send(t, tr, h, req)

		p, err := serialization.DecodeSUIDEvent(in.next(t).Events[0].Payload)
		require.NoError(t, err)
		assert.Empty(t, p.SUIDs)
	})

	t.Run("Attributes for an unknown SUID produce an error event", func(t *testing.T) {
		tr := New()
		defer tr.Close()
		h, in := openChannel(t, tr)

		send(t, tr, h, serialization.NewAttributesRequest(contracts.SUID{Low: 99}))
		hdr := in.next(t)
		require.Len(t, hdr.Events, 1)
		assert.Equal(t, serialization.EventError, hdr.Events[0].MsgID)
		e, err := serialization.DecodeError(hdr.Events[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, ErrorCodeUnknownSensor, e.Code)
	})

	t.Run("Stream runs until disabled", func(t *testing.T) {
		tr := New()
		defer tr.Close()
		h, in := openChannel(t, tr)

		req, err := serialization.NewSensorRequest(accel.SUID, contracts.SensorRequest{Enable: true, SamplingRateHz: 200})
		require.NoError(t, err)
		send(t, tr, h, req)

		for i := 0; i < 3; i++ {
			hdr := in.next(t)
			assert.Equal(t, accel.SUID, hdr.SUID)
			assert.Equal(t, serialization.EventSensor, hdr.Events[0].MsgID)
		}

		disable, err := serialization.NewSensorRequest(accel.SUID, contracts.SensorRequest{})
		require.NoError(t, err)
		send(t, tr, h, disable)

		time.Sleep(30 * time.Millisecond)
		for len(in.ch) > 0 {
			<-in.ch
		}
		select {
		case <-in.ch:
			t.Fatal("stream still running after disable")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("On-change enable reports once", func(t *testing.T) {
		tr := New()
		defer tr.Close()
		h, in := openChannel(t, tr)
		prox := catalog[5]

		req, err := serialization.NewSensorRequest(prox.SUID, contracts.SensorRequest{Enable: true})
		require.NoError(t, err)
		send(t, tr, h, req)

		sample, err := serialization.DecodeSensorSample(in.next(t).Events[0].Payload)
		require.NoError(t, err)
		assert.Equal(t, []float32{5}, sample.Data)
	})

	t.Run("Unsupported message id is rejected", func(t *testing.T) {
		tr := New()
		defer tr.Close()
		h, _ := openChannel(t, tr)
		assert.Error(t, tr.Send(context.Background(), h, 0x7, nil))
	})
}
