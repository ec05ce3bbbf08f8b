package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

type fakeHandle struct {
	id string
}

func (h *fakeHandle) ID() string { return h.id }

type sentRequest struct {
	handle string
	req    *serialization.ClientRequest
}

// fakeTransport records what the bridge sends and lets a test script the
// service side through respond, which runs on its own goroutine per send.
type fakeTransport struct {
	mu       sync.Mutex
	next     int
	delivers map[string]messaging.DeliveryFunc
	sent     []sentRequest
	closed   map[string]int

	connectErr error
	openErr    error
	sendErr    error
	respond    func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		delivers: make(map[string]messaging.DeliveryFunc),
		closed:   make(map[string]int),
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectErr
}

func (f *fakeTransport) Open(ctx context.Context, deliver messaging.DeliveryFunc) (messaging.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	h := &fakeHandle{id: fmt.Sprintf("h%d", f.next)}
	f.next++
	f.delivers[h.id] = deliver
	return h, nil
}

func (f *fakeTransport) Send(ctx context.Context, handle messaging.Handle, msgID uint32, payload []byte) error {
	req, err := serialization.DecodeRequest(payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	f.sent = append(f.sent, sentRequest{handle: handle.ID(), req: req})
	respond := f.respond
	f.mu.Unlock()

	if respond != nil {
		go respond(f, handle, req)
	}
	return nil
}

func (f *fakeTransport) CloseHandle(handle messaging.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[handle.ID()]++
	delete(f.delivers, handle.ID())
	return nil
}

func (f *fakeTransport) Close() error {
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	return true
}

func (f *fakeTransport) setRespond(fn func(f *fakeTransport, h messaging.Handle, req *serialization.ClientRequest)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

func (f *fakeTransport) setSendErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func (f *fakeTransport) sentRequests() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeTransport) closeCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[id]
}

func (f *fakeTransport) deliverRaw(handleID string, msgID uint32, payload []byte) {
	f.mu.Lock()
	deliver := f.delivers[handleID]
	f.mu.Unlock()
	if deliver != nil {
		deliver(&fakeHandle{id: handleID}, msgID, payload)
	}
}

func (f *fakeTransport) indicate(handleID string, suid contracts.SUID, events ...serialization.IndicationEvent) {
	payload, err := serialization.EncodeIndication(&serialization.Indication{SUID: suid, Events: events})
	if err != nil {
		panic(err)
	}
	f.deliverRaw(handleID, serialization.MsgIDReportIndication, payload)
}

func must(ev serialization.IndicationEvent, err error) serialization.IndicationEvent {
	if err != nil {
		panic(err)
	}
	return ev
}

func suidEvent(dataType string, suids ...contracts.SUID) serialization.IndicationEvent {
	return must(serialization.NewSUIDEvent(1, dataType, suids))
}

func sampleEvent(ts uint64, data ...float32) serialization.IndicationEvent {
	return must(serialization.NewSensorEvent(ts, contracts.SampleStatusAccuracyHigh, data))
}

// recorder collects callback invocations.
type recorder struct {
	ch chan received
}

type received struct {
	sensorType contracts.SensorType
	event      *contracts.SensorEvent
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan received, 256)}
}

func (r *recorder) callback(sensorType contracts.SensorType, event *contracts.SensorEvent) {
	r.ch <- received{sensorType: sensorType, event: event}
}
