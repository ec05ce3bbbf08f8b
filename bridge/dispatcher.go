package bridge

import (
	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/messaging"
	"github.com/glimte/sensorbridge/serialization"
)

// route is the single routing step behind the delivery queue. It runs on
// the queue goroutine, so callback invocations keep transport order.
//
// The wait slot and the registry are consulted independently: an event can
// satisfy a blocking call and still reach the callback, and a discovery
// answer satisfies its wait although the lookup SUID is never registered.
func (b *Bridge) route(d messaging.Delivery) {
	if !serialization.IsIndication(d.MsgID) {
		b.logger.Debug("dropping non-indication message", "msgID", d.MsgID, "handle", d.Handle.ID())
		b.metrics.RecordIndication(messaging.PathDropped)
		return
	}

	hdr, err := serialization.DecodeHeader(d.Payload)
	if err != nil {
		b.logger.Warn("dropping undecodable indication", "handle", d.Handle.ID(), "error", err)
		b.metrics.RecordIndication(messaging.PathInvalid)
		return
	}

	b.mu.Lock()
	satisfied := 0
	for _, ev := range hdr.Events {
		if b.wait.offer(d.Handle.ID(), hdr.SUID, ev) {
			satisfied++
		}
	}
	sensorType, registered := b.registry.Lookup(hdr.SUID, d.Handle.ID())
	callback := b.callback
	calDataType, isCalibration := b.calibration.dataType(hdr.SUID)
	b.mu.Unlock()

	for i := 0; i < satisfied; i++ {
		b.metrics.RecordIndication(messaging.PathSync)
	}

	for _, ev := range hdr.Events {
		switch ev.MsgID {
		case serialization.EventSensor:
		case serialization.EventError:
			b.logError(hdr.SUID, ev)
			continue
		default:
			continue
		}

		switch {
		case registered && callback != nil:
			event, err := decodeSensorEvent(hdr.SUID, sensorType, ev)
			if err != nil {
				b.logger.Warn("dropping undecodable sensor event", "suid", hdr.SUID.String(), "error", err)
				b.metrics.RecordIndication(messaging.PathInvalid)
				continue
			}
			callback(sensorType, event)
			b.metrics.RecordIndication(messaging.PathAsync)

		case isCalibration:
			event, err := decodeSensorEvent(hdr.SUID, contracts.SensorTypeUnknown, ev)
			if err != nil {
				b.logger.Warn("dropping undecodable calibration event", "dataType", calDataType, "error", err)
				b.metrics.RecordIndication(messaging.PathInvalid)
				continue
			}
			b.mu.Lock()
			b.calibration.store(calDataType, event)
			b.mu.Unlock()
			b.logger.Debug("calibration sample", "dataType", calDataType, "status", event.Status, "samples", event.Samples)
			b.metrics.RecordIndication(messaging.PathCalibration)

		case satisfied == 0:
			b.logger.Debug("dropping event for unregistered sensor",
				"suid", hdr.SUID.String(), "handle", d.Handle.ID())
			b.metrics.RecordIndication(messaging.PathDropped)
		}
	}
}

func decodeSensorEvent(suid contracts.SUID, sensorType contracts.SensorType, ev serialization.IndicationEvent) (*contracts.SensorEvent, error) {
	sample, err := serialization.DecodeSensorSample(ev.Payload)
	if err != nil {
		return nil, err
	}
	return &contracts.SensorEvent{
		SUID:       suid,
		SensorType: sensorType,
		Timestamp:  ev.Timestamp,
		Status:     sample.Status,
		Samples:    sample.Data,
	}, nil
}

func (b *Bridge) logError(suid contracts.SUID, ev serialization.IndicationEvent) {
	p, err := serialization.DecodeError(ev.Payload)
	if err != nil {
		b.logger.Warn("undecodable error event", "suid", suid.String(), "error", err)
		return
	}
	b.logger.Warn("sensor service reported error", "suid", suid.String(), "code", p.Code)
}
