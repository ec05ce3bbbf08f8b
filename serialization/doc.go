// Package serialization implements the CBOR wire format spoken with the sensor service.
//
// Outbound messages are ClientRequests. Inbound messages are Indications
// carrying one or more events for a single SUID. DecodeHeader decodes only
// what is needed for routing and keeps event payloads raw, so the full
// decode happens at the destination:
//
//	hdr, err := serialization.DecodeHeader(payload)
//	for _, ev := range hdr.Events {
//	    if ev.MsgID == serialization.EventSensor {
//	        sample, err := serialization.DecodeSensorSample(ev.Payload)
//	        ...
//	    }
//	}
package serialization
