package serialization

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/glimte/sensorbridge/contracts"
)

// Transport-level message ids.
const (
	MsgIDClientRequest         uint32 = 0x0020
	MsgIDReportIndication      uint32 = 0x0022
	MsgIDJumboReportIndication uint32 = 0x0023
)

// IsIndication reports whether msgID carries an Indication.
func IsIndication(msgID uint32) bool {
	return msgID == MsgIDReportIndication || msgID == MsgIDJumboReportIndication
}

// RequestID selects what a ClientRequest asks the sensor service to do.
type RequestID uint32

const (
	RequestAttributes     RequestID = 1
	RequestDisable        RequestID = 10
	RequestSUIDLookup     RequestID = 512
	RequestStreamConfig   RequestID = 513
	RequestOnChangeConfig RequestID = 514
)

// EventID identifies the payload of one indication event.
type EventID uint32

const (
	EventAttributes EventID = 128
	EventError      EventID = 129
	EventSUID       EventID = 768
	EventSensor     EventID = 1025
)

func (e EventID) String() string {
	switch e {
	case EventAttributes:
		return "attributes"
	case EventError:
		return "error"
	case EventSUID:
		return "suid"
	case EventSensor:
		return "sensor"
	default:
		return fmt.Sprintf("event(%d)", uint32(e))
	}
}

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient so newer services can add fields.
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes v with the canonical encoder.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v with the lenient decoder.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// ClientRequest is the outbound message sent with MsgIDClientRequest.
type ClientRequest struct {
	SUID          contracts.SUID  `cbor:"1,keyasint"`
	MsgID         RequestID       `cbor:"2,keyasint"`
	BatchPeriodUs uint32          `cbor:"3,keyasint,omitempty"`
	BatchValid    bool            `cbor:"4,keyasint,omitempty"`
	Payload       cbor.RawMessage `cbor:"5,keyasint,omitempty"`
}

// SUIDRequestPayload asks the lookup service for sensors of a data type.
type SUIDRequestPayload struct {
	DataType    string `cbor:"1,keyasint"`
	DefaultOnly bool   `cbor:"2,keyasint,omitempty"`
}

// StreamConfigPayload configures a streaming sensor.
type StreamConfigPayload struct {
	SampleRate float32 `cbor:"1,keyasint"`
}

// Indication is the inbound message for one SUID.
type Indication struct {
	SUID   contracts.SUID    `cbor:"1,keyasint"`
	Events []IndicationEvent `cbor:"2,keyasint"`
}

// IndicationEvent is one event inside an Indication. Payload stays encoded
// until the destination decodes it.
type IndicationEvent struct {
	MsgID     EventID         `cbor:"1,keyasint"`
	Timestamp uint64          `cbor:"2,keyasint"`
	Payload   cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// SUIDEventPayload answers a SUID lookup.
type SUIDEventPayload struct {
	DataType string           `cbor:"1,keyasint"`
	SUIDs    []contracts.SUID `cbor:"2,keyasint"`
}

// SensorSamplePayload carries one data sample.
type SensorSamplePayload struct {
	Status contracts.SampleStatus `cbor:"1,keyasint"`
	Data   []float32              `cbor:"2,keyasint"`
}

// ErrorEventPayload reports a service-side failure for the SUID.
type ErrorEventPayload struct {
	Code uint32 `cbor:"1,keyasint"`
}

// EncodeRequest encodes a ClientRequest.
func EncodeRequest(req *ClientRequest) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: request cannot be nil", contracts.ErrInvalidArgument)
	}
	return Marshal(req)
}

// DecodeRequest decodes a ClientRequest. Used by the service side.
func DecodeRequest(data []byte) (*ClientRequest, error) {
	var req ClientRequest
	if err := Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeIndication encodes an Indication. Used by the service side.
func EncodeIndication(ind *Indication) ([]byte, error) {
	if ind == nil {
		return nil, fmt.Errorf("%w: indication cannot be nil", contracts.ErrInvalidArgument)
	}
	return Marshal(ind)
}

// Header is the routing view of an Indication.
type Header struct {
	SUID   contracts.SUID
	Events []IndicationEvent
}

// DecodeHeader decodes the SUID and event envelopes of an Indication
// without touching the event payloads.
func DecodeHeader(data []byte) (*Header, error) {
	var ind Indication
	if err := Unmarshal(data, &ind); err != nil {
		return nil, fmt.Errorf("failed to decode indication: %w", err)
	}
	return &Header{SUID: ind.SUID, Events: ind.Events}, nil
}

// PeekDataType returns the data type of a SUID event without decoding the
// SUID list.
func PeekDataType(raw cbor.RawMessage) (string, error) {
	var peek struct {
		DataType string `cbor:"1,keyasint"`
	}
	if err := Unmarshal(raw, &peek); err != nil {
		return "", fmt.Errorf("failed to decode suid event: %w", err)
	}
	return peek.DataType, nil
}

// DecodeSUIDEvent decodes the payload of an EventSUID event.
func DecodeSUIDEvent(raw cbor.RawMessage) (*SUIDEventPayload, error) {
	var p SUIDEventPayload
	if err := Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode suid event: %w", err)
	}
	return &p, nil
}

// DecodeSensorSample decodes the payload of an EventSensor event.
func DecodeSensorSample(raw cbor.RawMessage) (*SensorSamplePayload, error) {
	var p SensorSamplePayload
	if err := Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode sensor event: %w", err)
	}
	return &p, nil
}

// DecodeError decodes the payload of an EventError event.
func DecodeError(raw cbor.RawMessage) (*ErrorEventPayload, error) {
	var p ErrorEventPayload
	if err := Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to decode error event: %w", err)
	}
	return &p, nil
}
