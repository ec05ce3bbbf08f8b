package serialization

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"

	"github.com/glimte/sensorbridge/contracts"
)

// AttrID names one attribute in an attribute event.
type AttrID uint32

const (
	AttrName       AttrID = 0
	AttrVendor     AttrID = 1
	AttrType       AttrID = 2
	AttrRates      AttrID = 4
	AttrStreamType AttrID = 9
)

// AttrValue is one value of an attribute. Only one field is set.
type AttrValue struct {
	Str *string  `cbor:"1,keyasint,omitempty"`
	Flt *float32 `cbor:"2,keyasint,omitempty"`
	Int *int64   `cbor:"3,keyasint,omitempty"`
}

// Attribute is an id with its values.
type Attribute struct {
	ID     AttrID      `cbor:"1,keyasint"`
	Values []AttrValue `cbor:"2,keyasint"`
}

// AttributesPayload is the payload of an EventAttributes event.
type AttributesPayload struct {
	Attrs []Attribute `cbor:"1,keyasint"`
}

// DecodeAttributes decodes an EventAttributes payload into Attributes.
// Strings longer than contracts.MaxAttributeLen are truncated and the
// highest advertised rate becomes MaxSampleRate.
func DecodeAttributes(raw cbor.RawMessage) (contracts.Attributes, error) {
	var p AttributesPayload
	if err := Unmarshal(raw, &p); err != nil {
		return contracts.Attributes{}, fmt.Errorf("failed to decode attributes: %w", err)
	}

	var attrs contracts.Attributes
	for _, a := range p.Attrs {
		switch a.ID {
		case AttrName:
			attrs.Name = firstString(a.Values)
		case AttrVendor:
			attrs.Vendor = firstString(a.Values)
		case AttrType:
			attrs.Type = firstString(a.Values)
		case AttrRates:
			for _, v := range a.Values {
				if v.Flt != nil && *v.Flt > attrs.MaxSampleRate {
					attrs.MaxSampleRate = *v.Flt
				}
			}
		case AttrStreamType:
			for _, v := range a.Values {
				if v.Int != nil {
					attrs.StreamType = contracts.StreamType(*v.Int)
					break
				}
			}
		}
	}
	return attrs, nil
}

func firstString(values []AttrValue) string {
	for _, v := range values {
		if v.Str != nil {
			return truncate(*v.Str)
		}
	}
	return ""
}

// truncate cuts s to at most contracts.MaxAttributeLen bytes without
// splitting a UTF-8 sequence.
func truncate(s string) string {
	if len(s) <= contracts.MaxAttributeLen {
		return s
	}
	n := contracts.MaxAttributeLen
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NewAttributesEvent encodes attrs as an EventAttributes event.
func NewAttributesEvent(timestamp uint64, attrs contracts.Attributes) (IndicationEvent, error) {
	str := func(s string) []AttrValue { return []AttrValue{{Str: &s}} }
	rate := attrs.MaxSampleRate
	stream := int64(attrs.StreamType)

	payload, err := Marshal(&AttributesPayload{Attrs: []Attribute{
		{ID: AttrName, Values: str(attrs.Name)},
		{ID: AttrVendor, Values: str(attrs.Vendor)},
		{ID: AttrType, Values: str(attrs.Type)},
		{ID: AttrRates, Values: []AttrValue{{Flt: &rate}}},
		{ID: AttrStreamType, Values: []AttrValue{{Int: &stream}}},
	}})
	if err != nil {
		return IndicationEvent{}, err
	}
	return IndicationEvent{MsgID: EventAttributes, Timestamp: timestamp, Payload: payload}, nil
}

// NewSUIDEvent encodes a SUID lookup answer.
func NewSUIDEvent(timestamp uint64, dataType string, suids []contracts.SUID) (IndicationEvent, error) {
	payload, err := Marshal(&SUIDEventPayload{DataType: dataType, SUIDs: suids})
	if err != nil {
		return IndicationEvent{}, err
	}
	return IndicationEvent{MsgID: EventSUID, Timestamp: timestamp, Payload: payload}, nil
}

// NewSensorEvent encodes one data sample.
func NewSensorEvent(timestamp uint64, status contracts.SampleStatus, data []float32) (IndicationEvent, error) {
	payload, err := Marshal(&SensorSamplePayload{Status: status, Data: data})
	if err != nil {
		return IndicationEvent{}, err
	}
	return IndicationEvent{MsgID: EventSensor, Timestamp: timestamp, Payload: payload}, nil
}

// NewErrorEvent encodes a service-side error.
func NewErrorEvent(timestamp uint64, code uint32) (IndicationEvent, error) {
	payload, err := Marshal(&ErrorEventPayload{Code: code})
	if err != nil {
		return IndicationEvent{}, err
	}
	return IndicationEvent{MsgID: EventError, Timestamp: timestamp, Payload: payload}, nil
}
