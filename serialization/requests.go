package serialization

import (
	"fmt"

	"github.com/glimte/sensorbridge/contracts"
)

// NewSUIDLookupRequest builds a discovery request for dataType.
func NewSUIDLookupRequest(dataType string, defaultOnly bool) (*ClientRequest, error) {
	if dataType == "" {
		return nil, fmt.Errorf("%w: data type cannot be empty", contracts.ErrInvalidArgument)
	}
	payload, err := Marshal(&SUIDRequestPayload{DataType: dataType, DefaultOnly: defaultOnly})
	if err != nil {
		return nil, err
	}
	return &ClientRequest{
		SUID:    contracts.SUIDLookup,
		MsgID:   RequestSUIDLookup,
		Payload: payload,
	}, nil
}

// NewAttributesRequest builds an attribute query for suid.
func NewAttributesRequest(suid contracts.SUID) *ClientRequest {
	return &ClientRequest{SUID: suid, MsgID: RequestAttributes}
}

// NewSensorRequest builds the enable, on-change or disable message for req.
// The batch period is only marked valid for enable requests.
func NewSensorRequest(suid contracts.SUID, req contracts.SensorRequest) (*ClientRequest, error) {
	if !req.Enable {
		return &ClientRequest{SUID: suid, MsgID: RequestDisable}, nil
	}

	out := &ClientRequest{
		SUID:          suid,
		BatchPeriodUs: req.BatchPeriodUs,
		BatchValid:    true,
	}
	if req.IsOnChange() {
		out.MsgID = RequestOnChangeConfig
		return out, nil
	}

	payload, err := Marshal(&StreamConfigPayload{SampleRate: req.SamplingRateHz})
	if err != nil {
		return nil, err
	}
	out.MsgID = RequestStreamConfig
	out.Payload = payload
	return out, nil
}

// DecodeSUIDRequest decodes the payload of a RequestSUIDLookup request.
func DecodeSUIDRequest(req *ClientRequest) (*SUIDRequestPayload, error) {
	var p SUIDRequestPayload
	if err := Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode suid request: %w", err)
	}
	return &p, nil
}

// DecodeStreamConfig decodes the payload of a RequestStreamConfig request.
func DecodeStreamConfig(req *ClientRequest) (*StreamConfigPayload, error) {
	var p StreamConfigPayload
	if err := Unmarshal(req.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode stream config: %w", err)
	}
	return &p, nil
}
