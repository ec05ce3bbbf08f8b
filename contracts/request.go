package contracts

// SensorRequest describes a desired sampling configuration for one sensor type.
// Rate and batch period are passed to the sensor service unmodified.
type SensorRequest struct {
	SensorType     SensorType
	Enable         bool
	SamplingRateHz float32
	BatchPeriodUs  uint32
}

// IsOnChange reports whether the request enables an on-change sensor,
// which has no sampling rate.
func (r SensorRequest) IsOnChange() bool {
	return r.Enable && r.SamplingRateHz == 0
}

// MaxAttributeLen caps the vendor, name and type strings of Attributes.
const MaxAttributeLen = 64

// StreamType describes how a sensor produces data.
type StreamType uint8

const (
	StreamTypeStreaming StreamType = iota
	StreamTypeOnChange
	StreamTypeSingleOutput
)

func (s StreamType) String() string {
	switch s {
	case StreamTypeStreaming:
		return "streaming"
	case StreamTypeOnChange:
		return "on_change"
	case StreamTypeSingleOutput:
		return "single_output"
	default:
		return "unknown"
	}
}

// Attributes is the snapshot returned by a synchronous attribute query.
type Attributes struct {
	Vendor        string
	Name          string
	Type          string
	MaxSampleRate float32
	StreamType    StreamType
}

// SampleStatus is the accuracy status reported with a sensor sample.
type SampleStatus uint8

const (
	SampleStatusUnreliable SampleStatus = iota
	SampleStatusAccuracyLow
	SampleStatusAccuracyMedium
	SampleStatusAccuracyHigh
)

// SensorEvent is one decoded data indication for a registered sensor.
// The callback that receives it owns it.
type SensorEvent struct {
	SUID       SUID
	SensorType SensorType
	Timestamp  uint64
	Status     SampleStatus
	Samples    []float32
}

// IndicationCallback receives every data indication for a registered
// (SUID, SensorType) pair. It runs on the dispatcher goroutine and must not
// call blocking bridge operations.
type IndicationCallback func(sensorType SensorType, event *SensorEvent)
