package loopback

import (
	"math"

	"github.com/glimte/sensorbridge/contracts"
)

// Sensor is one sensor exposed by the simulated service.
type Sensor struct {
	SUID       contracts.SUID
	DataType   string
	Default    bool
	Attributes contracts.Attributes

	// Sample produces the data for the seq-th sample. Nil yields a slow
	// sine on three axes.
	Sample func(seq uint64) []float32
}

func (s *Sensor) sample(seq uint64) []float32 {
	if s.Sample != nil {
		return s.Sample(seq)
	}
	phase := float64(seq) / 10
	return []float32{float32(math.Sin(phase)), float32(math.Cos(phase)), 1}
}

// DefaultCatalog returns a phone-like sensor set, including one SUID that
// serves both the accelerometer and its temperature.
func DefaultCatalog() []Sensor {
	accel := contracts.SUID{Low: 0x0000000000000001, High: 0x5e5e000000000001}
	return []Sensor{
		{
			SUID:     accel,
			DataType: "accel",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "accel0", Type: "accel",
				MaxSampleRate: 400, StreamType: contracts.StreamTypeStreaming,
			},
		},
		{
			SUID:     accel,
			DataType: "sensor_temperature",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "accel0", Type: "sensor_temperature",
				MaxSampleRate: 1, StreamType: contracts.StreamTypeOnChange,
			},
			Sample: func(uint64) []float32 { return []float32{31.5} },
		},
		{
			SUID:     contracts.SUID{Low: 0x0000000000000002, High: 0x5e5e000000000002},
			DataType: "gyro",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "gyro0", Type: "gyro",
				MaxSampleRate: 400, StreamType: contracts.StreamTypeStreaming,
			},
		},
		{
			SUID:     contracts.SUID{Low: 0x0000000000000003, High: 0x5e5e000000000003},
			DataType: "mag",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "mag0", Type: "mag",
				MaxSampleRate: 100, StreamType: contracts.StreamTypeStreaming,
			},
		},
		{
			SUID:     contracts.SUID{Low: 0x0000000000000004, High: 0x5e5e000000000004},
			DataType: "pressure",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "baro0", Type: "pressure",
				MaxSampleRate: 25, StreamType: contracts.StreamTypeStreaming,
			},
			Sample: func(seq uint64) []float32 { return []float32{1013.25} },
		},
		{
			SUID:     contracts.SUID{Low: 0x0000000000000005, High: 0x5e5e000000000005},
			DataType: "proximity",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "prox0", Type: "proximity",
				StreamType: contracts.StreamTypeOnChange,
			},
			Sample: func(seq uint64) []float32 { return []float32{5} },
		},
		{
			SUID:     contracts.SUID{Low: 0x0000000000000006, High: 0x5e5e000000000006},
			DataType: "mag_cal",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "magcal0", Type: "mag_cal",
				StreamType: contracts.StreamTypeOnChange,
			},
			Sample: func(seq uint64) []float32 { return []float32{0.1, -0.2, 0.05} },
		},
		{
			SUID:     contracts.SUID{Low: 0x0000000000000007, High: 0x5e5e000000000007},
			DataType: "gyro_cal",
			Default:  true,
			Attributes: contracts.Attributes{
				Vendor: "loopback", Name: "gyrocal0", Type: "gyro_cal",
				StreamType: contracts.StreamTypeOnChange,
			},
			Sample: func(seq uint64) []float32 { return []float32{0.001, 0.002, -0.001} },
		},
	}
}
