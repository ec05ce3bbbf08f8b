package contracts

import (
	"fmt"
	"strconv"
	"strings"
)

// SUID identifies one sensor resource exposed by the sensor service.
// It is comparable and safe to use as a map key.
type SUID struct {
	Low  uint64 `cbor:"1,keyasint" json:"low"`
	High uint64 `cbor:"2,keyasint" json:"high"`
}

// SUIDLookup is the well-known identity of the discovery service that
// answers data type lookups.
var SUIDLookup = SUID{Low: 0xabababababababab, High: 0xabababababababab}

// IsZero reports whether s is the zero identity.
func (s SUID) IsZero() bool {
	return s.Low == 0 && s.High == 0
}

// String renders the SUID as 0x followed by 32 hex digits, high word first.
func (s SUID) String() string {
	return fmt.Sprintf("0x%016x%016x", s.High, s.Low)
}

// ParseSUID parses the representation produced by SUID.String.
func ParseSUID(text string) (SUID, error) {
	hex := strings.TrimPrefix(strings.ToLower(text), "0x")
	if len(hex) != 32 {
		return SUID{}, fmt.Errorf("%w: suid %q must have 32 hex digits", ErrInvalidArgument, text)
	}
	high, err := strconv.ParseUint(hex[:16], 16, 64)
	if err != nil {
		return SUID{}, fmt.Errorf("%w: suid %q: %v", ErrInvalidArgument, text, err)
	}
	low, err := strconv.ParseUint(hex[16:], 16, 64)
	if err != nil {
		return SUID{}, fmt.Errorf("%w: suid %q: %v", ErrInvalidArgument, text, err)
	}
	return SUID{Low: low, High: high}, nil
}

// SensorType is the logical category under which a consumer receives a
// sensor's data. SensorTypeUnknown is reserved and never registrable.
type SensorType uint8

const (
	SensorTypeUnknown SensorType = iota
	SensorTypeAccelerometer
	SensorTypeInstantMotion
	SensorTypeStationaryDetect
	SensorTypeGyroscope
	SensorTypeGeomagneticField
	SensorTypePressure
	SensorTypeLight
	SensorTypeProximity
	SensorTypeAccelerometerTemperature
	SensorTypeGyroscopeTemperature
	SensorTypeUncalibratedAccelerometer
	SensorTypeUncalibratedGyroscope
	SensorTypeUncalibratedGeomagneticField
)

var sensorTypeNames = map[SensorType]string{
	SensorTypeUnknown:                      "unknown",
	SensorTypeAccelerometer:                "accelerometer",
	SensorTypeInstantMotion:                "instant_motion",
	SensorTypeStationaryDetect:             "stationary_detect",
	SensorTypeGyroscope:                    "gyroscope",
	SensorTypeGeomagneticField:             "geomagnetic_field",
	SensorTypePressure:                     "pressure",
	SensorTypeLight:                        "light",
	SensorTypeProximity:                    "proximity",
	SensorTypeAccelerometerTemperature:     "accelerometer_temperature",
	SensorTypeGyroscopeTemperature:         "gyroscope_temperature",
	SensorTypeUncalibratedAccelerometer:    "uncalibrated_accelerometer",
	SensorTypeUncalibratedGyroscope:        "uncalibrated_gyroscope",
	SensorTypeUncalibratedGeomagneticField: "uncalibrated_geomagnetic_field",
}

func (t SensorType) String() string {
	if name, ok := sensorTypeNames[t]; ok {
		return name
	}
	return "sensor_type(" + strconv.Itoa(int(t)) + ")"
}

// IsValid reports whether t names a registrable sensor type.
func (t SensorType) IsValid() bool {
	_, ok := sensorTypeNames[t]
	return ok && t != SensorTypeUnknown
}

// ParseSensorType maps a name produced by SensorType.String back to the type.
func ParseSensorType(name string) (SensorType, error) {
	for t, n := range sensorTypeNames {
		if n == name {
			return t, nil
		}
	}
	return SensorTypeUnknown, fmt.Errorf("%w: unknown sensor type %q", ErrInvalidArgument, name)
}
