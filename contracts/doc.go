// Package contracts provides the core sensor types shared by every layer of sensorbridge.
//
// This package defines:
//   - SUID: the opaque identity of one sensor exposed by the sensor service
//   - SensorType: the logical category a consumer wants a sensor's data under
//   - SensorRequest: a desired sampling configuration
//   - Attributes: the result of a synchronous attribute query
//   - SensorEvent: the owned event data handed to the indication callback
//
// It also defines the error kinds surfaced by the bridge. Callers match them
// with errors.Is:
//
//	if errors.Is(err, contracts.ErrTimeout) {
//	    // no matching indication arrived in time
//	}
package contracts
