package bridge

import (
	"context"

	"github.com/glimte/sensorbridge/contracts"
	"github.com/glimte/sensorbridge/serialization"
)

// calibrationSet tracks calibration sensors enabled during Initialize.
// Guarded by the bridge mutex.
type calibrationSet struct {
	dataTypes []string
	sensors   map[contracts.SUID]string
	last      map[string]contracts.SensorEvent
}

func newCalibrationSet(dataTypes []string) *calibrationSet {
	return &calibrationSet{
		dataTypes: dataTypes,
		sensors:   make(map[contracts.SUID]string),
		last:      make(map[string]contracts.SensorEvent),
	}
}

func (c *calibrationSet) dataType(suid contracts.SUID) (string, bool) {
	dt, ok := c.sensors[suid]
	return dt, ok
}

func (c *calibrationSet) store(dataType string, event *contracts.SensorEvent) {
	c.last[dataType] = *event
}

func (c *calibrationSet) reset() {
	clear(c.sensors)
	clear(c.last)
}

// enableCalibration discovers each configured calibration data type and
// enables the first sensor found as on-change. Failures are logged only.
func (b *Bridge) enableCalibration(ctx context.Context) {
	for _, dataType := range b.calibration.dataTypes {
		suids, err := b.Discover(ctx, dataType)
		if err != nil {
			b.logger.Warn("calibration sensor discovery failed", "dataType", dataType, "error", err)
			continue
		}
		if len(suids) == 0 {
			b.logger.Debug("no calibration sensor", "dataType", dataType)
			continue
		}
		suid := suids[0]

		handle, err := b.defaultHandle()
		if err != nil {
			return
		}
		msg, err := serialization.NewSensorRequest(suid, contracts.SensorRequest{Enable: true})
		if err != nil {
			b.logger.Warn("failed to build calibration request", "dataType", dataType, "error", err)
			continue
		}

		b.mu.Lock()
		b.calibration.sensors[suid] = dataType
		b.mu.Unlock()

		if err := b.send(ctx, handle, msg); err != nil {
			b.logger.Warn("failed to enable calibration sensor", "dataType", dataType, "suid", suid.String(), "error", err)
			b.mu.Lock()
			delete(b.calibration.sensors, suid)
			b.mu.Unlock()
			continue
		}
		b.logger.Info("calibration sensor enabled", "dataType", dataType, "suid", suid.String())
	}
}

// LastCalibration returns the latest sample from the calibration sensor of
// dataType, if one was enabled and has reported.
func (b *Bridge) LastCalibration(dataType string) (contracts.SensorEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.calibration.last[dataType]
	return ev, ok
}
