// Package bridge turns the asynchronous sensor transport into blocking calls.
//
// A Bridge owns one wait slot. Discover, QueryAttributes and an enabling
// MakeRequest arm it with the indication they expect, send, and block until
// that indication arrives or the indication timeout passes. Every inbound
// message goes through one routing goroutine that offers it to the wait slot
// and, independently, hands sensor events of registered sensors to the
// callback bound at Initialize.
//
// Basic usage:
//
//	b, err := bridge.NewBridge(transport, bridge.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := b.Initialize(ctx, onEvent, 5*time.Second); err != nil {
//	    return err
//	}
//	defer b.Deinitialize()
//
//	suids, err := b.Discover(ctx, "accel")
//	if err != nil {
//	    return err
//	}
//	if _, err := b.RegisterSensor(ctx, contracts.SensorTypeAccelerometer, suids[0]); err != nil {
//	    return err
//	}
//	err = b.MakeRequest(ctx, contracts.SensorRequest{
//	    SensorType:     contracts.SensorTypeAccelerometer,
//	    Enable:         true,
//	    SamplingRateHz: 50,
//	})
//
// A SUID registered under two sensor types is routed over two channels so
// the callback can tell the streams apart.
package bridge
