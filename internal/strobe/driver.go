// Package strobe drives the strobe illumination module over the shared
// SPI bus: enable, timing (wait/duration), hold, camera-read-time query,
// and trigger-mode selection.
package strobe

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/bus"
	"github.com/wenzel-lab/dropletsync/internal/wire"
	"periph.io/x/periph/conn/spi"
)

const (
	typeSetEnable      = 1
	typeSetTiming      = 2
	typeSetHold        = 3
	typeGetCamReadTime = 4
	typeSetTriggerMode = 5
)

// TriggerMode selects whether the strobe fires on a software command or
// arms on the host's hardware GPIO edge.
type TriggerMode byte

const (
	TriggerSoftware TriggerMode = 0
	TriggerHardware TriggerMode = 1
)

const (
	statusOK       = 0
	maxRetries     = 3
	retryBackoff   = 20 * time.Millisecond
	replyPause     = 75 * time.Millisecond
	commandTimeout = wire.DefaultTimeout
)

// DeviceError wraps a firmware-reported non-OK status or an out-of-range
// parameter, after the transport-level retry budget has been exhausted.
type DeviceError struct {
	Op     string
	Status byte
	Msg    string
}

func (e *DeviceError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("strobe: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("strobe: %s: firmware status %d", e.Op, e.Status)
}

// Timing reports the firmware's actual achieved wait/duration, which may
// differ from the requested values: firmware selects the closest
// representable value no greater than what was asked.
type Timing struct {
	WaitNs     uint32
	DurationNs uint32
}

// Driver talks to the strobe module through the bus arbiter using
// bus.Strobe as its module identity.
type Driver struct {
	arbiter *bus.Arbiter
}

// New wraps an arbiter for strobe-module transactions.
func New(arbiter *bus.Arbiter) *Driver {
	return &Driver{arbiter: arbiter}
}

// transact runs one request/reply exchange for the strobe module,
// retrying TransportErrors up to maxRetries times with retryBackoff
// between attempts before escalating to the caller.
func (d *Driver) transact(ctx context.Context, op string, typ byte, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		var reply []byte
		err := d.arbiter.WithModule(ctx, bus.Strobe, func(c spi.Conn) error {
			var txErr error
			reply, txErr = wire.Send(c, replyPause, commandTimeout, typ, payload)
			return txErr
		})
		if err == nil {
			return reply, nil
		}
		if _, ok := err.(*wire.TransportError); !ok {
			return nil, err
		}
		lastErr = err
	}
	return nil, &DeviceError{Op: op, Msg: "transport retries exhausted: " + lastErr.Error()}
}

func checkStatus(op string, reply []byte) error {
	if len(reply) < 1 {
		return &DeviceError{Op: op, Msg: "empty reply, missing status byte"}
	}
	if reply[0] != statusOK {
		return &DeviceError{Op: op, Status: reply[0]}
	}
	return nil
}

// SetEnable turns the strobe module on or off.
func (d *Driver) SetEnable(ctx context.Context, on bool) error {
	b := byte(0)
	if on {
		b = 1
	}
	reply, err := d.transact(ctx, "set_enable", typeSetEnable, []byte{b})
	if err != nil {
		return err
	}
	return checkStatus("set_enable", reply)
}

// SetHold forces the strobe continuously on (true) or returns it to
// pulsed operation (false); used for manual alignment/focus.
func (d *Driver) SetHold(ctx context.Context, on bool) error {
	b := byte(0)
	if on {
		b = 1
	}
	reply, err := d.transact(ctx, "set_hold", typeSetHold, []byte{b})
	if err != nil {
		return err
	}
	return checkStatus("set_hold", reply)
}

// SetTriggerMode selects software or hardware-edge-armed triggering.
func (d *Driver) SetTriggerMode(ctx context.Context, mode TriggerMode) error {
	reply, err := d.transact(ctx, "set_trigger_mode", typeSetTriggerMode, []byte{byte(mode)})
	if err != nil {
		return err
	}
	return checkStatus("set_trigger_mode", reply)
}

// GetCamReadTime returns the camera read time the firmware has been
// configured to expect, in microseconds.
func (d *Driver) GetCamReadTime(ctx context.Context) (uint16, error) {
	reply, err := d.transact(ctx, "get_cam_read_time", typeGetCamReadTime, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_cam_read_time", reply); err != nil {
		return 0, err
	}
	if len(reply) < 3 {
		return 0, &DeviceError{Op: "get_cam_read_time", Msg: "short reply"}
	}
	return binary.LittleEndian.Uint16(reply[1:3]), nil
}

// SetTiming requests a wait/duration pair, in nanoseconds, and returns
// the actual values the firmware achieved. Firmware-bounded: requests
// above the firmware's maximum representable period (about 16ms on a
// typical 32MHz core) fail with a DeviceError rather than silently
// clamping.
func (d *Driver) SetTiming(ctx context.Context, waitNs, durationNs uint32) (Timing, error) {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], waitNs)
	binary.LittleEndian.PutUint32(payload[4:8], durationNs)
	reply, err := d.transact(ctx, "set_timing", typeSetTiming, payload)
	if err != nil {
		return Timing{}, err
	}
	if err := checkStatus("set_timing", reply); err != nil {
		return Timing{}, err
	}
	if len(reply) < 9 {
		return Timing{}, &DeviceError{Op: "set_timing", Msg: "short reply"}
	}
	return Timing{
		WaitNs:     binary.LittleEndian.Uint32(reply[1:5]),
		DurationNs: binary.LittleEndian.Uint32(reply[5:9]),
	}, nil
}
