// Package heaterdev drives a heater module (temperature control with an
// optional stir motor) over the shared SPI bus. Up to four heater
// modules can share the bus, each behind its own chip-select
// (bus.Heater1..Heater4), exercising internal/bus's multi-module
// arbitration beyond the single strobe/flow pair.
package heaterdev

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/bus"
	"github.com/wenzel-lab/dropletsync/internal/wire"
	"periph.io/x/periph/conn/spi"
)

const (
	typeGetID             = 1
	typeSetTempTarget     = 2
	typeGetTempTarget     = 3
	typeGetTempActual     = 4
	typeSetPIDCoeffs      = 5
	typeGetPIDCoeffs      = 6
	typeSetPIDRunning     = 7
	typeGetPIDRunning     = 8
	typeSetAutotuneRun    = 9
	typeGetAutotuneRun    = 10
	typeGetAutotuneStatus = 11
	typeSetStirRun        = 12
	typeGetStirStatus     = 13
	typeGetStirSpeed      = 14
	typeSetPowerLimit     = 15
	typeGetPowerLimit     = 16
)

const (
	statusOK       = 0
	maxRetries     = 3
	retryBackoff   = 20 * time.Millisecond
	replyPause     = 75 * time.Millisecond
	commandTimeout = wire.DefaultTimeout
)

// AutotuneStatus reports the relay-feedback autotune routine's progress.
type AutotuneStatus byte

const (
	AutotuneIdle    AutotuneStatus = 0
	AutotuneRunning AutotuneStatus = 1
	AutotuneDone    AutotuneStatus = 2
	AutotuneFailed  AutotuneStatus = 3
)

// DeviceError wraps a firmware-reported non-OK status after the
// transport retry budget is exhausted.
type DeviceError struct {
	Op     string
	Status byte
	Msg    string
}

func (e *DeviceError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("heaterdev: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("heaterdev: %s: firmware status %d", e.Op, e.Status)
}

// PIDCoeffs are the heater-loop PID coefficients, persisted by firmware.
type PIDCoeffs struct {
	P, I, D float32
}

// State is a snapshot of the module's values as returned by Poll. Poll
// does not read TempTarget, so that field stays zero.
type State struct {
	ID          uint32
	TempTarget  float32
	TempActual  float32
	PID         PIDCoeffs
	PIDRunning  bool
	Autotune    AutotuneStatus
	StirSpeed   float32
	PowerLimit  float32
}

// Driver talks to one heater module through the bus arbiter.
type Driver struct {
	arbiter *bus.Arbiter
	module  bus.ModuleID
}

// New wraps an arbiter for heater-module transactions using the given
// chip-select identity (one of bus.Heater1..Heater4).
func New(arbiter *bus.Arbiter, module bus.ModuleID) *Driver {
	return &Driver{arbiter: arbiter, module: module}
}

func (d *Driver) transact(ctx context.Context, op string, typ byte, payload []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		var reply []byte
		err := d.arbiter.WithModule(ctx, d.module, func(c spi.Conn) error {
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

func encodeFloat32(f float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}

func decodeFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// GetID reads the module's firmware-reported identity.
func (d *Driver) GetID(ctx context.Context) (uint32, error) {
	reply, err := d.transact(ctx, "get_id", typeGetID, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_id", reply); err != nil {
		return 0, err
	}
	if len(reply) < 5 {
		return 0, &DeviceError{Op: "get_id", Msg: "short reply"}
	}
	return binary.LittleEndian.Uint32(reply[1:5]), nil
}

// SetTempTarget requests a new setpoint, in degrees Celsius.
func (d *Driver) SetTempTarget(ctx context.Context, celsius float32) error {
	reply, err := d.transact(ctx, "set_temp_target", typeSetTempTarget, encodeFloat32(celsius))
	if err != nil {
		return err
	}
	return checkStatus("set_temp_target", reply)
}

// GetTempActual polls the measured temperature.
func (d *Driver) GetTempActual(ctx context.Context) (float32, error) {
	reply, err := d.transact(ctx, "get_temp_actual", typeGetTempActual, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_temp_actual", reply); err != nil {
		return 0, err
	}
	if len(reply) < 5 {
		return 0, &DeviceError{Op: "get_temp_actual", Msg: "short reply"}
	}
	return decodeFloat32(reply[1:5]), nil
}

// SetPIDCoeffs updates the heater-loop PID coefficients.
func (d *Driver) SetPIDCoeffs(ctx context.Context, c PIDCoeffs) error {
	payload := append(append(encodeFloat32(c.P), encodeFloat32(c.I)...), encodeFloat32(c.D)...)
	reply, err := d.transact(ctx, "set_pid_coeffs", typeSetPIDCoeffs, payload)
	if err != nil {
		return err
	}
	return checkStatus("set_pid_coeffs", reply)
}

// GetPIDCoeffs reads back the persisted heater-loop PID coefficients.
func (d *Driver) GetPIDCoeffs(ctx context.Context) (PIDCoeffs, error) {
	reply, err := d.transact(ctx, "get_pid_coeffs", typeGetPIDCoeffs, nil)
	if err != nil {
		return PIDCoeffs{}, err
	}
	if err := checkStatus("get_pid_coeffs", reply); err != nil {
		return PIDCoeffs{}, err
	}
	if len(reply) < 13 {
		return PIDCoeffs{}, &DeviceError{Op: "get_pid_coeffs", Msg: "short reply"}
	}
	return PIDCoeffs{
		P: decodeFloat32(reply[1:5]),
		I: decodeFloat32(reply[5:9]),
		D: decodeFloat32(reply[9:13]),
	}, nil
}

// SetPIDRunning starts or stops the closed loop.
func (d *Driver) SetPIDRunning(ctx context.Context, running bool) error {
	reply, err := d.transact(ctx, "set_pid_running", typeSetPIDRunning, []byte{encodeBool(running)})
	if err != nil {
		return err
	}
	return checkStatus("set_pid_running", reply)
}

// GetPIDRunning reads back whether the closed loop is active.
func (d *Driver) GetPIDRunning(ctx context.Context) (bool, error) {
	reply, err := d.transact(ctx, "get_pid_running", typeGetPIDRunning, nil)
	if err != nil {
		return false, err
	}
	if err := checkStatus("get_pid_running", reply); err != nil {
		return false, err
	}
	if len(reply) < 2 {
		return false, &DeviceError{Op: "get_pid_running", Msg: "short reply"}
	}
	return reply[1] != 0, nil
}

// SetAutotuneRun starts or cancels the relay-feedback autotune routine.
func (d *Driver) SetAutotuneRun(ctx context.Context, run bool) error {
	reply, err := d.transact(ctx, "set_autotune_run", typeSetAutotuneRun, []byte{encodeBool(run)})
	if err != nil {
		return err
	}
	return checkStatus("set_autotune_run", reply)
}

// GetAutotuneStatus polls the autotune routine's progress.
func (d *Driver) GetAutotuneStatus(ctx context.Context) (AutotuneStatus, error) {
	reply, err := d.transact(ctx, "get_autotune_status", typeGetAutotuneStatus, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_autotune_status", reply); err != nil {
		return 0, err
	}
	if len(reply) < 2 {
		return 0, &DeviceError{Op: "get_autotune_status", Msg: "short reply"}
	}
	return AutotuneStatus(reply[1]), nil
}

// SetStirRun starts or stops the stir motor.
func (d *Driver) SetStirRun(ctx context.Context, run bool) error {
	reply, err := d.transact(ctx, "set_stir_run", typeSetStirRun, []byte{encodeBool(run)})
	if err != nil {
		return err
	}
	return checkStatus("set_stir_run", reply)
}

// GetStirSpeed polls the measured stir speed, in RPM.
func (d *Driver) GetStirSpeed(ctx context.Context) (float32, error) {
	reply, err := d.transact(ctx, "get_stir_speed", typeGetStirSpeed, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_stir_speed", reply); err != nil {
		return 0, err
	}
	if len(reply) < 5 {
		return 0, &DeviceError{Op: "get_stir_speed", Msg: "short reply"}
	}
	return decodeFloat32(reply[1:5]), nil
}

// SetPowerLimit caps the heater's maximum duty cycle, as a fraction in
// [0, 1], for thermal safety.
func (d *Driver) SetPowerLimit(ctx context.Context, fraction float32) error {
	reply, err := d.transact(ctx, "set_power_limit", typeSetPowerLimit, encodeFloat32(fraction))
	if err != nil {
		return err
	}
	return checkStatus("set_power_limit", reply)
}

// GetPowerLimit reads back the persisted power limit.
func (d *Driver) GetPowerLimit(ctx context.Context) (float32, error) {
	reply, err := d.transact(ctx, "get_power_limit", typeGetPowerLimit, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_power_limit", reply); err != nil {
		return 0, err
	}
	if len(reply) < 5 {
		return 0, &DeviceError{Op: "get_power_limit", Msg: "short reply"}
	}
	return decodeFloat32(reply[1:5]), nil
}

// Poll reads a State snapshot with one round-trip per field it fills,
// stopping at the first error.
func (d *Driver) Poll(ctx context.Context) (State, error) {
	var s State
	var err error
	if s.ID, err = d.GetID(ctx); err != nil {
		return s, err
	}
	if s.TempActual, err = d.GetTempActual(ctx); err != nil {
		return s, err
	}
	if s.PID, err = d.GetPIDCoeffs(ctx); err != nil {
		return s, err
	}
	if s.PIDRunning, err = d.GetPIDRunning(ctx); err != nil {
		return s, err
	}
	if s.Autotune, err = d.GetAutotuneStatus(ctx); err != nil {
		return s, err
	}
	if s.StirSpeed, err = d.GetStirSpeed(ctx); err != nil {
		return s, err
	}
	if s.PowerLimit, err = d.GetPowerLimit(ctx); err != nil {
		return s, err
	}
	return s, nil
}
