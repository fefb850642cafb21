// Package flowdev drives a flow-control module (pressure/flow pump) over
// the shared SPI bus. It exists chiefly to give internal/bus's arbiter a
// second chip-select to contend with strobe for, and to give
// cmd/dropletd's poll loop a non-strobe module whose state it can report.
package flowdev

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
	typeGetID              = 1
	typeSetPressureTarget  = 2
	typeGetPressureTarget  = 3
	typeGetPressureActual  = 4
	typeSetFlowTarget      = 5
	typeGetFlowTarget      = 6
	typeGetFlowActual      = 7
	typeSetControlMode     = 8
	typeGetControlMode     = 9
	typeSetFPIDConsts      = 10
	typeGetFPIDConsts      = 11
)

const (
	statusOK       = 0
	maxRetries     = 3
	retryBackoff   = 20 * time.Millisecond
	replyPause     = 75 * time.Millisecond
	commandTimeout = wire.DefaultTimeout
)

// ControlMode selects whether the module regulates to a pressure or a
// flow-rate setpoint.
type ControlMode byte

const (
	ControlPressure ControlMode = 0
	ControlFlow     ControlMode = 1
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
		return fmt.Sprintf("flowdev: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("flowdev: %s: firmware status %d", e.Op, e.Status)
}

// FPIDConsts are the flow-loop PID coefficients, persisted by firmware.
type FPIDConsts struct {
	P, I, D float32
}

// State is a snapshot of the module's values as returned by Poll; see
// pollFlow in cmd/dropletd for the loop that calls it. Poll does not
// read PressureTarget or FlowTarget, so those fields stay zero.
type State struct {
	ID              uint32
	ControlMode     ControlMode
	PressureTarget  float32
	PressureActual  float32
	FlowTarget      float32
	FlowActual      float32
	FPID            FPIDConsts
}

// Driver talks to the flow module through the bus arbiter.
type Driver struct {
	arbiter *bus.Arbiter
	module  bus.ModuleID
}

// New wraps an arbiter for flow-module transactions using the given
// chip-select identity (normally bus.Flow).
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

// SetControlMode switches between pressure- and flow-regulated control.
func (d *Driver) SetControlMode(ctx context.Context, mode ControlMode) error {
	reply, err := d.transact(ctx, "set_control_mode", typeSetControlMode, []byte{byte(mode)})
	if err != nil {
		return err
	}
	return checkStatus("set_control_mode", reply)
}

// GetControlMode reads back the active control mode.
func (d *Driver) GetControlMode(ctx context.Context) (ControlMode, error) {
	reply, err := d.transact(ctx, "get_control_mode", typeGetControlMode, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_control_mode", reply); err != nil {
		return 0, err
	}
	if len(reply) < 2 {
		return 0, &DeviceError{Op: "get_control_mode", Msg: "short reply"}
	}
	return ControlMode(reply[1]), nil
}

// SetPressureTarget requests a new pressure setpoint, in the firmware's
// native units (kPa).
func (d *Driver) SetPressureTarget(ctx context.Context, kpa float32) error {
	reply, err := d.transact(ctx, "set_pressure_target", typeSetPressureTarget, encodeFloat32(kpa))
	if err != nil {
		return err
	}
	return checkStatus("set_pressure_target", reply)
}

// GetPressureActual polls the measured pressure.
func (d *Driver) GetPressureActual(ctx context.Context) (float32, error) {
	reply, err := d.transact(ctx, "get_pressure_actual", typeGetPressureActual, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_pressure_actual", reply); err != nil {
		return 0, err
	}
	if len(reply) < 5 {
		return 0, &DeviceError{Op: "get_pressure_actual", Msg: "short reply"}
	}
	return decodeFloat32(reply[1:5]), nil
}

// SetFlowTarget requests a new flow-rate setpoint, in the firmware's
// native units (µl/min).
func (d *Driver) SetFlowTarget(ctx context.Context, ulPerMin float32) error {
	reply, err := d.transact(ctx, "set_flow_target", typeSetFlowTarget, encodeFloat32(ulPerMin))
	if err != nil {
		return err
	}
	return checkStatus("set_flow_target", reply)
}

// GetFlowActual polls the measured flow rate.
func (d *Driver) GetFlowActual(ctx context.Context) (float32, error) {
	reply, err := d.transact(ctx, "get_flow_actual", typeGetFlowActual, nil)
	if err != nil {
		return 0, err
	}
	if err := checkStatus("get_flow_actual", reply); err != nil {
		return 0, err
	}
	if len(reply) < 5 {
		return 0, &DeviceError{Op: "get_flow_actual", Msg: "short reply"}
	}
	return decodeFloat32(reply[1:5]), nil
}

// SetFPIDConsts updates the flow-loop PID coefficients.
func (d *Driver) SetFPIDConsts(ctx context.Context, c FPIDConsts) error {
	payload := append(append(encodeFloat32(c.P), encodeFloat32(c.I)...), encodeFloat32(c.D)...)
	reply, err := d.transact(ctx, "set_fpid_consts", typeSetFPIDConsts, payload)
	if err != nil {
		return err
	}
	return checkStatus("set_fpid_consts", reply)
}

// GetFPIDConsts reads back the persisted flow-loop PID coefficients.
func (d *Driver) GetFPIDConsts(ctx context.Context) (FPIDConsts, error) {
	reply, err := d.transact(ctx, "get_fpid_consts", typeGetFPIDConsts, nil)
	if err != nil {
		return FPIDConsts{}, err
	}
	if err := checkStatus("get_fpid_consts", reply); err != nil {
		return FPIDConsts{}, err
	}
	if len(reply) < 13 {
		return FPIDConsts{}, &DeviceError{Op: "get_fpid_consts", Msg: "short reply"}
	}
	return FPIDConsts{
		P: decodeFloat32(reply[1:5]),
		I: decodeFloat32(reply[5:9]),
		D: decodeFloat32(reply[9:13]),
	}, nil
}

// Poll reads a State snapshot with one round-trip per field it fills,
// stopping at the first error.
func (d *Driver) Poll(ctx context.Context) (State, error) {
	var s State
	var err error
	if s.ID, err = d.GetID(ctx); err != nil {
		return s, err
	}
	if s.ControlMode, err = d.GetControlMode(ctx); err != nil {
		return s, err
	}
	if s.PressureActual, err = d.GetPressureActual(ctx); err != nil {
		return s, err
	}
	if s.FlowActual, err = d.GetFlowActual(ctx); err != nil {
		return s, err
	}
	if s.FPID, err = d.GetFPIDConsts(ctx); err != nil {
		return s, err
	}
	return s, nil
}
