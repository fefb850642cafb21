// Package sync implements the strobe/camera coordinator: a two-mode
// synchronization state machine that keeps exactly one strobe pulse
// paired with each camera exposure, either by letting the strobe
// firmware free-run the strobe while the camera free-runs at a
// compatible rate (strobe-clocked) or by having the camera
// arm the strobe over a host GPIO edge on every captured frame
// (camera-clocked).
package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/camera"
	"github.com/wenzel-lab/dropletsync/internal/strobe"
	"periph.io/x/periph/conn/gpio"
)

// Mode selects which side of the strobe/camera pair drives timing.
type Mode int

const (
	// StrobeClocked: firmware free-runs the strobe; the camera free-runs
	// at a compatible rate. No host-side per-frame work.
	StrobeClocked Mode = iota
	// CameraClocked: the camera is timing master; the coordinator arms
	// the strobe on a GPIO edge from the frame hook.
	CameraClocked
)

// State is a node in the coordinator's transactional state machine.
type State int

const (
	Initialized State = iota
	Configured
	Armed
	Running
	Stopped
	Degraded
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Configured:
		return "configured"
	case Armed:
		return "armed"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Degraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// TransitionError reports a failed state transition; the machine stays
// in (or returns to) PriorState, never left half-migrated.
type TransitionError struct {
	From, To  State
	PriorState State
	Err       error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("sync: %s -> %s failed, remaining at %s: %v", e.From, e.To, e.PriorState, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Config carries the calibratable, backend-specific parameters the
// original design left as fixed assumptions: trigger polarity and
// minimum pulse width, plus the margin added to the strobe-clocked
// frame period.
type Config struct {
	Mode Mode

	WaitNs     uint32
	DurationNs uint32

	// TriggerActiveHigh selects whether the trigger GPIO edge asserted
	// in camera-clocked mode is a rising (true) or falling (false) edge.
	TriggerActiveHigh bool
	// MinPulseWidth bounds how long the trigger pin is held asserted
	// before being released; spec bounds this to roughly 10us.
	MinPulseWidth time.Duration

	// FrameRateMargin is the margin to pass to StrobeClockedFramePeriod,
	// which adds it on top of wait+duration+cam_read_time. The
	// Coordinator itself does not read it and does not set the camera's
	// frame period.
	FrameRateMargin time.Duration
}

const (
	maxRetries   = 3
	retryBackoff = 20 * time.Millisecond
)

// Coordinator drives a strobe.Driver and a camera.Adapter through the
// two-mode synchronization state machine.
type Coordinator struct {
	strobeDrv *strobe.Driver
	cam       camera.Adapter
	trigger   gpio.PinOut

	mu           sync.Mutex
	state        State
	cfg          Config
	timingSet    bool
	triggerModeSet bool

	triggerBusy int32 // 0=idle, 1=pulse in flight; guards against double-fire
	missed      uint64
}

// New builds a coordinator over an already-constructed strobe driver,
// camera adapter, and (for camera-clocked mode) host trigger pin.
func New(strobeDrv *strobe.Driver, cam camera.Adapter, trigger gpio.PinOut) *Coordinator {
	return &Coordinator{strobeDrv: strobeDrv, cam: cam, trigger: trigger, state: Initialized}
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MissedTriggers reports how many camera frames arrived while a
// previous trigger pulse was still in flight; those frames are logged
// but never double-fire the strobe.
func (c *Coordinator) MissedTriggers() uint64 {
	return atomic.LoadUint64(&c.missed)
}

func (c *Coordinator) transition(from, to State, fn func() error) error {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return &TransitionError{From: from, To: to, PriorState: c.state, Err: fmt.Errorf("not in state %s", from)}
	}
	c.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff)
		}
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.state = to
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	c.state = Degraded
	c.mu.Unlock()
	log.Printf("sync: %s -> %s failed after %d attempts, degrading: %v", from, to, maxRetries+1, lastErr)
	// best-effort quiesce; ignore its error, the session is already fatal
	c.strobeDrv.SetEnable(context.Background(), false)
	return &TransitionError{From: from, To: to, PriorState: Degraded, Err: lastErr}
}

// Configure moves INITIALIZED -> CONFIGURED: sets strobe timing and
// trigger mode for the configured Mode.
func (c *Coordinator) Configure(ctx context.Context, cfg Config) error {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()

	return c.transition(Initialized, Configured, func() error {
		if _, err := c.strobeDrv.SetTiming(ctx, cfg.WaitNs, cfg.DurationNs); err != nil {
			return err
		}
		c.mu.Lock()
		c.timingSet = true
		c.mu.Unlock()

		mode := strobe.TriggerSoftware
		if cfg.Mode == CameraClocked {
			mode = strobe.TriggerHardware
		}
		if err := c.strobeDrv.SetTriggerMode(ctx, mode); err != nil {
			return err
		}
		c.mu.Lock()
		c.triggerModeSet = true
		c.mu.Unlock()
		return nil
	})
}

// Arm moves CONFIGURED -> ARMED. Requires both timing and trigger mode
// to have been set by Configure.
func (c *Coordinator) Arm(ctx context.Context) error {
	c.mu.Lock()
	ready := c.timingSet && c.triggerModeSet
	cur := c.state
	c.mu.Unlock()
	if !ready {
		return &TransitionError{From: Configured, To: Armed, PriorState: cur, Err: fmt.Errorf("timing and trigger mode must both be set before arming")}
	}
	return c.transition(Configured, Armed, func() error {
		if c.cfg.Mode == CameraClocked {
			c.cam.SetFrameHook(c.onFrame)
		}
		return nil
	})
}

// Enable moves ARMED -> RUNNING by enabling the strobe.
func (c *Coordinator) Enable(ctx context.Context) error {
	return c.transition(Armed, Running, func() error {
		return c.strobeDrv.SetEnable(ctx, true)
	})
}

// Stop is reachable from every state: disables the strobe, removes any
// installed frame hook, and transitions unconditionally to STOPPED.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	from := c.state
	c.mu.Unlock()
	if c.cfg.Mode == CameraClocked {
		c.cam.SetFrameHook(nil)
	}
	err := c.strobeDrv.SetEnable(ctx, false)
	c.mu.Lock()
	c.state = Stopped
	c.timingSet = false
	c.triggerModeSet = false
	c.mu.Unlock()
	if err != nil {
		return &TransitionError{From: from, To: Stopped, PriorState: Stopped, Err: err}
	}
	return nil
}

// onFrame is installed as the camera's per-frame hook in camera-clocked
// mode: it emits exactly one trigger edge per frame, never double-
// firing while a previous pulse is still asserted. Must return within
// roughly one frame period; the GPIO toggle itself is bounded by
// MinPulseWidth (~10us in the reference wiring).
func (c *Coordinator) onFrame(camera.Frame) {
	if !atomic.CompareAndSwapInt32(&c.triggerBusy, 0, 1) {
		atomic.AddUint64(&c.missed, 1)
		log.Printf("sync: frame arrived while trigger pulse in flight, skipping (missed=%d)", atomic.LoadUint64(&c.missed))
		return
	}
	defer atomic.StoreInt32(&c.triggerBusy, 0)

	assert, deassert := gpio.High, gpio.Low
	if !c.cfg.TriggerActiveHigh {
		assert, deassert = gpio.Low, gpio.High
	}
	if err := c.trigger.Out(assert); err != nil {
		log.Printf("sync: trigger assert failed: %v", err)
		return
	}
	if c.cfg.MinPulseWidth > 0 {
		time.Sleep(c.cfg.MinPulseWidth)
	}
	if err := c.trigger.Out(deassert); err != nil {
		log.Printf("sync: trigger deassert failed: %v", err)
	}
}

// StrobeClockedFramePeriod returns the minimum camera frame period the
// coordinator requires in strobe-clocked mode, given the firmware's
// actual achieved timing and reported camera read time.
func StrobeClockedFramePeriod(timing strobe.Timing, camReadTimeUs uint16, margin time.Duration) time.Duration {
	return time.Duration(timing.WaitNs)*time.Nanosecond +
		time.Duration(timing.DurationNs)*time.Nanosecond +
		time.Duration(camReadTimeUs)*time.Microsecond +
		margin
}
