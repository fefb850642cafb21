package strobe

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/bus"
	"github.com/wenzel-lab/dropletsync/internal/wire"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
	"periph.io/x/periph/conn/spi"
)

// scriptedSPI answers every Tx write with bytes popped off a queue of
// pre-encoded reply frames, modeled on internal/wire's fakeConn.
type scriptedSPI struct {
	replies [][]byte
	cur     []byte
	pos     int
	failN   int // if > 0, the next N writes fail outright
}

func (s *scriptedSPI) Tx(w, r []byte) error {
	if w != nil {
		if s.failN > 0 {
			s.failN--
			return errTxFail
		}
		if len(s.replies) == 0 {
			return errTxFail
		}
		s.cur = s.replies[0]
		s.replies = s.replies[1:]
		s.pos = 0
		return nil
	}
	for i := range r {
		if s.pos >= len(s.cur) {
			return errTxFail
		}
		r[i] = s.cur[s.pos]
		s.pos++
	}
	return nil
}

func (s *scriptedSPI) TxPackets(p []spi.Packet) error { return nil }

type txFailErr struct{}

func (txFailErr) Error() string { return "scriptedSPI: tx failure" }

var errTxFail = txFailErr{}

func newDriver(t *testing.T, replies ...[]byte) (*Driver, *bus.Arbiter) {
	t.Helper()
	sp := &scriptedSPI{replies: replies}
	pin := &gpiotest.Pin{N: "strobe", L: gpio.High}
	a := bus.New(sp, map[bus.ModuleID]gpio.PinOut{bus.Strobe: pin}, func(bus.ModuleID) time.Duration { return time.Millisecond })
	return New(a), a
}

func TestSetEnable_ok(t *testing.T) {
	frame, err := wire.Encode(typeSetEnable, []byte{0})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := newDriver(t, frame)
	if err := d.SetEnable(context.Background(), true); err != nil {
		t.Fatal(err)
	}
}

func TestSetEnable_deviceError(t *testing.T) {
	frame, err := wire.Encode(typeSetEnable, []byte{7})
	if err != nil {
		t.Fatal(err)
	}
	d, _ := newDriver(t, frame)
	err = d.SetEnable(context.Background(), true)
	de, ok := err.(*DeviceError)
	if !ok || de.Status != 7 {
		t.Fatalf("err = %v, want DeviceError{Status:7}", err)
	}
}

func TestSetTiming_roundtrip(t *testing.T) {
	want := Timing{WaitNs: 1980, DurationNs: 1490}
	payload := make([]byte, 9)
	binary.LittleEndian.PutUint32(payload[1:5], want.WaitNs)
	binary.LittleEndian.PutUint32(payload[5:9], want.DurationNs)
	frame, err := wire.Encode(typeSetTiming, payload)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := newDriver(t, frame)
	got, err := d.SetTiming(context.Background(), 2000, 1500)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetCamReadTime(t *testing.T) {
	payload := make([]byte, 3)
	binary.LittleEndian.PutUint16(payload[1:3], 1200)
	frame, err := wire.Encode(typeGetCamReadTime, payload)
	if err != nil {
		t.Fatal(err)
	}
	d, _ := newDriver(t, frame)
	got, err := d.GetCamReadTime(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != 1200 {
		t.Fatalf("got %d, want 1200", got)
	}
}

// TestTransact_retriesThenSucceeds exercises the retry-then-succeed path:
// the first two writes fail, the third gets an OK reply.
func TestTransact_retriesThenSucceeds(t *testing.T) {
	frame, err := wire.Encode(typeSetEnable, []byte{0})
	if err != nil {
		t.Fatal(err)
	}
	sp := &scriptedSPI{replies: [][]byte{frame}, failN: 2}
	pin := &gpiotest.Pin{N: "strobe", L: gpio.High}
	a := bus.New(sp, map[bus.ModuleID]gpio.PinOut{bus.Strobe: pin}, func(bus.ModuleID) time.Duration { return time.Millisecond })
	d := New(a)
	if err := d.SetEnable(context.Background(), true); err != nil {
		t.Fatal(err)
	}
}

// TestTransact_escalatesAfterRetryBudget exercises the degrade-to-
// DeviceError path once every retry is exhausted.
func TestTransact_escalatesAfterRetryBudget(t *testing.T) {
	sp := &scriptedSPI{failN: maxRetries + 1}
	pin := &gpiotest.Pin{N: "strobe", L: gpio.High}
	a := bus.New(sp, map[bus.ModuleID]gpio.PinOut{bus.Strobe: pin}, func(bus.ModuleID) time.Duration { return time.Millisecond })
	d := New(a)
	err := d.SetEnable(context.Background(), true)
	if _, ok := err.(*DeviceError); !ok {
		t.Fatalf("err = %v (%T), want *DeviceError", err, err)
	}
}
