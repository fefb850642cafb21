package flowdev

import (
	"context"
	"testing"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/bus"
	"github.com/wenzel-lab/dropletsync/internal/wire"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpiotest"
	"periph.io/x/periph/conn/spi"
)

type scriptedSPI struct {
	replies [][]byte
	cur     []byte
	pos     int
}

func (s *scriptedSPI) Tx(w, r []byte) error {
	if w != nil {
		if len(s.replies) == 0 {
			return errNoReply
		}
		s.cur = s.replies[0]
		s.replies = s.replies[1:]
		s.pos = 0
		return nil
	}
	for i := range r {
		if s.pos >= len(s.cur) {
			return errNoReply
		}
		r[i] = s.cur[s.pos]
		s.pos++
	}
	return nil
}
func (s *scriptedSPI) TxPackets(p []spi.Packet) error { return nil }

type noReplyErr struct{}

func (noReplyErr) Error() string { return "flowdev test: no scripted reply" }

var errNoReply = noReplyErr{}

func newDriver(t *testing.T, replies ...[]byte) *Driver {
	t.Helper()
	sp := &scriptedSPI{replies: replies}
	pin := &gpiotest.Pin{N: "flow", L: gpio.High}
	a := bus.New(sp, map[bus.ModuleID]gpio.PinOut{bus.Flow: pin}, func(bus.ModuleID) time.Duration { return time.Millisecond })
	return New(a, bus.Flow)
}

func TestGetID(t *testing.T) {
	payload := make([]byte, 5)
	payload[1] = 0x2a
	frame, err := wire.Encode(typeGetID, payload)
	if err != nil {
		t.Fatal(err)
	}
	d := newDriver(t, frame)
	id, err := d.GetID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != 0x2a {
		t.Fatalf("id = %d, want 42", id)
	}
}

func TestSetPressureTarget_deviceError(t *testing.T) {
	frame, err := wire.Encode(typeSetPressureTarget, []byte{9})
	if err != nil {
		t.Fatal(err)
	}
	d := newDriver(t, frame)
	err = d.SetPressureTarget(context.Background(), 12.5)
	de, ok := err.(*DeviceError)
	if !ok || de.Status != 9 {
		t.Fatalf("err = %v, want DeviceError{Status:9}", err)
	}
}

func TestFPIDConsts_roundtrip(t *testing.T) {
	want := FPIDConsts{P: 1.5, I: 0.2, D: 0.01}
	payload := append(append([]byte{0}, encodeFloat32(want.P)...), append(encodeFloat32(want.I), encodeFloat32(want.D)...)...)
	frame, err := wire.Encode(typeGetFPIDConsts, payload)
	if err != nil {
		t.Fatal(err)
	}
	d := newDriver(t, frame)
	got, err := d.GetFPIDConsts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}
