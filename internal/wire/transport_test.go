package wire

import (
	"errors"
	"testing"
	"time"
)

// fakeConn replays a fixed byte stream for reads and records writes. A
// Tx with a non-nil w is a write (any r is ignored) and Tx(nil, r) is a
// read, matching how Send drives the port.
type fakeConn struct {
	writes  [][]byte
	rx      []byte
	readPos int
	failTx  error
	idle    bool // once rx is exhausted, reads return 0xff instead of failing
}

func (f *fakeConn) Tx(w, r []byte) error {
	if f.failTx != nil {
		return f.failTx
	}
	if w != nil {
		cp := make([]byte, len(w))
		copy(cp, w)
		f.writes = append(f.writes, cp)
		return nil
	}
	if r != nil {
		for i := range r {
			if f.readPos >= len(f.rx) {
				if f.idle {
					r[i] = 0xff
					continue
				}
				return errors.New("fakeConn: out of data")
			}
			r[i] = f.rx[f.readPos]
			f.readPos++
		}
	}
	return nil
}

func TestSend_roundtrip(t *testing.T) {
	reply, err := Encode(0x02, []byte{0x00, 0xAA, 0xBB, 0xCC, 0xDD})
	if err != nil {
		t.Fatal(err)
	}
	c := &fakeConn{rx: reply}
	data, err := Send(c, time.Millisecond, DefaultTimeout, 0x02, []byte{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 5 || data[0] != 0x00 {
		t.Fatalf("data = %v", data)
	}
	if len(c.writes) != 1 {
		t.Fatalf("expected exactly one write, got %d", len(c.writes))
	}
}

func TestSend_junkBeforeSTX(t *testing.T) {
	reply, err := Encode(0x01, []byte{0x01})
	if err != nil {
		t.Fatal(err)
	}
	c := &fakeConn{rx: append([]byte{0xff, 0xff, 0xff}, reply...)}
	data, err := Send(c, 0, DefaultTimeout, 0x01, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1 || data[0] != 1 {
		t.Fatalf("data = %v", data)
	}
}

func TestSend_timeout(t *testing.T) {
	c := &fakeConn{rx: []byte{0xff, 0xff, 0xff}, idle: true}
	_, err := Send(c, 0, 5*time.Millisecond, 0x01, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	te, ok := err.(*TransportError)
	if !ok || te.Kind != KindTimeout {
		t.Fatalf("err = %v, want KindTimeout", err)
	}
}

func TestSend_checksumMismatch(t *testing.T) {
	reply, err := Encode(0x01, []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	reply[len(reply)-1] ^= 0xff // corrupt checksum
	c := &fakeConn{rx: reply}
	_, err = Send(c, 0, DefaultTimeout, 0x01, nil)
	if err == nil {
		t.Fatal("expected checksum error")
	}
	te, ok := err.(*TransportError)
	if !ok || te.Kind != KindChecksum {
		t.Fatalf("err = %v, want KindChecksum", err)
	}
}
