package wire

import (
	"time"
)

// Conn is the minimal full-duplex primitive this package needs from the
// underlying SPI port. periph.io/x/periph/conn/spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// DefaultTimeout is the per-packet timeout from waiting-for-reply to
// giving up, per spec: 500ms.
const DefaultTimeout = 500 * time.Millisecond

// Send writes a framed packet for (typ, payload), waits replyPause for
// the peer microcontroller to prepare its answer, then reads and
// validates the reply frame. It returns the reply's Data, with the frame
// envelope stripped. At most one packet is ever outstanding per call;
// concurrency across modules is internal/bus's job, not this package's.
func Send(c Conn, replyPause, timeout time.Duration, typ byte, payload []byte) ([]byte, error) {
	frame, err := Encode(typ, payload)
	if err != nil {
		return nil, err
	}
	if err := c.Tx(frame, make([]byte, len(frame))); err != nil {
		return nil, &TransportError{Kind: KindFraming, Msg: "write: " + err.Error()}
	}
	time.Sleep(replyPause)
	pkt, err := readReply(c, timeout)
	if err != nil {
		return nil, err
	}
	return pkt.Data, nil
}

// readReply scans for STX then reads LEN and the remaining LEN+2 bytes
// (TYPE, DATA[LEN], CHECKSUM), failing with KindTimeout if no valid STX
// appears before the deadline.
func readReply(c Conn, timeout time.Duration) (Packet, error) {
	deadline := time.Now().Add(timeout)
	one := make([]byte, 1)
	for {
		if time.Now().After(deadline) {
			return Packet{}, &TransportError{Kind: KindTimeout, Msg: "no STX before deadline"}
		}
		if err := c.Tx(nil, one); err != nil {
			return Packet{}, &TransportError{Kind: KindFraming, Msg: "read STX: " + err.Error()}
		}
		if one[0] == stx {
			break
		}
	}
	lenBuf := make([]byte, 1)
	if err := c.Tx(nil, lenBuf); err != nil {
		return Packet{}, &TransportError{Kind: KindFraming, Msg: "read LEN: " + err.Error()}
	}
	length := lenBuf[0]
	if int(length) > maxDataLen {
		return Packet{}, &TransportError{Kind: KindLength, Msg: "LEN exceeds 255"}
	}
	rest := make([]byte, int(length)+2) // TYPE, DATA[LEN], CHECKSUM
	if err := c.Tx(nil, rest); err != nil {
		return Packet{}, &TransportError{Kind: KindFraming, Msg: "read body: " + err.Error()}
	}
	frame := make([]byte, 0, 2+len(rest))
	frame = append(frame, stx, length)
	frame = append(frame, rest...)
	return Decode(frame)
}
