// Package units holds small named numeric types for physical quantities
// that would otherwise travel through the pipeline as bare float64s.
package units

import "fmt"

// Micrometres is a length in micrometres (µm), used once pixel
// measurements are converted at the reporting boundary via PixelRatio.
type Micrometres float64

func (m Micrometres) String() string {
	return fmt.Sprintf("%.3fum", float64(m))
}

// PixelRatio is the calibration factor, in micrometres per pixel.
type PixelRatio float64

// ToMicrometres converts a pixel length to a physical length.
func (p PixelRatio) ToMicrometres(px float64) Micrometres {
	return Micrometres(px * float64(p))
}

// Nanoseconds is a duration expressed as firmware timing registers carry
// it: an unsigned 32-bit count of nanoseconds, never negative.
type Nanoseconds uint32

func (n Nanoseconds) String() string {
	return fmt.Sprintf("%dns", uint32(n))
}

// Microseconds is the 16-bit µs quantity returned by GET_CAM_READ_TIME.
type Microseconds uint16

func (u Microseconds) String() string {
	return fmt.Sprintf("%dus", uint16(u))
}
