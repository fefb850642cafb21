// Package camera defines the pluggable camera backend contract: frame
// delivery, ROI cropping with hardware-ROI-with-software-fallback, and a
// per-frame hook for the strobe/camera coordinator's camera-clocked mode.
package camera

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ROI is a crop rectangle in source-frame coordinates.
type ROI struct {
	X, Y, W, H int
}

// Validate enforces spec's ROI invariants against a frame of the given
// dimensions: non-negative origin, minimum 10x10 size, fully contained.
func (r ROI) Validate(frameW, frameH int) error {
	switch {
	case r.X < 0 || r.Y < 0:
		return &CaptureError{Op: "roi", Msg: "negative origin"}
	case r.W < 10 || r.H < 10:
		return &CaptureError{Op: "roi", Msg: "width/height below minimum of 10px"}
	case r.X+r.W > frameW || r.Y+r.H > frameH:
		return &CaptureError{Op: "roi", Msg: fmt.Sprintf("roi %+v exceeds frame %dx%d", r, frameW, frameH)}
	}
	return nil
}

// Frame is a single captured image: read-only after capture, passed by
// ownership from producer to consumer exactly once.
type Frame struct {
	Mat         gocv.Mat
	TimestampNs int64
	Seq         uint64
}

// Close releases the frame's backing pixel buffer. Callers that pass a
// Frame onward (e.g. into a bounded queue) must not call Close twice.
func (f Frame) Close() error {
	return f.Mat.Close()
}

// CaptureError reports a camera backend failure: dropped frames, a
// refused start/stop, or an out-of-bounds ROI request.
type CaptureError struct {
	Op  string
	Msg string
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("camera: %s: %s", e.Op, e.Msg)
}

// FrameHook is invoked once per captured frame, on the capture thread,
// after the pixel buffer is ready but before the frame reaches any
// consumer. It must not block for longer than one frame period; in
// camera-clocked mode the coordinator uses it to fire the strobe trigger
// GPIO edge.
type FrameHook func(Frame)

// Adapter is the contract every camera backend (simulated, Pi legacy, Pi
// v2, machine-vision) must satisfy. The pipeline never touches
// backend-specific APIs directly.
type Adapter interface {
	// Start begins streaming; Stop suspends it without releasing
	// resources; Close releases the backend permanently.
	Start() error
	Stop() error
	Close() error

	// CaptureFull returns the next full frame.
	CaptureFull() (Frame, error)
	// CaptureROI returns the next frame cropped to roi, using hardware
	// cropping if the backend supports it, otherwise a software crop of
	// a full-frame capture.
	CaptureROI(roi ROI) (Frame, error)

	// SetFrameHook installs (or, with nil, removes) the per-frame hook.
	SetFrameHook(hook FrameHook)

	// Features reports backend capabilities, e.g. "hardware_roi",
	// "hardware_trigger".
	Features() map[string]bool

	// SetHardwareROI asks the backend to crop in hardware before
	// readout. ok is false when the backend lacks hardware cropping;
	// callers must then apply CaptureROI's software-fallback path
	// instead of treating this as an error.
	SetHardwareROI(roi ROI) (ok bool, err error)
}

func imageRect(roi ROI) image.Rectangle {
	return image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H)
}

// cropSoftware crops full to roi by copying the region out, leaving full
// untouched and owned by its caller.
func cropSoftware(full gocv.Mat, roi ROI) gocv.Mat {
	region := full.Region(imageRect(roi))
	defer region.Close()
	out := gocv.NewMat()
	region.CopyTo(&out)
	return out
}
