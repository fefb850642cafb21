//go:build !linux
// +build !linux

package camera

// PipeCamera is unavailable on non-Linux hosts: the Pi/machine-vision
// capture commands it wraps are Linux-only. Use Simulated instead.
type PipeCamera struct {
	pipeState
}

func NewPipeCamera(cfg PipeConfig) *PipeCamera {
	return &PipeCamera{pipeState: pipeState{cfg: cfg}}
}

func (p *PipeCamera) Start() error {
	return &CaptureError{Op: "start", Msg: "hardware camera backends require linux"}
}

func (p *PipeCamera) Stop() error  { return nil }
func (p *PipeCamera) Close() error { return nil }

func (p *PipeCamera) CaptureFull() (Frame, error) {
	return Frame{}, &CaptureError{Op: "capture", Msg: "hardware camera backends require linux"}
}

func (p *PipeCamera) CaptureROI(ROI) (Frame, error) {
	return Frame{}, &CaptureError{Op: "capture", Msg: "hardware camera backends require linux"}
}

func (p *PipeCamera) SetFrameHook(hook FrameHook) { p.setHook(hook) }

func (p *PipeCamera) Features() map[string]bool { return p.features() }

func (p *PipeCamera) SetHardwareROI(roi ROI) (bool, error) {
	return false, &CaptureError{Op: "roi", Msg: "hardware camera backends require linux"}
}

var _ Adapter = (*PipeCamera)(nil)
