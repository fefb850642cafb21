package camera

import (
	"bufio"
	"io"
	"os/exec"
	"time"

	"gocv.io/x/gocv"
)

// PipeCamera streams raw BGR frames from an external capture process
// (raspivid/libcamera-vid/a machine-vision SDK's CLI, depending on
// cfg.Backend), one Width*Height*3-byte frame at a time, the way
// cvpipe's decoder goroutine reads GStreamer's stdout.
type PipeCamera struct {
	pipeState
	cmd    *exec.Cmd
	stdout io.ReadCloser
	reader *bufio.Reader
}

// NewPipeCamera constructs a hardware backend around cfg without
// starting its subprocess; call Start to begin streaming.
func NewPipeCamera(cfg PipeConfig) *PipeCamera {
	return &PipeCamera{pipeState: pipeState{cfg: cfg}}
}

func (p *PipeCamera) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CaptureError{Op: "start", Msg: err.Error()}
	}
	if err := cmd.Start(); err != nil {
		return &CaptureError{Op: "start", Msg: err.Error()}
	}
	p.cmd = cmd
	p.stdout = stdout
	p.reader = bufio.NewReaderSize(stdout, p.cfg.Width*p.cfg.Height*3)
	p.running = true
	return nil
}

func (p *PipeCamera) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return nil
}

func (p *PipeCamera) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	if p.stdout != nil {
		return p.stdout.Close()
	}
	return nil
}

func (p *PipeCamera) readFrame() (gocv.Mat, error) {
	frameSize := p.cfg.Width * p.cfg.Height * 3
	buf := make([]byte, frameSize)
	if _, err := io.ReadFull(p.reader, buf); err != nil {
		return gocv.Mat{}, &CaptureError{Op: "capture", Msg: "short read from capture process: " + err.Error()}
	}
	mat, err := gocv.NewMatFromBytes(p.cfg.Height, p.cfg.Width, gocv.MatTypeCV8UC3, buf)
	if err != nil {
		return gocv.Mat{}, &CaptureError{Op: "capture", Msg: err.Error()}
	}
	return mat, nil
}

func (p *PipeCamera) CaptureFull() (Frame, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return Frame{}, &CaptureError{Op: "capture", Msg: "backend not started"}
	}
	mat, err := p.readFrame()
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Mat: mat, TimestampNs: time.Now().UnixNano(), Seq: p.nextSeq()}
	p.mu.Lock()
	hook := p.hook
	p.mu.Unlock()
	if hook != nil {
		hook(f)
	}
	return f, nil
}

func (p *PipeCamera) CaptureROI(roi ROI) (Frame, error) {
	full, err := p.CaptureFull()
	if err != nil {
		return Frame{}, err
	}
	return p.captureROI(full, roi)
}

func (p *PipeCamera) SetFrameHook(hook FrameHook) { p.setHook(hook) }

func (p *PipeCamera) Features() map[string]bool { return p.features() }

// SetHardwareROI validates roi and reports ok=true when cfg.HardwareROI
// is set; other backends report ok=false so the caller falls back to
// CaptureROI's software crop. It does not restart or reconfigure the
// capture process, so frames keep arriving at full Width x Height and
// crop happens in software downstream.
func (p *PipeCamera) SetHardwareROI(roi ROI) (bool, error) {
	if !p.cfg.HardwareROI {
		return false, nil
	}
	if err := roi.Validate(p.cfg.Width, p.cfg.Height); err != nil {
		return false, err
	}
	// Reference wiring resizes the process's crop window via its own
	// control channel; left to the concrete Command/Args the caller
	// configured per backend, since that syntax is vendor-specific.
	return true, nil
}

var _ Adapter = (*PipeCamera)(nil)
