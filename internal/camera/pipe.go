package camera

import (
	"sync"
	"time"
)

// Backend names the hardware variant a pipeCamera wraps; each differs
// only in the capture command line and declared feature set, not in the
// frame-reading loop.
type Backend int

const (
	PiLegacy Backend = iota
	PiV2
	MachineVision
)

func (b Backend) String() string {
	switch b {
	case PiLegacy:
		return "pi-legacy"
	case PiV2:
		return "pi-v2"
	case MachineVision:
		return "machine-vision"
	default:
		return "unknown"
	}
}

// PipeConfig parametrizes a subprocess-backed hardware camera: the
// command that streams raw frames to its stdout, the frame geometry,
// and which features that command line actually supports.
type PipeConfig struct {
	Backend      Backend
	Command      string
	Args         []string
	Width        int
	Height       int
	HardwareROI  bool
	FrameTimeout time.Duration
}

// pipeState is the mutable part of a hardware backend, separated so the
// linux and non-linux build variants can share field access and error
// handling while only the process-spawning half differs per platform.
type pipeState struct {
	mu      sync.Mutex
	cfg     PipeConfig
	seq     uint64
	hook    FrameHook
	running bool
}

func (p *pipeState) setHook(hook FrameHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = hook
}

func (p *pipeState) features() map[string]bool {
	return map[string]bool{
		"hardware_roi":     p.cfg.HardwareROI,
		"hardware_trigger": false,
	}
}

func (p *pipeState) captureROI(full Frame, roi ROI) (Frame, error) {
	if err := roi.Validate(p.cfg.Width, p.cfg.Height); err != nil {
		full.Mat.Close()
		return Frame{}, err
	}
	defer full.Mat.Close()
	cropped := cropSoftware(full.Mat, roi)
	return Frame{Mat: cropped, TimestampNs: full.TimestampNs, Seq: full.Seq}, nil
}

func (p *pipeState) nextSeq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq
}
