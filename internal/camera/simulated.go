package camera

import (
	"image"
	"image/color"
	"math/rand"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// droplet is one simulated blob drifting through the frame, rendered as
// a filled ellipse against a uniform background.
type droplet struct {
	x, y   float64
	vx, vy float64
	radius float64
}

// simNoise drives a small population of droplets, deterministically
// seeded so repeated runs (and tests) are reproducible; the update/step
// split mirrors the teacher's noise.update()/noise.render() pair.
type simNoise struct {
	rnd      *rand.Rand
	droplets []droplet
	w, h     int
}

func newSimNoise(w, h, n int) *simNoise {
	s := &simNoise{rnd: rand.New(rand.NewSource(0)), w: w, h: h}
	s.droplets = make([]droplet, n)
	for i := range s.droplets {
		s.droplets[i] = droplet{
			x:      s.rnd.Float64() * float64(w),
			y:      float64(h)/2 + s.rnd.NormFloat64()*float64(h)/8,
			vx:     6 + s.rnd.NormFloat64(),
			vy:     s.rnd.NormFloat64() * 0.3,
			radius: 6 + s.rnd.Float64()*5,
		}
	}
	return s
}

func (s *simNoise) step() {
	for i := range s.droplets {
		d := &s.droplets[i]
		d.x += d.vx
		d.y += d.vy
		if d.x-d.radius > float64(s.w) {
			d.x = -d.radius
			d.y = float64(s.h)/2 + s.rnd.NormFloat64()*float64(s.h)/8
		}
	}
}

func (s *simNoise) render() gocv.Mat {
	mat := gocv.NewMatWithSize(s.h, s.w, gocv.MatTypeCV8UC3)
	mat.SetTo(gocv.NewScalar(18, 18, 18, 0))
	for _, d := range s.droplets {
		center := image.Pt(int(d.x), int(d.y))
		gocv.Circle(&mat, center, int(d.radius), color.RGBA{R: 230, G: 230, B: 230, A: 255}, -1)
	}
	return mat
}

// Simulated is a deterministic, hardware-free camera backend used for
// testing and development; it exercises the same Adapter contract real
// backends do without depending on any device.
type Simulated struct {
	mu        sync.Mutex
	noise     *simNoise
	frameRate time.Duration
	w, h      int
	seq       uint64
	hook      FrameHook
	hwROI     *ROI
	running   bool
}

// NewSimulated builds a simulated backend streaming frames of the given
// size at the given period, with droplets droplets drifting through.
func NewSimulated(w, h int, frameRate time.Duration, droplets int) *Simulated {
	return &Simulated{
		noise:     newSimNoise(w, h, droplets),
		frameRate: frameRate,
		w:         w,
		h:         h,
	}
}

func (s *Simulated) Start() error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()
	return nil
}

func (s *Simulated) Stop() error {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return nil
}

func (s *Simulated) Close() error {
	return s.Stop()
}

func (s *Simulated) nextFrame() (Frame, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return Frame{}, &CaptureError{Op: "capture", Msg: "backend not started"}
	}
	s.noise.step()
	mat := s.noise.render()
	s.seq++
	f := Frame{Mat: mat, TimestampNs: time.Now().UnixNano(), Seq: s.seq}
	hook := s.hook
	s.mu.Unlock()

	time.Sleep(s.frameRate)
	if hook != nil {
		hook(f)
	}
	return f, nil
}

func (s *Simulated) CaptureFull() (Frame, error) {
	return s.nextFrame()
}

func (s *Simulated) CaptureROI(roi ROI) (Frame, error) {
	if err := roi.Validate(s.w, s.h); err != nil {
		return Frame{}, err
	}
	full, err := s.nextFrame()
	if err != nil {
		return Frame{}, err
	}
	defer full.Mat.Close()
	cropped := cropSoftware(full.Mat, roi)
	return Frame{Mat: cropped, TimestampNs: full.TimestampNs, Seq: full.Seq}, nil
}

func (s *Simulated) SetFrameHook(hook FrameHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

func (s *Simulated) Features() map[string]bool {
	return map[string]bool{"hardware_roi": false, "hardware_trigger": false}
}

// SetHardwareROI always reports ok=false: the simulated backend has no
// hardware cropping, matching a real low-end backend's behavior so
// callers exercise the software-fallback path under test.
func (s *Simulated) SetHardwareROI(roi ROI) (bool, error) {
	if err := roi.Validate(s.w, s.h); err != nil {
		return false, err
	}
	return false, nil
}

var _ Adapter = (*Simulated)(nil)
