// Package supervisor owns the pipeline's long-lived goroutines: a
// capture task feeding a bounded single-producer/single-consumer queue,
// a process task draining it through the orchestrator, and the
// double-buffered ROI/config state both tasks read.
package supervisor

import (
	"log"
	"os"
	"sync"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/camera"
	"github.com/wenzel-lab/dropletsync/internal/detect"
	"github.com/wenzel-lab/dropletsync/internal/orchestrator"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/interrupt"
)

// queueCapacity is the capacity-2 SPSC frame queue named in spec.md
// §4.12: small on purpose, so a slow consumer drops the oldest frame
// rather than applying backpressure to the capture thread.
const queueCapacity = 2

// frameQueue is a bounded, drop-oldest single-producer/single-consumer
// queue of captured frames.
type frameQueue struct {
	ch chan camera.Frame
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ch: make(chan camera.Frame, queueCapacity)}
}

// push enqueues f, dropping and closing the oldest queued frame if the
// queue is already at capacity, so the newest frame always wins.
func (q *frameQueue) push(f camera.Frame) {
	select {
	case q.ch <- f:
	default:
		select {
		case old := <-q.ch:
			old.Close()
		default:
		}
		select {
		case q.ch <- f:
		default:
			f.Close()
		}
	}
}

// ProfileLoader loads a named Detection configuration profile, e.g. from
// a YAML file on disk; internal/config provides the concrete
// implementation used by cmd/dropletd.
type ProfileLoader func(name string) (detect.Config, error)

// Supervisor drives the capture and process tasks and owns the
// double-buffered ROI/config updates both of them observe.
type Supervisor struct {
	cam   camera.Adapter
	orch  *orchestrator.Orchestrator
	queue *frameQueue

	loadProfile   ProfileLoader
	profilePath   string
	activeProfile string
	watcher       *fsnotify.Watcher

	mu      sync.Mutex
	roi     camera.ROI
	hwROI   bool
	running bool

	wg sync.WaitGroup

	onMeasurements func([]detect.Measurement)
}

// New builds a Supervisor over an already-constructed camera adapter and
// orchestrator. onMeasurements, if non-nil, is invoked from the process
// goroutine with every frame's accepted droplets.
func New(cam camera.Adapter, orch *orchestrator.Orchestrator, loadProfile ProfileLoader, onMeasurements func([]detect.Measurement)) *Supervisor {
	return &Supervisor{
		cam:            cam,
		orch:           orch,
		queue:          newFrameQueue(),
		loadProfile:    loadProfile,
		onMeasurements: onMeasurements,
	}
}

// SetROI updates the process-wide ROI; both the capture and process
// tasks pick it up on their next iteration. It first asks the camera
// backend to crop in hardware; when the backend can't (ok=false), the
// capture loop falls back to requesting software-cropped frames instead,
// and that fallback is logged rather than left silent (spec.md Open
// Question 3).
func (s *Supervisor) SetROI(roi camera.ROI) {
	ok, err := s.cam.SetHardwareROI(roi)
	if err != nil {
		log.Printf("supervisor: hardware ROI request failed, falling back to software crop: %v", err)
	} else if !ok {
		log.Printf("supervisor: backend has no hardware ROI support, falling back to software crop")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.roi = roi
	s.hwROI = ok && err == nil
	s.orch.SetROI(roi)
}

// Start launches the capture and process goroutines. Stop (or process-
// wide interrupt via github.com/maruel/interrupt) tears them down.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.cam.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.wg.Add(2)
	go s.captureLoop()
	go s.processLoop()
	return nil
}

// Stop signals both goroutines to exit and waits for them to finish. If a
// profile watch is active, it closes the underlying watcher so that
// goroutine joins too, instead of depending on interrupt.Channel or the
// next filesystem event to notice shutdown.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}

	s.wg.Wait()
	return s.cam.Stop()
}

// isRunning reports whether Stop has been requested, checked between
// frames by both goroutines so they remain promptly cancellable.
func (s *Supervisor) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) captureLoop() {
	defer s.wg.Done()
	for s.isRunning() && !interrupt.IsSet() {
		s.mu.Lock()
		roi := s.roi
		hwROI := s.hwROI
		s.mu.Unlock()

		var (
			frame camera.Frame
			err   error
		)
		switch {
		case roi.W == 0 || roi.H == 0:
			frame, err = s.cam.CaptureFull()
		case hwROI:
			// Backend already crops before readout; CaptureFull returns the
			// cropped frame directly instead of capturing full-size and
			// cropping again in software.
			frame, err = s.cam.CaptureFull()
		default:
			frame, err = s.cam.CaptureROI(roi)
		}
		if err != nil {
			log.Printf("supervisor: capture failed: %v", err)
			continue
		}
		s.queue.push(frame)
	}
}

func (s *Supervisor) processLoop() {
	defer s.wg.Done()
	for s.isRunning() && !interrupt.IsSet() {
		select {
		case frame, ok := <-s.queue.ch:
			if !ok {
				return
			}
			measurements, err := s.orch.ProcessFrame(frame)
			frame.Close()
			if err != nil {
				log.Printf("supervisor: frame processing failed: %v", err)
				continue
			}
			if s.onMeasurements != nil && len(measurements) > 0 {
				s.onMeasurements(measurements)
			}
		case <-time.After(100 * time.Millisecond):
			// Bounded wait keeps the process loop cancellable even when no
			// frames are arriving (spec.md §5 suspension points).
		}
	}
}

// WatchProfile starts an fsnotify watch on profilePath and transactionally
// reloads the named profile into the orchestrator whenever the file
// changes. It returns once the watch is installed; the watch itself runs
// in a background goroutine until interrupt.Channel fires, the watcher
// errors out, or Stop closes the watcher — closing it unblocks the
// goroutine's select immediately instead of waiting on the next fs event.
func (s *Supervisor) WatchProfile(profilePath, name string) error {
	s.profilePath = profilePath
	s.activeProfile = name

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(profilePath); err != nil {
		watcher.Close()
		return err
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-interrupt.Channel:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("supervisor: profile watch error: %v", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				s.reloadProfile()
			}
		}
	}()
	return nil
}

func (s *Supervisor) reloadProfile() {
	if s.loadProfile == nil {
		return
	}
	cfg, err := s.loadProfile(s.activeProfile)
	if err != nil {
		log.Printf("supervisor: profile %q reload failed, keeping previous config: %v", s.activeProfile, err)
		return
	}
	if err := s.orch.UpdateConfig(cfg); err != nil {
		log.Printf("supervisor: profile %q rejected: %v", s.activeProfile, err)
	} else {
		log.Printf("supervisor: reloaded profile %q from %s", s.activeProfile, s.profilePath)
	}
}

// ProfileFileExists reports whether path names a regular file, so callers
// can validate a profile path before installing a watch on it.
func ProfileFileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
