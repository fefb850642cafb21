// Package orchestrator drives the detector pipeline (internal/detect,
// internal/histogram) per frame, tracking throughput/latency and
// degrading gracefully when one pipeline stage keeps failing.
package orchestrator

import (
	"fmt"
	"image"
	"log"
	"sync"
	"time"

	"github.com/wenzel-lab/dropletsync/internal/camera"
	"github.com/wenzel-lab/dropletsync/internal/detect"
	"github.com/wenzel-lab/dropletsync/internal/histogram"

	"gocv.io/x/gocv"
)

// Stage names the pipeline steps tracked for timing and error counting.
type Stage int

const (
	StagePreprocess Stage = iota
	StageSegment
	StageReject
	StageMeasure
	stageCount
)

func (s Stage) String() string {
	switch s {
	case StagePreprocess:
		return "preprocess"
	case StageSegment:
		return "segment"
	case StageReject:
		return "reject"
	case StageMeasure:
		return "measure"
	default:
		return "unknown"
	}
}

// consecutiveErrorLimit is the number of consecutive same-stage failures
// that transitions the orchestrator to the degraded state (spec.md §4.11).
const consecutiveErrorLimit = 3

// timingWindow is the length of the per-stage timing ring (spec.md §4.11).
const timingWindow = 1000

// stageTimings is a fixed-capacity ring of stage durations used for
// performance reporting; it never allocates past its initial capacity.
type stageTimings struct {
	samples []time.Duration
	next    int
	full    bool
}

func newStageTimings() *stageTimings {
	return &stageTimings{samples: make([]time.Duration, 0, timingWindow)}
}

func (t *stageTimings) push(d time.Duration) {
	if !t.full {
		t.samples = append(t.samples, d)
		if len(t.samples) == timingWindow {
			t.full = true
			t.next = 0
		}
		return
	}
	t.samples[t.next] = d
	t.next = (t.next + 1) % timingWindow
}

func (t *stageTimings) mean() time.Duration {
	if len(t.samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range t.samples {
		sum += d
	}
	return sum / time.Duration(len(t.samples))
}

// Stats is the point-in-time snapshot returned by SnapshotStats.
type Stats struct {
	FramesProcessed uint64
	FramesDropped   uint64
	Degraded        bool
	DegradedStage   Stage
	StageErrors     [int(stageCount)]uint64
	StageMeanNs     [int(stageCount)]int64
}

// Orchestrator runs one frame at a time through preprocess -> segment ->
// reject -> measure -> histogram, selecting the ROI crop, honoring the
// frame-skip counter, and tracking per-stage errors and timings. Not safe
// for concurrent Process calls; the supervisor drives it from a single
// processing goroutine.
type Orchestrator struct {
	cfg  *detect.Snapshot
	hist *histogram.Set

	mu        sync.Mutex
	roi       camera.ROI
	rejector  *detect.Rejector
	reference gocv.Mat
	haveRef   bool

	frameSkipCounter int

	stageErrors [int(stageCount)]uint64
	consecutive [int(stageCount)]int
	timings     [int(stageCount)]*stageTimings

	framesProcessed uint64
	framesDropped   uint64

	degraded      bool
	degradedStage Stage
}

// New builds an Orchestrator over an initial Detection configuration,
// with a fresh histogram Set of the given ring capacity (0 uses
// histogram.DefaultCapacity). The camera adapter itself belongs to the
// supervisor's capture goroutine, not the orchestrator: frames arrive
// already captured via ProcessFrame.
func New(cfg detect.Config, histCapacity int) *Orchestrator {
	o := &Orchestrator{
		cfg:      detect.NewSnapshot(cfg),
		hist:     histogram.NewSet(histCapacity),
		rejector: detect.NewRejector(),
	}
	for i := range o.timings {
		o.timings[i] = newStageTimings()
	}
	return o
}

// SetROI updates the ROI the orchestrator requests from the camera on
// every frame. Mutations are serialized with in-flight ProcessFrame calls.
func (o *Orchestrator) SetROI(roi camera.ROI) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.roi = roi
}

// SetReference installs (or replaces) the static background reference
// frame used by detect.BackgroundStatic. The Orchestrator takes ownership
// and closes any previous reference.
func (o *Orchestrator) SetReference(ref gocv.Mat) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.haveRef {
		o.reference.Close()
	}
	o.reference = ref
	o.haveRef = true
}

// UpdateConfig atomically swaps the active Detection configuration.
// Rejected (invalid) configs leave the previous one in effect.
func (o *Orchestrator) UpdateConfig(cfg detect.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("orchestrator: rejecting invalid config: %w", err)
	}
	o.cfg.Store(cfg)
	return nil
}

// Reset clears rejector history and histogram samples, as if the session
// had just started; the active config and ROI are left untouched.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejector.Reset()
	o.hist.Reset()
	for i := range o.consecutive {
		o.consecutive[i] = 0
	}
}

// Degraded reports whether the orchestrator has halted frame consumption
// after three consecutive failures on the same stage.
func (o *Orchestrator) Degraded() (bool, Stage) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.degraded, o.degradedStage
}

// SnapshotStats returns a point-in-time copy of throughput/latency
// counters, safe to call from any goroutine.
func (o *Orchestrator) SnapshotStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{
		FramesProcessed: o.framesProcessed,
		FramesDropped:   o.framesDropped,
		Degraded:        o.degraded,
		DegradedStage:   o.degradedStage,
	}
	for i := 0; i < int(stageCount); i++ {
		s.StageErrors[i] = o.stageErrors[i]
		s.StageMeanNs[i] = int64(o.timings[i].mean())
	}
	return s
}

// ProcessFrame runs one captured frame through the full detector
// pipeline, returning the droplets accepted this frame. It honors the
// frame-skip factor (returning nil, nil on a skipped frame) and does
// nothing once the orchestrator has degraded.
func (o *Orchestrator) ProcessFrame(frame camera.Frame) ([]detect.Measurement, error) {
	o.mu.Lock()
	if o.degraded {
		o.mu.Unlock()
		return nil, fmt.Errorf("orchestrator: degraded at stage %s, not processing", o.degradedStage)
	}
	cfg := o.cfg.Load()
	o.frameSkipCounter++
	if cfg.FrameSkip > 0 && o.frameSkipCounter%(cfg.FrameSkip+1) != 0 {
		o.mu.Unlock()
		return nil, nil
	}
	ref := o.reference
	haveRef := o.haveRef
	o.mu.Unlock()

	roi, roiIsCopy := o.selectROI(frame)
	if roiIsCopy {
		defer roi.Close()
	}

	mask, err := o.timeStage(StagePreprocess, func() (gocv.Mat, error) {
		var refMat gocv.Mat
		if haveRef {
			refMat = ref
		}
		return detect.Preprocess(roi, cfg, refMat)
	})
	if err != nil {
		return nil, o.recordStageError(StagePreprocess, err)
	}
	defer mask.Close()
	o.clearConsecutive(StagePreprocess)

	contours, err := o.timeStageSlice(StageSegment, func() ([]detect.Contour, error) {
		return detect.Segment(mask, cfg)
	})
	if err != nil {
		return nil, o.recordStageError(StageSegment, err)
	}
	o.clearConsecutive(StageSegment)

	start := time.Now()
	o.mu.Lock()
	accepted := o.rejector.Accept(contours, mask, cfg)
	o.mu.Unlock()
	o.timings[StageReject].push(time.Since(start))
	o.clearConsecutive(StageReject)

	measurements := make([]detect.Measurement, 0, len(accepted))
	measureStart := time.Now()
	for _, c := range accepted {
		m := detect.Measure(c, frame.Seq, cfg)
		c.Close()
		measurements = append(measurements, detect.ToPhysical(m, cfg))
	}
	o.timings[StageMeasure].push(time.Since(measureStart))
	o.clearConsecutive(StageMeasure)

	for _, m := range measurements {
		o.hist.Push(histogram.MetricMajorAxis, m.MajorAxisPx)
		o.hist.Push(histogram.MetricMinorAxis, m.MinorAxisPx)
		o.hist.Push(histogram.MetricArea, m.AreaPx2)
		o.hist.Push(histogram.MetricEquivalentDiameter, m.EquivalentDiameterPx)
	}

	o.mu.Lock()
	o.framesProcessed++
	o.mu.Unlock()

	return measurements, nil
}

// selectROI crops frame to the orchestrator's configured ROI, preferring
// hardware cropping when the backend already applied it (frame dimensions
// already match the ROI) and falling back to a software crop otherwise.
// isCopy reports whether the returned Mat is a newly allocated copy the
// caller must Close; when false it aliases frame.Mat, owned by the caller
// of ProcessFrame.
func (o *Orchestrator) selectROI(frame camera.Frame) (mat gocv.Mat, isCopy bool) {
	o.mu.Lock()
	roi := o.roi
	o.mu.Unlock()

	if roi.W == 0 || roi.H == 0 {
		return frame.Mat, false
	}
	if frame.Mat.Cols() == roi.W && frame.Mat.Rows() == roi.H {
		// Backend already delivered a hardware-cropped frame.
		return frame.Mat, false
	}
	region := frame.Mat.Region(imageRect(roi))
	out := gocv.NewMat()
	region.CopyTo(&out)
	region.Close()
	return out, true
}

func imageRect(roi camera.ROI) image.Rectangle {
	return image.Rect(roi.X, roi.Y, roi.X+roi.W, roi.Y+roi.H)
}

func (o *Orchestrator) timeStage(stage Stage, fn func() (gocv.Mat, error)) (gocv.Mat, error) {
	start := time.Now()
	mat, err := fn()
	o.timings[stage].push(time.Since(start))
	return mat, err
}

func (o *Orchestrator) timeStageSlice(stage Stage, fn func() ([]detect.Contour, error)) ([]detect.Contour, error) {
	start := time.Now()
	contours, err := fn()
	o.timings[stage].push(time.Since(start))
	return contours, err
}

func (o *Orchestrator) clearConsecutive(stage Stage) {
	o.mu.Lock()
	o.consecutive[stage] = 0
	o.mu.Unlock()
}

// recordStageError counts a stage failure, drops the current frame, and
// transitions to degraded after consecutiveErrorLimit in a row on the
// same stage.
func (o *Orchestrator) recordStageError(stage Stage, err error) error {
	o.mu.Lock()
	o.stageErrors[stage]++
	o.framesDropped++
	o.consecutive[stage]++
	hitLimit := o.consecutive[stage] >= consecutiveErrorLimit
	if hitLimit {
		o.degraded = true
		o.degradedStage = stage
	}
	o.mu.Unlock()

	if hitLimit {
		log.Printf("orchestrator: %d consecutive errors on stage %s, degrading: %v", consecutiveErrorLimit, stage, err)
	}
	return fmt.Errorf("orchestrator: stage %s: %w", stage, err)
}
