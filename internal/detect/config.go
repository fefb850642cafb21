package detect

import (
	"fmt"
	"sync/atomic"
)

// ThresholdMode selects the binarization method in the preprocessor.
type ThresholdMode int

const (
	ThresholdOtsu ThresholdMode = iota
	ThresholdAdaptive
)

// BackgroundMethod selects how the preprocessor removes the static
// background before thresholding.
type BackgroundMethod int

const (
	BackgroundStatic BackgroundMethod = iota
	BackgroundHighPass
)

// MorphOp selects which morphological cleanup pass(es) run after
// thresholding.
type MorphOp int

const (
	MorphOpen MorphOp = iota
	MorphClose
	MorphBoth
)

// Band is an optional channel band, in ROI y-coordinates, outside which
// segmented contours are discarded.
type Band struct {
	YMin, YMax int
	Enabled    bool
}

// MotionGate parameters for the artifact rejector (C8).
type MotionGate struct {
	HistoryLen      int     // number of past frames of centroids retained
	GateRadiusPx    float64 // radius within which a centroid is "seen before"
	MinMotionPx     float64 // minimum downstream displacement to accept a repeat
	DownstreamDX    float64 // unit displacement direction, x component
	DownstreamDY    float64 // unit displacement direction, y component
	FrameDiffGate   bool    // enable the optional frame-difference secondary gate
	FrameDiffThresh float64 // mean abs diff threshold within the candidate bbox
}

// Config is the immutable Detection configuration value object: swapped
// atomically between frames, never mutated in place.
type Config struct {
	Threshold  ThresholdMode
	Background BackgroundMethod

	// AdaptiveBlockSize and AdaptiveConstant are used only when
	// Threshold == ThresholdAdaptive.
	AdaptiveBlockSize int
	AdaptiveConstant  float64

	Morph         MorphOp
	MorphKernelPx int

	MinAreaPx2 float64
	MaxAreaPx2 float64

	MinAspect float64
	MaxAspect float64

	Band Band

	FrameSkip int

	// PixelRatio converts pixels to physical units at the reporting
	// boundary (micrometres per pixel); internal state stays in pixels.
	PixelRatio float64
	UnitLabel  string

	// RadiusOffsetPx is an additive correction applied to every
	// diameter-like measurement, positive or negative, to correct for
	// systematic defocus bias (spec open question #1: additive, not
	// multiplicative).
	RadiusOffsetPx float64

	Gate MotionGate
}

// Validate rejects an inconsistent configuration before it is published,
// per the ConfigError contract: the caller keeps the previous config.
func (c Config) Validate() error {
	if c.MinAreaPx2 < 0 || c.MaxAreaPx2 < c.MinAreaPx2 {
		return fmt.Errorf("detect: invalid area bounds [%v, %v]", c.MinAreaPx2, c.MaxAreaPx2)
	}
	if c.MinAspect < 0 || c.MaxAspect < c.MinAspect {
		return fmt.Errorf("detect: invalid aspect bounds [%v, %v]", c.MinAspect, c.MaxAspect)
	}
	if c.MorphKernelPx <= 0 {
		return fmt.Errorf("detect: morph kernel size must be positive, got %d", c.MorphKernelPx)
	}
	if c.Threshold == ThresholdAdaptive && c.AdaptiveBlockSize < 3 {
		return fmt.Errorf("detect: adaptive block size must be >= 3, got %d", c.AdaptiveBlockSize)
	}
	if c.Gate.HistoryLen <= 0 {
		return fmt.Errorf("detect: motion gate history length must be positive, got %d", c.Gate.HistoryLen)
	}
	return nil
}

// DefaultConfig returns a reasonable starting configuration, matching
// the defaults named in spec.md (history length 5, ring capacity 2000
// is internal/histogram's concern not this package's).
func DefaultConfig() Config {
	return Config{
		Threshold:         ThresholdOtsu,
		Background:        BackgroundHighPass,
		AdaptiveBlockSize: 31,
		AdaptiveConstant:  5,
		Morph:             MorphOpen,
		MorphKernelPx:     3,
		MinAreaPx2:        20,
		MaxAreaPx2:        50000,
		MinAspect:         1.0,
		MaxAspect:         6.0,
		FrameSkip:         0,
		PixelRatio:        1.0,
		UnitLabel:         "px",
		Gate: MotionGate{
			HistoryLen:   5,
			GateRadiusPx: 8,
			MinMotionPx:  3,
			DownstreamDX: 1,
			DownstreamDY: 0,
		},
	}
}

// Snapshot is a single-writer, many-reader atomically-swapped Config
// holder, used by internal/orchestrator to publish configuration
// updates without locking the per-frame read path.
type Snapshot struct {
	v atomic.Value
}

// NewSnapshot seeds a Snapshot with an initial configuration.
func NewSnapshot(cfg Config) *Snapshot {
	s := &Snapshot{}
	s.v.Store(cfg)
	return s
}

// Load returns the current configuration. Safe for concurrent use with
// Store from any number of goroutines.
func (s *Snapshot) Load() Config {
	return s.v.Load().(Config)
}

// Store publishes a new configuration atomically; readers either see
// the old or the new value in full, never a partial update.
func (s *Snapshot) Store(cfg Config) {
	s.v.Store(cfg)
}
