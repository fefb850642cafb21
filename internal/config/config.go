// Package config loads the YAML-backed process configuration surface:
// simulation flag, control-mode selector, ROI-mode selector, module-
// enable flags, and log-level selector (spec.md §6), plus named
// Detection configuration profiles.
package config

import (
	"fmt"
	"os"

	"github.com/wenzel-lab/dropletsync/internal/detect"
	syncdev "github.com/wenzel-lab/dropletsync/internal/sync"

	"gopkg.in/yaml.v3"
)

// ControlMode selects which side of the strobe/camera pair is timing
// master, as a string the config file can name; ToSyncMode maps it to
// internal/sync.Mode.
type ControlMode string

const (
	ControlStrobeClocked ControlMode = "strobe_clocked"
	ControlCameraClocked ControlMode = "camera_clocked"
)

// ToSyncMode converts the config-file string to internal/sync.Mode,
// defaulting to StrobeClocked on an unrecognized value.
func (c ControlMode) ToSyncMode() syncdev.Mode {
	if c == ControlCameraClocked {
		return syncdev.CameraClocked
	}
	return syncdev.StrobeClocked
}

// ROIMode selects whether ROI cropping prefers the camera backend's
// hardware crop or always falls back to software cropping.
type ROIMode string

const (
	ROIHardware ROIMode = "hardware"
	ROISoftware ROIMode = "software"
)

// ModulesConfig are the per-peripheral enable flags.
type ModulesConfig struct {
	Flow    bool `yaml:"flow"`
	Heater  bool `yaml:"heater"`
	Droplet bool `yaml:"droplet"`
}

// Config is the top-level process configuration record, loaded once at
// startup from a single YAML document.
type Config struct {
	Simulation  bool        `yaml:"simulation"`
	ControlMode ControlMode `yaml:"control_mode"`
	ROIMode     ROIMode     `yaml:"roi_mode"`
	Modules     ModulesConfig `yaml:"modules"`
	LogLevel    string      `yaml:"log_level"`

	ActiveProfile string `yaml:"active_profile"`
	ProfileDir    string `yaml:"profile_dir"`

	SPI struct {
		Port  string `yaml:"port"`
		SpeedHz int  `yaml:"speed_hz"`
	} `yaml:"spi"`

	Camera struct {
		Backend string `yaml:"backend"` // "pi_legacy" | "pi_v2" | "machine_vision" | "simulated"
		Width   int    `yaml:"width"`
		Height  int    `yaml:"height"`
	} `yaml:"camera"`
}

// Load reads and parses the process configuration from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// detectionProfileDoc mirrors detect.Config field-for-field with YAML
// tags; detect.Config itself stays free of serialization concerns so its
// atomic-swap semantics aren't coupled to a file format.
type detectionProfileDoc struct {
	Threshold         string  `yaml:"threshold"` // "otsu" | "adaptive"
	Background        string  `yaml:"background"` // "static" | "high_pass"
	AdaptiveBlockSize int     `yaml:"adaptive_block_size"`
	AdaptiveConstant  float64 `yaml:"adaptive_constant"`
	Morph             string  `yaml:"morph"` // "open" | "close" | "both"
	MorphKernelPx     int     `yaml:"morph_kernel_px"`
	MinAreaPx2        float64 `yaml:"min_area_px2"`
	MaxAreaPx2        float64 `yaml:"max_area_px2"`
	MinAspect         float64 `yaml:"min_aspect"`
	MaxAspect         float64 `yaml:"max_aspect"`
	Band              struct {
		Enabled bool `yaml:"enabled"`
		YMin    int  `yaml:"y_min"`
		YMax    int  `yaml:"y_max"`
	} `yaml:"band"`
	FrameSkip      int     `yaml:"frame_skip"`
	PixelRatio     float64 `yaml:"pixel_ratio"`
	UnitLabel      string  `yaml:"unit_label"`
	RadiusOffsetPx float64 `yaml:"radius_offset_px"`
	Gate           struct {
		HistoryLen      int     `yaml:"history_len"`
		GateRadiusPx    float64 `yaml:"gate_radius_px"`
		MinMotionPx     float64 `yaml:"min_motion_px"`
		DownstreamDX    float64 `yaml:"downstream_dx"`
		DownstreamDY    float64 `yaml:"downstream_dy"`
		FrameDiffGate   bool    `yaml:"frame_diff_gate"`
		FrameDiffThresh float64 `yaml:"frame_diff_thresh"`
	} `yaml:"gate"`
}

func (d detectionProfileDoc) toDetectConfig() (detect.Config, error) {
	cfg := detect.DefaultConfig()

	switch d.Threshold {
	case "", "otsu":
		cfg.Threshold = detect.ThresholdOtsu
	case "adaptive":
		cfg.Threshold = detect.ThresholdAdaptive
	default:
		return detect.Config{}, fmt.Errorf("config: unknown threshold mode %q", d.Threshold)
	}

	switch d.Background {
	case "", "high_pass":
		cfg.Background = detect.BackgroundHighPass
	case "static":
		cfg.Background = detect.BackgroundStatic
	default:
		return detect.Config{}, fmt.Errorf("config: unknown background method %q", d.Background)
	}

	switch d.Morph {
	case "", "open":
		cfg.Morph = detect.MorphOpen
	case "close":
		cfg.Morph = detect.MorphClose
	case "both":
		cfg.Morph = detect.MorphBoth
	default:
		return detect.Config{}, fmt.Errorf("config: unknown morphology op %q", d.Morph)
	}

	if d.AdaptiveBlockSize != 0 {
		cfg.AdaptiveBlockSize = d.AdaptiveBlockSize
	}
	if d.AdaptiveConstant != 0 {
		cfg.AdaptiveConstant = d.AdaptiveConstant
	}
	if d.MorphKernelPx != 0 {
		cfg.MorphKernelPx = d.MorphKernelPx
	}
	if d.MinAreaPx2 != 0 {
		cfg.MinAreaPx2 = d.MinAreaPx2
	}
	if d.MaxAreaPx2 != 0 {
		cfg.MaxAreaPx2 = d.MaxAreaPx2
	}
	if d.MinAspect != 0 {
		cfg.MinAspect = d.MinAspect
	}
	if d.MaxAspect != 0 {
		cfg.MaxAspect = d.MaxAspect
	}
	cfg.Band.Enabled = d.Band.Enabled
	cfg.Band.YMin = d.Band.YMin
	cfg.Band.YMax = d.Band.YMax
	cfg.FrameSkip = d.FrameSkip
	if d.PixelRatio != 0 {
		cfg.PixelRatio = d.PixelRatio
	}
	if d.UnitLabel != "" {
		cfg.UnitLabel = d.UnitLabel
	}
	cfg.RadiusOffsetPx = d.RadiusOffsetPx

	if d.Gate.HistoryLen != 0 {
		cfg.Gate.HistoryLen = d.Gate.HistoryLen
	}
	if d.Gate.GateRadiusPx != 0 {
		cfg.Gate.GateRadiusPx = d.Gate.GateRadiusPx
	}
	if d.Gate.MinMotionPx != 0 {
		cfg.Gate.MinMotionPx = d.Gate.MinMotionPx
	}
	if d.Gate.DownstreamDX != 0 || d.Gate.DownstreamDY != 0 {
		cfg.Gate.DownstreamDX = d.Gate.DownstreamDX
		cfg.Gate.DownstreamDY = d.Gate.DownstreamDY
	}
	cfg.Gate.FrameDiffGate = d.Gate.FrameDiffGate
	cfg.Gate.FrameDiffThresh = d.Gate.FrameDiffThresh

	if err := cfg.Validate(); err != nil {
		return detect.Config{}, fmt.Errorf("config: invalid detection profile: %w", err)
	}
	return cfg, nil
}

// LoadProfile reads a named Detection configuration profile from
// <profileDir>/<name>.yaml.
func LoadProfile(profileDir, name string) (detect.Config, error) {
	path := profileDir + "/" + name + ".yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		return detect.Config{}, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	var doc detectionProfileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return detect.Config{}, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return doc.toDetectConfig()
}
