package detect

import (
	"math"

	"gocv.io/x/gocv"
)

// minPointsForEllipseFit is gocv's (and OpenCV's) floor for a
// least-squares ellipse fit.
const minPointsForEllipseFit = 5

// Measurement is the per-droplet geometry the measurer produces,
// immutable once constructed and consumed by both the rolling
// histogram and any external reporter.
type Measurement struct {
	AreaPx2              float64
	MajorAxisPx          float64
	MinorAxisPx          float64
	EquivalentDiameterPx float64
	AspectRatio          float64
	CentroidX, CentroidY float64
	BBox                 Rect
	FrameSeq             uint64
}

// Measure computes the geometry of a single accepted contour. c is not
// retained; callers must Close it once Measure returns.
func Measure(c Contour, frameSeq uint64, cfg Config) Measurement {
	major, minor := axesOf(c)
	major += cfg.RadiusOffsetPx
	minor += cfg.RadiusOffsetPx
	if minor < 0 {
		minor = 0
	}

	aspect := 0.0
	if minor > 0 {
		aspect = major / minor
	}

	equivDiameter := 2 * math.Sqrt(c.Area/math.Pi)
	equivDiameter += cfg.RadiusOffsetPx

	return Measurement{
		AreaPx2:              c.Area,
		MajorAxisPx:          major,
		MinorAxisPx:          minor,
		EquivalentDiameterPx: equivDiameter,
		AspectRatio:          aspect,
		CentroidX:            c.Centroid.X,
		CentroidY:            c.Centroid.Y,
		BBox:                 c.BBox,
		FrameSeq:             frameSeq,
	}
}

// axesOf returns (major, minor) in pixels: a least-squares ellipse fit
// when the contour has enough points, otherwise the axis-aligned
// bounding-box dimensions.
func axesOf(c Contour) (major, minor float64) {
	if c.Points.Size() >= minPointsForEllipseFit {
		rect := gocv.FitEllipse(c.Points)
		w, h := rect.Width, rect.Height
		if w < h {
			w, h = h, w
		}
		return w, h
	}
	w, h := float64(c.BBox.W), float64(c.BBox.H)
	if w < h {
		w, h = h, w
	}
	return w, h
}

// ToPhysical converts a pixel-space measurement to the configured
// physical unit using cfg.PixelRatio (micrometres per pixel, or
// whatever unit cfg.UnitLabel names); internal pipeline state always
// stays in pixels, this is applied only at the reporting boundary.
func ToPhysical(m Measurement, cfg Config) Measurement {
	out := m
	out.MajorAxisPx *= cfg.PixelRatio
	out.MinorAxisPx *= cfg.PixelRatio
	out.EquivalentDiameterPx *= cfg.PixelRatio
	out.AreaPx2 *= cfg.PixelRatio * cfg.PixelRatio
	return out
}
