package detect

import (
	"image"
	"math"

	"gocv.io/x/gocv"
)

// historyEntry is one past frame's worth of accepted centroids, kept
// only to decide whether a new contour is a genuinely new droplet or a
// static artifact that hasn't moved downstream.
type historyEntry struct {
	centroids []Point
}

// Rejector holds the motion-gate history across frames; it is not safe
// for concurrent use by more than one processing goroutine, matching
// the rest of the pipeline's single-processing-thread model.
type Rejector struct {
	history  []historyEntry
	prevGray gocv.Mat // previous preprocessed frame, for the optional frame-diff gate
	havePrev bool
}

// NewRejector returns a Rejector with an empty history.
func NewRejector() *Rejector {
	return &Rejector{}
}

// Close releases the frame-difference reference frame, if any.
func (r *Rejector) Close() {
	if r.havePrev {
		r.prevGray.Close()
	}
}

// Reset clears all history and the frame-difference reference, as if no
// frames had ever been processed.
func (r *Rejector) Reset() {
	r.history = nil
	if r.havePrev {
		r.prevGray.Close()
		r.havePrev = false
	}
}

// Accept filters contours against the motion gate (and, if enabled, the
// frame-difference secondary gate), returning only those judged to be
// real moving droplets rather than static artifacts. gray is the
// preprocessed grayscale frame the contours were segmented from; it is
// only read, never mutated, and only retained (via a private copy) when
// the frame-difference gate is enabled.
func (r *Rejector) Accept(contours []Contour, gray gocv.Mat, cfg Config) []Contour {
	accepted := make([]Contour, 0, len(contours))
	acceptedCentroids := make([]Point, 0, len(contours))

	for _, c := range contours {
		if !r.passesMotionGate(c.Centroid, cfg.Gate) {
			c.Close()
			continue
		}
		if cfg.Gate.FrameDiffGate && r.havePrev {
			if !r.passesFrameDiff(c.BBox, gray, cfg.Gate.FrameDiffThresh) {
				c.Close()
				continue
			}
		}
		accepted = append(accepted, c)
		acceptedCentroids = append(acceptedCentroids, c.Centroid)
	}

	r.pushHistory(acceptedCentroids, cfg.Gate.HistoryLen)
	if cfg.Gate.FrameDiffGate {
		r.updatePrevFrame(gray)
	}
	return accepted
}

// passesMotionGate implements spec.md §4.8: accept if no historical
// centroid lies within GateRadiusPx (a new droplet), or if the nearest
// historical centroid has moved more than MinMotionPx in the downstream
// direction since it was last seen.
func (r *Rejector) passesMotionGate(centroid Point, gate MotionGate) bool {
	nearestDist := math.Inf(1)
	var nearest Point
	found := false
	for _, entry := range r.history {
		for _, h := range entry.centroids {
			d := dist(centroid, h)
			if d < nearestDist {
				nearestDist = d
				nearest = h
				found = true
			}
		}
	}
	if !found || nearestDist > gate.GateRadiusPx {
		return true
	}
	displacement := (centroid.X-nearest.X)*gate.DownstreamDX + (centroid.Y-nearest.Y)*gate.DownstreamDY
	return displacement > gate.MinMotionPx
}

func (r *Rejector) passesFrameDiff(bbox Rect, gray gocv.Mat, threshold float64) bool {
	rect := imageRectFromBBox(bbox)
	cur := gray.Region(rect)
	defer cur.Close()
	prev := r.prevGray.Region(rect)
	defer prev.Close()

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(cur, prev, &diff)
	mean := diff.Mean()
	return mean.Val1 > threshold
}

func (r *Rejector) pushHistory(centroids []Point, maxLen int) {
	r.history = append(r.history, historyEntry{centroids: centroids})
	if len(r.history) > maxLen {
		r.history = r.history[len(r.history)-maxLen:]
	}
}

func (r *Rejector) updatePrevFrame(gray gocv.Mat) {
	if r.havePrev {
		r.prevGray.Close()
	}
	r.prevGray = gocv.NewMat()
	gray.CopyTo(&r.prevGray)
	r.havePrev = true
}

func imageRectFromBBox(b Rect) image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

func dist(a, b Point) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return math.Sqrt(dx*dx + dy*dy)
}
