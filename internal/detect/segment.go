package detect

import (
	"sort"

	"gocv.io/x/gocv"
)

// Contour is one filtered candidate ready for rejection/measurement: the
// raw point set plus the geometry the filters already computed, so
// downstream stages don't redo the same gocv calls.
type Contour struct {
	Points   gocv.PointVector
	Area     float64
	BBox     Rect
	Centroid Point
}

// Rect is an axis-aligned pixel rectangle.
type Rect struct {
	X, Y, W, H int
}

// Point is a pixel-space coordinate pair.
type Point struct {
	X, Y float64
}

// Close releases the underlying point vector. Segment's caller owns the
// returned Contours and must Close each one once done.
func (c Contour) Close() {
	c.Points.Close()
}

// Segment extracts contours from a binary mask and applies, in order,
// the area, aspect-ratio, and channel-band filters from cfg. Survivors
// are returned sorted by ascending top-left bbox corner (y then x) so
// downstream motion tracking sees a deterministic order even when two
// contours tie on every filter.
func Segment(mask gocv.Mat, cfg Config) ([]Contour, error) {
	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)

	// Survivors get their own PointVector copy so the caller can hold
	// them past this function's return without racing FindContours'
	// backing memory, which is released below.
	var out []Contour
	for i := 0; i < contours.Size(); i++ {
		pv := contours.At(i)
		area := gocv.ContourArea(pv)
		if area < cfg.MinAreaPx2 || area > cfg.MaxAreaPx2 {
			continue
		}

		rotated := gocv.MinAreaRect(pv)
		aspect := aspectRatioOf(rotated)
		if aspect < cfg.MinAspect || aspect > cfg.MaxAspect {
			continue
		}

		bboxRect := gocv.BoundingRect(pv)
		bbox := Rect{X: bboxRect.Min.X, Y: bboxRect.Min.Y, W: bboxRect.Dx(), H: bboxRect.Dy()}
		centroid := centroidOf(pv, bbox)

		if cfg.Band.Enabled && (centroid.Y < float64(cfg.Band.YMin) || centroid.Y > float64(cfg.Band.YMax)) {
			continue
		}

		cp := gocv.NewPointVector()
		for _, p := range pv.ToPoints() {
			cp.Append(p)
		}
		out = append(out, Contour{Points: cp, Area: area, BBox: bbox, Centroid: centroid})
	}
	contours.Close()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BBox.Y != out[j].BBox.Y {
			return out[i].BBox.Y < out[j].BBox.Y
		}
		return out[i].BBox.X < out[j].BBox.X
	})
	return out, nil
}

func aspectRatioOf(r gocv.RotatedRect) float64 {
	w, h := r.Width, r.Height
	if w <= 0 || h <= 0 {
		return 0
	}
	if w < h {
		w, h = h, w
	}
	return w / h
}

// centroidOf computes the contour centroid from image moments, falling
// back to the bounding-box center when the zero-moment vanishes.
func centroidOf(pv gocv.PointVector, bbox Rect) Point {
	m := gocv.Moments(pv, false)
	if m["m00"] != 0 {
		return Point{X: m["m10"] / m["m00"], Y: m["m01"] / m["m00"]}
	}
	return Point{X: float64(bbox.X) + float64(bbox.W)/2, Y: float64(bbox.Y) + float64(bbox.H)/2}
}
