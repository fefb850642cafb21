package detect

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// PipelineError wraps an unrecoverable failure inside a single detector
// stage (preprocess, segment, reject, measure), after which the
// orchestrator drops the current frame and counts the failure against
// that stage's error budget.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string { return fmt.Sprintf("detect: %s: %v", e.Stage, e.Err) }
func (e *PipelineError) Unwrap() error { return e.Err }

// oddAtLeast1 rounds k up to the nearest odd integer >= 1, as required
// by gocv's Gaussian kernel and adaptive-threshold block-size
// parameters.
func oddAtLeast1(k int) int {
	if k < 1 {
		k = 1
	}
	if k%2 == 0 {
		k++
	}
	return k
}

// Preprocess runs grayscale -> background correction -> threshold ->
// morphology and returns a binary mask (0/255) at the same resolution
// as roi. roi is never mutated; the caller owns and must Close() the
// returned Mat. ref is the static background reference frame, used only
// when cfg.Background == BackgroundStatic; it may be a zero Mat
// otherwise.
func Preprocess(roi gocv.Mat, cfg Config, ref gocv.Mat) (gocv.Mat, error) {
	gray := gocv.NewMat()
	defer gray.Close()
	if roi.Channels() >= 3 {
		gocv.CvtColor(roi, &gray, gocv.ColorBGRToGray)
	} else {
		roi.CopyTo(&gray)
	}

	corrected := gocv.NewMat()
	defer corrected.Close()
	switch cfg.Background {
	case BackgroundStatic:
		if ref.Empty() {
			return gocv.Mat{}, &PipelineError{Stage: "preprocess", Err: fmt.Errorf("static background correction requires a reference frame")}
		}
		refGray := gocv.NewMat()
		defer refGray.Close()
		if ref.Channels() >= 3 {
			gocv.CvtColor(ref, &refGray, gocv.ColorBGRToGray)
		} else {
			ref.CopyTo(&refGray)
		}
		gocv.AbsDiff(gray, refGray, &corrected)
	case BackgroundHighPass:
		k := oddAtLeast1(int(float64(roi.Rows()) * 0.5))
		blurred := gocv.NewMat()
		defer blurred.Close()
		gocv.GaussianBlur(gray, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)
		gocv.AbsDiff(gray, blurred, &corrected)
	default:
		return gocv.Mat{}, &PipelineError{Stage: "preprocess", Err: fmt.Errorf("unknown background method %v", cfg.Background)}
	}

	mask := gocv.NewMat()
	switch cfg.Threshold {
	case ThresholdOtsu:
		gocv.Threshold(corrected, &mask, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)
	case ThresholdAdaptive:
		block := oddAtLeast1(cfg.AdaptiveBlockSize)
		gocv.AdaptiveThreshold(corrected, &mask, 255, gocv.AdaptiveThresholdMean, gocv.ThresholdBinary, block, cfg.AdaptiveConstant)
	default:
		mask.Close()
		return gocv.Mat{}, &PipelineError{Stage: "preprocess", Err: fmt.Errorf("unknown threshold mode %v", cfg.Threshold)}
	}

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(cfg.MorphKernelPx, cfg.MorphKernelPx))
	defer kernel.Close()
	switch cfg.Morph {
	case MorphOpen:
		gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, kernel)
	case MorphClose:
		gocv.MorphologyEx(mask, &mask, gocv.MorphClose, kernel)
	case MorphBoth:
		gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, kernel)
		gocv.MorphologyEx(mask, &mask, gocv.MorphClose, kernel)
	default:
		mask.Close()
		return gocv.Mat{}, &PipelineError{Stage: "preprocess", Err: fmt.Errorf("unknown morphology op %v", cfg.Morph)}
	}

	return mask, nil
}
