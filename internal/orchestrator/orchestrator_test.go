package orchestrator

import (
	"image"
	"image/color"
	"testing"

	"github.com/wenzel-lab/dropletsync/internal/camera"
	"github.com/wenzel-lab/dropletsync/internal/detect"

	"gocv.io/x/gocv"
)

func testConfig() detect.Config {
	cfg := detect.DefaultConfig()
	cfg.Background = detect.BackgroundHighPass
	cfg.MinAreaPx2 = 10
	cfg.MaxAreaPx2 = 50000
	cfg.MinAspect = 1.0
	cfg.MaxAspect = 6.0
	return cfg
}

func frameWithDisk(seq uint64) camera.Frame {
	mat := gocv.NewMatWithSize(120, 240, gocv.MatTypeCV8UC3)
	gocv.Ellipse(&mat, image.Pt(120, 60), image.Pt(20, 12), 0, 0, 360, color.RGBA{255, 255, 255, 255}, -1)
	return camera.Frame{Mat: mat, Seq: seq}
}

func TestOrchestrator_processFrameProducesMeasurements(t *testing.T) {
	o := New(testConfig(), 100)

	frame := frameWithDisk(1)
	defer frame.Close()

	_, err := o.ProcessFrame(frame)
	if err != nil {
		t.Fatalf("ProcessFrame returned error: %v", err)
	}
	stats := o.SnapshotStats()
	if stats.FramesProcessed != 1 {
		t.Fatalf("FramesProcessed = %d, want 1", stats.FramesProcessed)
	}
}

func TestOrchestrator_frameSkipDropsIntermediateFrames(t *testing.T) {
	cfg := testConfig()
	cfg.FrameSkip = 1 // process every other frame
	o := New(cfg, 100)

	f1 := frameWithDisk(1)
	defer f1.Close()
	measurements, err := o.ProcessFrame(f1)
	if err != nil {
		t.Fatal(err)
	}
	if measurements != nil {
		t.Fatalf("first frame should be skipped, got %v", measurements)
	}

	f2 := frameWithDisk(2)
	defer f2.Close()
	if _, err := o.ProcessFrame(f2); err != nil {
		t.Fatal(err)
	}
	stats := o.SnapshotStats()
	if stats.FramesProcessed != 1 {
		t.Fatalf("FramesProcessed = %d, want 1 (one of two frames skipped)", stats.FramesProcessed)
	}
}

func TestOrchestrator_degradesAfterThreeConsecutiveStageErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Background = detect.BackgroundStatic // no reference installed -> always errors
	o := New(cfg, 100)

	var lastErr error
	for i := 0; i < consecutiveErrorLimit; i++ {
		f := frameWithDisk(uint64(i))
		_, err := o.ProcessFrame(f)
		f.Close()
		lastErr = err
	}
	if lastErr == nil {
		t.Fatal("expected an error on the final attempt")
	}

	degraded, stage := o.Degraded()
	if !degraded {
		t.Fatal("expected orchestrator to be degraded after repeated preprocess failures")
	}
	if stage != StagePreprocess {
		t.Fatalf("degraded stage = %v, want %v", stage, StagePreprocess)
	}

	f := frameWithDisk(99)
	defer f.Close()
	if _, err := o.ProcessFrame(f); err == nil {
		t.Fatal("expected degraded orchestrator to refuse further frames")
	}
}

func TestOrchestrator_updateConfigRejectsInvalid(t *testing.T) {
	o := New(testConfig(), 100)

	bad := testConfig()
	bad.MorphKernelPx = 0
	if err := o.UpdateConfig(bad); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}

	good := testConfig()
	good.MinAreaPx2 = 42
	if err := o.UpdateConfig(good); err != nil {
		t.Fatalf("valid config should be accepted: %v", err)
	}
}

func TestOrchestrator_resetClearsHistogramAndHistory(t *testing.T) {
	o := New(testConfig(), 100)

	f := frameWithDisk(1)
	defer f.Close()
	if _, err := o.ProcessFrame(f); err != nil {
		t.Fatal(err)
	}

	o.Reset()
	summaries := o.hist.Summaries()
	for _, s := range summaries {
		if s.Count != 0 {
			t.Fatalf("histogram not cleared by Reset: %+v", s)
		}
	}
}
