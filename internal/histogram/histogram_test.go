package histogram

import "testing"

func TestRing_emptySummary(t *testing.T) {
	r := New(10)
	s := r.Summary()
	if s.Count != 0 || s.Mean != 0 || s.Std != 0 {
		t.Fatalf("empty ring summary = %+v, want all zero", s)
	}
}

func TestRing_emptyBins(t *testing.T) {
	r := New(10)
	b := r.BinsAndCounts(5, 0, 0)
	if len(b.Edges) != 2 || b.Edges[0] != 0 || b.Edges[1] != 0 {
		t.Fatalf("empty bins edges = %v, want [0 0]", b.Edges)
	}
	if len(b.Counts) != 1 || b.Counts[0] != 0 {
		t.Fatalf("empty bins counts = %v, want [0]", b.Counts)
	}
}

func TestRing_stdDevBelowTwoSamples(t *testing.T) {
	r := New(10)
	r.Push(5)
	s := r.Summary()
	if s.Count != 1 || s.Std != 0 {
		t.Fatalf("single-sample summary = %+v, want Std 0", s)
	}
}

func TestRing_meanAndStdDev(t *testing.T) {
	r := New(10)
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		r.Push(v)
	}
	s := r.Summary()
	if s.Count != 8 {
		t.Fatalf("count = %d, want 8", s.Count)
	}
	if abs(s.Mean-5) > 1e-9 {
		t.Fatalf("mean = %v, want 5", s.Mean)
	}
	// population variance 4 -> sample stddev sqrt(4*8/7) ~= 2.138
	if abs(s.Std-2.13808993607) > 1e-6 {
		t.Fatalf("std = %v, want ~2.1381", s.Std)
	}
}

func TestRing_evictsOldestOnOverflow(t *testing.T) {
	r := New(3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	r.Push(4) // evicts 1
	s := r.Summary()
	if s.Count != 3 || s.Min != 2 || s.Max != 4 {
		t.Fatalf("after overflow summary = %+v, want count 3, min 2, max 4", s)
	}
}

func TestRing_reset(t *testing.T) {
	r := New(5)
	r.Push(1)
	r.Push(2)
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", r.Len())
	}
	s := r.Summary()
	if s.Count != 0 {
		t.Fatalf("summary after Reset = %+v, want zero", s)
	}
}

func TestRing_modeIsCenterOfHighestCountBin(t *testing.T) {
	r := New(20)
	// Ten bins over [1, 10]: the lowest, [1, 1.9), holds the five 1s; 9 and
	// 10 fall in the top bins. Its center is 1.45.
	for i := 0; i < 5; i++ {
		r.Push(1)
	}
	r.Push(9)
	r.Push(10)
	s := r.Summary()
	if s.Mode < 0 || s.Mode > 2 {
		t.Fatalf("mode = %v, want inside the dominant low bin [0,2)", s.Mode)
	}
}

func TestRing_binsAndCountsExplicitRange(t *testing.T) {
	r := New(20)
	for _, v := range []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9} {
		r.Push(v)
	}
	b := r.BinsAndCounts(5, 0, 10)
	if len(b.Edges) != 6 || len(b.Counts) != 5 {
		t.Fatalf("bins shape = %d edges, %d counts, want 6 and 5", len(b.Edges), len(b.Counts))
	}
	total := 0
	for _, c := range b.Counts {
		total += c
	}
	if total != 10 {
		t.Fatalf("counts sum to %d, want 10", total)
	}
}

func TestSet_pushAndSummaries(t *testing.T) {
	s := NewSet(10)
	s.Push(MetricMajorAxis, 12.5)
	s.Push(MetricArea, 100)
	sums := s.Summaries()
	if sums[MetricMajorAxis].Count != 1 {
		t.Fatalf("major axis count = %d, want 1", sums[MetricMajorAxis].Count)
	}
	if sums[MetricMinorAxis].Count != 0 {
		t.Fatalf("minor axis count = %d, want 0 (untouched)", sums[MetricMinorAxis].Count)
	}
}

func TestSet_resetClearsAllMetrics(t *testing.T) {
	s := NewSet(10)
	s.Push(MetricMajorAxis, 1)
	s.Push(MetricArea, 2)
	s.Reset()
	for _, sum := range s.Summaries() {
		if sum.Count != 0 {
			t.Fatalf("summary after Set.Reset = %+v, want zero count", sum)
		}
	}
}

func TestMetric_string(t *testing.T) {
	if MetricMajorAxis.String() != "major_axis" {
		t.Fatalf("String() = %q", MetricMajorAxis.String())
	}
	if MetricEquivalentDiameter.String() != "equivalent_diameter" {
		t.Fatalf("String() = %q", MetricEquivalentDiameter.String())
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
