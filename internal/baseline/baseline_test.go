package baseline

import "testing"

func TestCounterStepDetectsSimpleIncrement(t *testing.T) {
	values := []int{0, 1, 2, 3, 4, 5, 6, 7}
	step, ok := counterStep(values)
	if !ok || step != 1 {
		t.Fatalf("counterStep = (%d, %v), want (1, true)", step, ok)
	}
}

func TestCounterStepHandlesRollover(t *testing.T) {
	values := []int{253, 254, 255, 0, 1, 2, 3}
	step, ok := counterStep(values)
	if !ok || step != 1 {
		t.Fatalf("counterStep with rollover = (%d, %v), want (1, true)", step, ok)
	}
}

func TestCounterStepRejectsNoisyData(t *testing.T) {
	values := []int{1, 50, 3, 90, 12, 77, 4}
	if _, ok := counterStep(values); ok {
		t.Errorf("expected noisy data to not be classified as a counter")
	}
}

func TestAnalyzeByteBehaviorStatic(t *testing.T) {
	p := analyzeByteBehavior([]int{5, 5, 5, 5}, 5, 0)
	if p.Kind != "static" || p.ExpectedValue != 5 {
		t.Errorf("got %+v, want static/5", p)
	}
}

func TestAnalyzeByteBehaviorCounter(t *testing.T) {
	values := make([]int, 0, 20)
	for i := 0; i < 20; i++ {
		values = append(values, i%256)
	}
	p := analyzeByteBehavior(values, 5, 3)
	if p.Kind != "counter" || p.Step != 1 {
		t.Errorf("got %+v, want counter/step=1", p)
	}
}

func TestAnalyzeByteBehaviorVariableBelowMinChanges(t *testing.T) {
	p := analyzeByteBehavior([]int{1, 2, 3}, 10, 2)
	if p.Kind != "variable" || len(p.ObservedValues) != 3 {
		t.Errorf("got %+v, want variable with 3 observed values", p)
	}
}

func TestDetectDominantPeriodsFallsBackStatistically(t *testing.T) {
	iats := []float64{0.01, 0.011, 0.0105, 0.0102}
	periods := detectDominantPeriods(iats)
	if len(periods) == 0 {
		t.Fatalf("expected at least one statistical fallback period")
	}
}

func TestPeriodicityScorePerfectMatch(t *testing.T) {
	iats := []float64{0.1, 0.1, 0.1, 0.1}
	score := periodicityScore(iats, []float64{0.1})
	if score < 0.99 {
		t.Errorf("periodicityScore = %v, want ~1.0 for perfectly periodic IATs", score)
	}
}

func TestPeriodicityScoreEmptyPeriods(t *testing.T) {
	if score := periodicityScore([]float64{0.1}, nil); score != 0 {
		t.Errorf("periodicityScore with no periods = %v, want 0", score)
	}
}

func TestAnalyzePayloadPeriodicityMostlyStatic(t *testing.T) {
	payloads := [][]byte{{1, 2}, {1, 2}, {1, 2}, {1, 2}, {9, 9}}
	ratio, mostlyStatic := analyzePayloadPeriodicity(payloads)
	if !mostlyStatic {
		t.Errorf("expected mostly-static payload set to be flagged, ratio=%v", ratio)
	}
}

func TestAnalyzePayloadPeriodicityEmpty(t *testing.T) {
	ratio, mostlyStatic := analyzePayloadPeriodicity(nil)
	if ratio != 0 || mostlyStatic {
		t.Errorf("empty payload set should yield ratio=0, mostlyStatic=false")
	}
}
