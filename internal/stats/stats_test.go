package stats_test

import (
	"errors"
	"math"
	"testing"

	"pvlab/internal/stats"
)

type fakeSource struct {
	series    map[string]stats.Series
	baselines map[string]float64
}

func (s fakeSource) SeriesFor(fieldID string) stats.Series {
	return s.series[fieldID]
}

func (s fakeSource) Baseline(fieldID string) (float64, bool) {
	v, ok := s.baselines[fieldID]
	return v, ok
}

func points(xs ...float64) stats.Series {
	out := make(stats.Series, len(xs))
	for i, x := range xs {
		out[i] = stats.Point{Seq: int64(i + 1), Value: x}
	}
	return out
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMeanStdDev(t *testing.T) {
	xs := []float64{1, 1, 2, 2, 3, 1, 2, 1, 2}
	m := stats.Mean(xs)
	if !approx(m, 15.0/9.0) {
		t.Fatalf("mean: got %v", m)
	}
	if !math.IsNaN(stats.Mean(nil)) {
		t.Fatal("empty mean should be NaN")
	}
	if sd := stats.StdDev([]float64{5}); sd != 0 {
		t.Fatalf("single point stddev: got %v", sd)
	}
	if sd := stats.StdDev([]float64{2, 4}); !approx(sd, math.Sqrt2) {
		t.Fatalf("stddev: got %v", sd)
	}
}

func TestRetention(t *testing.T) {
	r, err := stats.Retention(350, 332.5)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if !approx(r, 95.0) {
		t.Fatalf("retention: got %v", r)
	}
	if _, err := stats.Retention(0, 100); !errors.Is(err, stats.ErrNoBaseline) {
		t.Fatalf("zero baseline: got %v", err)
	}
}

func TestUniformityClamped(t *testing.T) {
	if u := stats.Uniformity([]float64{10, 10, 10, 10}); !approx(u, 1) {
		t.Fatalf("even readings: got %v", u)
	}
	// wildly uneven data drives cv above 1, score clamps at 0
	if u := stats.Uniformity([]float64{0.001, 100, 0.001, 100, 0.001, 200}); u != 0 {
		t.Fatalf("uneven readings should clamp to 0, got %v", u)
	}
	if !math.IsNaN(stats.Uniformity([]float64{1, -1})) {
		t.Fatal("zero-mean uniformity should be NaN")
	}
}

func TestSlopeNormalized(t *testing.T) {
	// no cycles recorded: 100, 99, 98, 97 is -1 per observation, over 100
	s := stats.SlopeNormalized(points(100, 99, 98, 97))
	if !approx(s, -0.01) {
		t.Fatalf("slope: got %v", s)
	}
	if !math.IsNaN(stats.SlopeNormalized(points(100))) {
		t.Fatal("single point slope should be NaN")
	}
	if !math.IsNaN(stats.SlopeNormalized(points(0, 1, 2))) {
		t.Fatal("zero first value should be NaN")
	}
}

func TestSlopeNormalizedUsesCycleAxis(t *testing.T) {
	// characterizations at irregular cycle spacing: the fit must run against
	// the cycle axis, not the observation index
	s := stats.Series{
		{Seq: 1, Cycle: 0, Value: 100},
		{Seq: 2, Cycle: 50, Value: 95},
		{Seq: 3, Cycle: 200, Value: 80},
	}
	got := stats.SlopeNormalized(s)
	if !approx(got, -0.001) {
		t.Fatalf("cycle-axis slope: got %v, want -0.001", got)
	}
	// index fit over the same values would report ten times the rate
	if idx := stats.SlopeNormalized(points(100, 95, 80)); approx(got, idx) {
		t.Fatalf("cycle and index fits should differ: %v vs %v", got, idx)
	}
}

func TestOutliers(t *testing.T) {
	xs := []float64{10, 10.1, 9.9, 10, 10.05, 9.95, 50}
	idx := stats.Outliers(xs, 2)
	if len(idx) != 1 || idx[0] != 6 {
		t.Fatalf("outliers: got %v", idx)
	}
	if idx := stats.Outliers([]float64{1, 100}, 2); idx != nil {
		t.Fatalf("two points should never flag, got %v", idx)
	}
	if idx := stats.Outliers([]float64{5, 5, 5, 5}, 2); idx != nil {
		t.Fatalf("zero spread should never flag, got %v", idx)
	}
}

func TestResolvable(t *testing.T) {
	isNumeric := func(id string) bool { return id == "pmax_stc" || id == "chalking_rating" }
	cases := []struct {
		metric string
		want   bool
	}{
		{"pmax_stc", true},
		{"mean:chalking_rating", true},
		{"retention:pmax_stc", true},
		{"uniformity:pmax_stc", true},
		{"slope:pmax_stc", true},
		{"calc:noct", true},
		{"serial_number", false},
		{"mean:serial_number", false},
		{"calc:unregistered", false},
	}
	for _, tc := range cases {
		if got := stats.Resolvable(tc.metric, isNumeric); got != tc.want {
			t.Errorf("Resolvable(%q): got %v, want %v", tc.metric, got, tc.want)
		}
	}
}

func TestValue(t *testing.T) {
	src := fakeSource{
		series: map[string]stats.Series{
			"pmax_stc":        points(350, 345, 332.5),
			"chalking_rating": points(1, 1, 2, 2, 3, 1, 2, 1, 2),
		},
		baselines: map[string]float64{"pmax_stc": 350},
	}
	if v, ok := stats.Value("pmax_stc", src); !ok || !approx(v, 332.5) {
		t.Fatalf("raw metric: %v %v", v, ok)
	}
	if v, ok := stats.Value("retention:pmax_stc", src); !ok || !approx(v, 95) {
		t.Fatalf("retention metric: %v %v", v, ok)
	}
	if v, ok := stats.Value("mean:chalking_rating", src); !ok || !approx(v, 15.0/9.0) {
		t.Fatalf("mean metric: %v %v", v, ok)
	}
	if v, ok := stats.Value("max:chalking_rating", src); !ok || v != 3 {
		t.Fatalf("max metric: %v %v", v, ok)
	}
	if _, ok := stats.Value("mean:missing_field", src); ok {
		t.Fatal("empty series should not resolve")
	}
	if _, ok := stats.Value("retention:chalking_rating", src); ok {
		t.Fatal("retention without baseline should not resolve")
	}
}

func TestCalcNOCT(t *testing.T) {
	src := fakeSource{series: map[string]stats.Series{
		"module_temp":  points(45, 47),
		"ambient_temp": points(20, 22),
		"irradiance":   points(800, 1000),
	}}
	// sample 1: 20 + 25*800/800 = 45; sample 2: 22 + 25*800/1000 = 42
	v, ok := stats.Value("calc:noct", src)
	if !ok || !approx(v, 43.5) {
		t.Fatalf("noct: %v %v", v, ok)
	}
	// mismatched series lengths cannot resolve
	short := fakeSource{series: map[string]stats.Series{
		"module_temp":  points(45),
		"ambient_temp": points(20, 22),
		"irradiance":   points(800),
	}}
	if _, ok := stats.Value("calc:noct", short); ok {
		t.Fatal("mismatched pairing should not resolve")
	}
}
