// Package stats derives the aggregate metrics QC rules and acceptance
// criteria reference: retention against a baseline, normalized degradation
// slope, coefficient of variation, spatial uniformity and z-score outlier
// marking. Metric names follow a small prefix scheme over field ids, so a
// protocol document can ask for "mean:chalking_rating" or
// "retention:pmax_stc" without the engine knowing the domain.
package stats

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// Point is one numeric observation with its position in the ledger.
type Point struct {
	Seq   int64
	TS    string
	Cycle int
	Value float64
}

// Series is an ordered slice of points for one field.
type Series []Point

// Values returns just the observation values, in seq order.
func (s Series) Values() []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Value
	}
	return out
}

// Mean of a sample. Zero-length samples return NaN so callers must decide
// how to present an empty series instead of silently scoring it as zero.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// StdDev is the sample standard deviation (n-1 denominator).
func StdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := Mean(xs)
	ss := 0.0
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// Max returns the largest value. NaN on empty input.
func Max(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Min returns the smallest value. NaN on empty input.
func Min(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// CV is the coefficient of variation, sd/mean. Zero mean yields NaN.
func CV(xs []float64) float64 {
	m := Mean(xs)
	if m == 0 || math.IsNaN(m) {
		return math.NaN()
	}
	return StdDev(xs) / math.Abs(m)
}

// Uniformity scores spatial consistency as 1 - sd/mean, clamped to [0, 1].
// A perfectly even set of location readings scores 1.
func Uniformity(xs []float64) float64 {
	cv := CV(xs)
	if math.IsNaN(cv) {
		return math.NaN()
	}
	u := 1 - cv
	if u < 0 {
		return 0
	}
	if u > 1 {
		return 1
	}
	return u
}

// ErrNoBaseline marks a retention that cannot be computed because the
// baseline is zero or missing. Criteria over such a metric resolve to
// not_applicable rather than fail.
var ErrNoBaseline = fmt.Errorf("baseline is zero or missing")

// Retention is current/baseline expressed as a percentage.
func Retention(baseline, current float64) (float64, error) {
	if baseline == 0 || math.IsNaN(baseline) {
		return 0, ErrNoBaseline
	}
	return current / baseline * 100, nil
}

// SlopeNormalized fits an ordinary least squares line of value against cycle
// ordinal and normalizes the slope by the first value, so the result reads as
// fractional change per cycle. A series with no recorded cycles falls back to
// the observation index as the x axis. Positive means the metric is
// improving. Series shorter than two points or starting at zero return NaN.
func SlopeNormalized(s Series) float64 {
	n := len(s)
	if n < 2 || s[0].Value == 0 {
		return math.NaN()
	}
	useCycle := false
	for _, p := range s {
		if p.Cycle != 0 {
			useCycle = true
			break
		}
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, p := range s {
		x := float64(i)
		if useCycle {
			x = float64(p.Cycle)
		}
		sumX += x
		sumY += p.Value
		sumXY += x * p.Value
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return math.NaN()
	}
	slope := (fn*sumXY - sumX*sumY) / denom
	return slope / math.Abs(s[0].Value)
}

// Outliers marks the indices whose z-score magnitude meets or exceeds sigma.
// Fewer than three points never produce outliers.
func Outliers(xs []float64, sigma float64) []int {
	if len(xs) < 3 || sigma <= 0 {
		return nil
	}
	m := Mean(xs)
	sd := StdDev(xs)
	if sd == 0 {
		return nil
	}
	var out []int
	for i, x := range xs {
		if math.Abs(x-m)/sd >= sigma {
			out = append(out, i)
		}
	}
	return out
}

// --- metric name scheme ---

// A metric name is either a raw numeric field id, a statistic prefix applied
// to a field id, or calc:<name> for a registered derived calculation.
const (
	prefixMean       = "mean:"
	prefixMax        = "max:"
	prefixMin        = "min:"
	prefixCV         = "cv:"
	prefixUniformity = "uniformity:"
	prefixRetention  = "retention:"
	prefixSlope      = "slope:"
	prefixCalc       = "calc:"
)

var seriesPrefixes = []string{
	prefixMean, prefixMax, prefixMin, prefixCV,
	prefixUniformity, prefixRetention, prefixSlope,
}

// Resolvable reports whether a metric name can be derived at run time given
// the document's numeric fields. Used at load time so a protocol cannot bind
// a rule or criterion to a metric the engine could never produce.
func Resolvable(metric string, isNumericField func(string) bool) bool {
	if strings.HasPrefix(metric, prefixCalc) {
		name := strings.TrimPrefix(metric, prefixCalc)
		_, ok := lookupCalc(name)
		return ok
	}
	for _, p := range seriesPrefixes {
		if strings.HasPrefix(metric, p) {
			return isNumericField(strings.TrimPrefix(metric, p))
		}
	}
	return isNumericField(metric)
}

// Source is what a metric evaluation reads from: the per-field series plus
// whole-run context for calc plugins.
type Source interface {
	// SeriesFor returns the observations of a numeric field in ledger
	// order. Discarded points are excluded; outlier-marked ones are not,
	// since marking never removes a sample from the statistics.
	SeriesFor(fieldID string) Series
	// Baseline returns the first non-discarded observation of a field,
	// which anchors retention and slope normalization.
	Baseline(fieldID string) (float64, bool)
}

// Value resolves a metric name against a source. The ok result is false when
// the metric cannot be computed from the data at hand (empty series, missing
// baseline); callers translate that into not_applicable, never into fail.
func Value(metric string, src Source) (float64, bool) {
	if strings.HasPrefix(metric, prefixCalc) {
		fn, ok := lookupCalc(strings.TrimPrefix(metric, prefixCalc))
		if !ok {
			return 0, false
		}
		return fn(src)
	}
	for _, p := range seriesPrefixes {
		if !strings.HasPrefix(metric, p) {
			continue
		}
		field := strings.TrimPrefix(metric, p)
		series := src.SeriesFor(field)
		xs := series.Values()
		switch p {
		case prefixMean:
			return finite(Mean(xs))
		case prefixMax:
			return finite(Max(xs))
		case prefixMin:
			return finite(Min(xs))
		case prefixCV:
			return finite(CV(xs))
		case prefixUniformity:
			return finite(Uniformity(xs))
		case prefixSlope:
			return finite(SlopeNormalized(series))
		case prefixRetention:
			base, ok := src.Baseline(field)
			if !ok || len(xs) == 0 {
				return 0, false
			}
			r, err := Retention(base, xs[len(xs)-1])
			if err != nil {
				return 0, false
			}
			return r, true
		}
	}
	// Raw field: latest observation.
	xs := src.SeriesFor(metric).Values()
	if len(xs) == 0 {
		return 0, false
	}
	return xs[len(xs)-1], true
}

func finite(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// --- calc registry ---

// CalcFunc derives a value from the full measurement source. Registered
// calculations extend the metric namespace without changing the engine.
type CalcFunc func(src Source) (float64, bool)

var (
	calcMu  sync.RWMutex
	calcFns = map[string]CalcFunc{}
)

// RegisterCalc adds a named calculation under calc:<name>. Re-registering a
// name panics; plugins are wired once at startup.
func RegisterCalc(name string, fn CalcFunc) {
	calcMu.Lock()
	defer calcMu.Unlock()
	if _, dup := calcFns[name]; dup {
		panic(fmt.Sprintf("stats: calc %q registered twice", name))
	}
	calcFns[name] = fn
}

func lookupCalc(name string) (CalcFunc, bool) {
	calcMu.RLock()
	defer calcMu.RUnlock()
	fn, ok := calcFns[name]
	return fn, ok
}

// CalcNames lists registered calculations, sorted, for diagnostics.
func CalcNames() []string {
	calcMu.RLock()
	defer calcMu.RUnlock()
	names := make([]string, 0, len(calcFns))
	for n := range calcFns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func init() {
	// NOCT per IEC 61215: back-surface temperature extrapolated to the
	// standard reference environment (800 W/m2, 20 degC ambient) from paired
	// module temperature, ambient temperature and irradiance readings.
	RegisterCalc("noct", func(src Source) (float64, bool) {
		tmod := src.SeriesFor("module_temp").Values()
		tamb := src.SeriesFor("ambient_temp").Values()
		irr := src.SeriesFor("irradiance").Values()
		n := len(tmod)
		if n == 0 || len(tamb) != n || len(irr) != n {
			return 0, false
		}
		var sum float64
		var count int
		for i := 0; i < n; i++ {
			if irr[i] <= 0 {
				continue
			}
			sum += tamb[i] + (tmod[i]-tamb[i])*800/irr[i]
			count++
		}
		if count == 0 {
			return 0, false
		}
		return sum / float64(count), true
	})
}
