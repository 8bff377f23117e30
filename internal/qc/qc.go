// Package qc evaluates a protocol's quality-control rules against a run's
// measurement ledger. Evaluation is a deterministic replay: the same ledger
// always yields the same event list, so the engine can diff replay output
// against persisted events and append only what is new.
package qc

import (
	"fmt"
	"math"
	"sort"
	"time"

	"pvlab/internal/domain"
	"pvlab/internal/ledger"
	"pvlab/internal/protocol"
	"pvlab/internal/stats"
)

// Options adjust rule behavior per lab without editing the document.
type Options struct {
	// ActionOverrides remaps a rule id to a different action, e.g. demoting
	// an abort to flag on a rig known to produce spurious spikes. Overriding
	// to abort still requires the rule's declared severity to be critical.
	ActionOverrides map[string]string
}

func (o Options) action(rule protocol.QCRuleSpec) string {
	if o.ActionOverrides != nil {
		if a, ok := o.ActionOverrides[rule.ID]; ok {
			if a == domain.ActionAbort && rule.Severity != "critical" {
				return rule.Action
			}
			return a
		}
	}
	return rule.Action
}

// Evaluate replays every rule over the ledger and returns the events in
// (seq, rule order) order. Seq on an event is the ledger seq that triggered
// it; ties between rules preserve document order.
func Evaluate(def *protocol.Definition, led *ledger.Ledger, opts Options) []domain.QCEvent {
	var out []domain.QCEvent
	entries := led.Snapshot()
	for _, rule := range def.QCRules {
		var evs []domain.QCEvent
		switch rule.Scope {
		case protocol.ScopeContinuous:
			evs = replayContinuous(rule, opts.action(rule), entries)
		case protocol.ScopePeriodic:
			evs = replayPeriodic(rule, opts.action(rule), led, entries)
		}
		out = append(out, evs...)
	}
	sortEvents(def, out)
	return out
}

// Violates applies a rule's comparator to one observed value.
func Violates(rule protocol.QCRuleSpec, observed float64) bool {
	switch rule.Comparator {
	case "within":
		return math.Abs(observed-rule.Target) > rule.Tolerance
	case "max":
		return rule.Limit != nil && observed > *rule.Limit
	case "min":
		return rule.Limit != nil && observed < *rule.Limit
	}
	return false
}

// replayContinuous walks the rule's field series and emits one alert per
// transition from an in-bounds window to a violating one. The latch resets
// only when a later window is back in bounds, so a long excursion raises a
// single alert rather than one per sample.
func replayContinuous(rule protocol.QCRuleSpec, action string, entries []domain.Measurement) []domain.QCEvent {
	field := seriesField(rule.Metric)
	var window []domain.Measurement
	var out []domain.QCEvent
	latched := false
	for _, m := range entries {
		if m.FieldID != field || m.Status == domain.MeasurementDiscarded {
			continue
		}
		if _, ok := m.Number(); !ok {
			continue
		}
		window = append(window, m)
		window = trimWindow(rule, window, m)
		observed, ok := windowMetric(rule.Metric, window)
		if !ok {
			continue
		}
		if !Violates(rule, observed) {
			latched = false
			continue
		}
		if latched {
			continue
		}
		latched = true
		out = append(out, domain.QCEvent{
			RunID:     m.RunID,
			RuleID:    rule.ID,
			TS:        m.TS,
			Seq:       m.Seq,
			Observed:  observed,
			Violation: true,
			Action:    action,
			Message:   violationMessage(rule, observed),
		})
	}
	return out
}

func trimWindow(rule protocol.QCRuleSpec, window []domain.Measurement, latest domain.Measurement) []domain.Measurement {
	if rule.WindowSamples > 0 && len(window) > rule.WindowSamples {
		window = window[len(window)-rule.WindowSamples:]
	}
	if rule.WindowSeconds > 0 {
		cutoff, err := time.Parse(time.RFC3339, latest.TS)
		if err == nil {
			cut := cutoff.Add(-time.Duration(rule.WindowSeconds) * time.Second)
			i := 0
			for i < len(window) {
				ts, err := time.Parse(time.RFC3339, window[i].TS)
				if err != nil || !ts.Before(cut) {
					break
				}
				i++
			}
			window = window[i:]
		}
	}
	return window
}

// windowMetric computes the rule's metric over the current window. A bare
// field metric reads the latest sample; a prefixed one aggregates the window.
func windowMetric(metric string, window []domain.Measurement) (float64, bool) {
	if len(window) == 0 {
		return 0, false
	}
	xs := make([]float64, 0, len(window))
	for _, m := range window {
		if v, ok := m.Number(); ok {
			xs = append(xs, v)
		}
	}
	if len(xs) == 0 {
		return 0, false
	}
	switch {
	case metric == seriesField(metric):
		return xs[len(xs)-1], true
	default:
		src := windowSource{field: seriesField(metric), xs: xs, window: window}
		return stats.Value(metric, src)
	}
}

type windowSource struct {
	field  string
	xs     []float64
	window []domain.Measurement
}

func (s windowSource) SeriesFor(fieldID string) stats.Series {
	if fieldID != s.field {
		return nil
	}
	out := make(stats.Series, len(s.xs))
	for i, v := range s.xs {
		out[i] = stats.Point{Seq: s.window[i].Seq, TS: s.window[i].TS, Value: v}
	}
	return out
}

func (s windowSource) Baseline(fieldID string) (float64, bool) {
	if fieldID != s.field || len(s.xs) == 0 {
		return 0, false
	}
	return s.xs[0], true
}

// replayPeriodic evaluates the rule once per completed multiple of
// every_cycles, over the full ledger up to the last measurement of that
// cycle. Flag events mark the run for review; an abort event tells the
// engine to seal the run.
func replayPeriodic(rule protocol.QCRuleSpec, action string, led *ledger.Ledger, entries []domain.Measurement) []domain.QCEvent {
	if rule.EveryCycles <= 0 {
		return nil
	}
	// Last ledger seq and timestamp per cycle boundary.
	type boundary struct {
		seq int64
		ts  string
	}
	bounds := map[int]boundary{}
	for _, m := range entries {
		if m.Cycle == nil {
			continue
		}
		c := *m.Cycle
		if c <= 0 || c%rule.EveryCycles != 0 {
			continue
		}
		if b, ok := bounds[c]; !ok || m.Seq > b.seq {
			bounds[c] = boundary{seq: m.Seq, ts: m.TS}
		}
	}
	cycles := make([]int, 0, len(bounds))
	for c := range bounds {
		cycles = append(cycles, c)
	}
	sort.Ints(cycles)

	var out []domain.QCEvent
	for _, c := range cycles {
		b := bounds[c]
		upTo := ledgerUpTo(entries, b.seq)
		observed, ok := stats.Value(rule.Metric, upTo)
		if !ok {
			continue
		}
		if !Violates(rule, observed) {
			continue
		}
		runID := ""
		if len(entries) > 0 {
			runID = entries[0].RunID
		}
		out = append(out, domain.QCEvent{
			RunID:     runID,
			RuleID:    rule.ID,
			TS:        b.ts,
			Seq:       b.seq,
			Observed:  observed,
			Violation: true,
			Action:    action,
			Message:   fmt.Sprintf("cycle %d: %s", c, violationMessage(rule, observed)),
		})
	}
	return out
}

func ledgerUpTo(entries []domain.Measurement, seq int64) *ledger.Ledger {
	var sub []domain.Measurement
	for _, m := range entries {
		if m.Seq <= seq {
			sub = append(sub, m)
		}
	}
	return ledger.New(sub)
}

// Abort returns the first abort-action event, if any. One abort seals the
// run regardless of how many rules fired.
func Abort(events []domain.QCEvent) (domain.QCEvent, bool) {
	for _, e := range events {
		if e.Action == domain.ActionAbort {
			return e, true
		}
	}
	return domain.QCEvent{}, false
}

func violationMessage(rule protocol.QCRuleSpec, observed float64) string {
	switch rule.Comparator {
	case "within":
		return fmt.Sprintf("%s observed %g outside %g +/- %g", rule.Metric, observed, rule.Target, rule.Tolerance)
	case "max":
		return fmt.Sprintf("%s observed %g above limit %g", rule.Metric, observed, *rule.Limit)
	case "min":
		return fmt.Sprintf("%s observed %g below limit %g", rule.Metric, observed, *rule.Limit)
	}
	return fmt.Sprintf("%s observed %g", rule.Metric, observed)
}

func seriesField(metric string) string {
	for _, p := range []string{"mean:", "max:", "min:", "cv:", "uniformity:", "retention:", "slope:"} {
		if len(metric) > len(p) && metric[:len(p)] == p {
			return metric[len(p):]
		}
	}
	return metric
}

func sortEvents(def *protocol.Definition, evs []domain.QCEvent) {
	order := map[string]int{}
	for i, r := range def.QCRules {
		order[r.ID] = i
	}
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].Seq != evs[j].Seq {
			return evs[i].Seq < evs[j].Seq
		}
		return order[evs[i].RuleID] < order[evs[j].RuleID]
	})
}
