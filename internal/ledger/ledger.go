// Package ledger holds the in-memory, append-only view of a run's
// measurements. The engine rebuilds it from storage on demand; every QC and
// acceptance computation reads through it so replaying the same rows always
// produces the same verdicts.
package ledger

import (
	"sort"
	"sync"

	"pvlab/internal/domain"
	"pvlab/internal/stats"
)

// Ledger is safe for concurrent readers and a single appender.
type Ledger struct {
	mu      sync.RWMutex
	entries []domain.Measurement
}

// New builds a ledger from stored measurements, sorted by seq.
func New(ms []domain.Measurement) *Ledger {
	l := &Ledger{entries: make([]domain.Measurement, len(ms))}
	copy(l.entries, ms)
	sort.Slice(l.entries, func(i, j int) bool { return l.entries[i].Seq < l.entries[j].Seq })
	return l
}

// Append adds a measurement, assigning the next seq if unset, and returns it.
func (l *Ledger) Append(m domain.Measurement) domain.Measurement {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m.Seq == 0 {
		m.Seq = l.nextSeqLocked()
	}
	l.entries = append(l.entries, m)
	return m
}

func (l *Ledger) nextSeqLocked() int64 {
	if len(l.entries) == 0 {
		return 1
	}
	return l.entries[len(l.entries)-1].Seq + 1
}

// NextSeq returns the seq the next appended measurement will receive.
func (l *Ledger) NextSeq() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeqLocked()
}

// Len reports the number of entries, including discarded ones.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a copy of all entries in seq order.
func (l *Ledger) Snapshot() []domain.Measurement {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Measurement, len(l.entries))
	copy(out, l.entries)
	return out
}

// Values returns the latest validated value per field, the evaluation
// context for visible_if and required_if conditions.
func (l *Ledger) Values() map[string]any {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := map[string]any{}
	for _, m := range l.entries {
		if m.Status == domain.MeasurementDiscarded {
			continue
		}
		out[m.FieldID] = m.Value
	}
	return out
}

// SeriesFor returns the numeric observations of a field in seq order.
// Discarded entries are excluded; outlier-marked ones stay, since marking
// flags a sample for the operator but only an explicit discard retires it.
func (l *Ledger) SeriesFor(fieldID string) stats.Series {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var s stats.Series
	for _, m := range l.entries {
		if m.FieldID != fieldID || m.Status == domain.MeasurementDiscarded {
			continue
		}
		v, ok := m.Number()
		if !ok {
			continue
		}
		cycle := 0
		if m.Cycle != nil {
			cycle = *m.Cycle
		}
		s = append(s, stats.Point{Seq: m.Seq, TS: m.TS, Cycle: cycle, Value: v})
	}
	return s
}

// Baseline returns the first non-discarded numeric observation of a field.
func (l *Ledger) Baseline(fieldID string) (float64, bool) {
	s := l.SeriesFor(fieldID)
	if len(s) == 0 {
		return 0, false
	}
	return s[0].Value, true
}

// MaxCycle reports the highest cycle ordinal seen so far.
func (l *Ledger) MaxCycle() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	max := 0
	for _, m := range l.entries {
		if m.Cycle != nil && *m.Cycle > max {
			max = *m.Cycle
		}
	}
	return max
}

var _ stats.Source = (*Ledger)(nil)
