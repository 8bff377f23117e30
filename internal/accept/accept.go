// Package accept computes the tiered pass/fail verdict of a completed run.
package accept

import (
	"pvlab/internal/domain"
	"pvlab/internal/protocol"
	"pvlab/internal/stats"
)

// rank orders verdicts worst to best for the aggregate.
var rank = map[string]int{
	domain.VerdictFail:    0,
	domain.VerdictWarning: 1,
	domain.VerdictPass:    2,
}

// TierVerdict resolves one observed value against a criterion's ordered
// tiers. Tiers are listed best to worst; bounds are inclusive toward the
// better verdict, so a retention of exactly 95 against a gte bound of 95
// earns that tier. The final tier is unbounded and always matches.
func TierVerdict(c protocol.CriterionSpec, observed float64) string {
	for _, t := range c.Tiers {
		if t.Bound == nil {
			return t.Verdict
		}
		switch c.Comparator {
		case "lte":
			if observed <= *t.Bound {
				return t.Verdict
			}
		case "gte":
			if observed >= *t.Bound {
				return t.Verdict
			}
		}
	}
	// Unreachable for a validated document; the last tier has no bound.
	return domain.VerdictFail
}

// Evaluate scores every criterion against the run's metric source and folds
// them into an overall verdict. Worst tier wins regardless of the criterion's
// severity class, which only orders criteria for reporting. A criterion whose
// metric cannot be computed resolves to not_applicable and is excluded from
// the aggregate. An abort QC event in the run's history forces overall fail
// no matter what the criteria say.
func Evaluate(def *protocol.Definition, src stats.Source, qcEvents []domain.QCEvent) ([]domain.CriterionResult, string) {
	results := make([]domain.CriterionResult, 0, len(def.Acceptance))
	overall := domain.VerdictPass
	scored := false
	for _, c := range def.Acceptance {
		res := domain.CriterionResult{
			CriterionID: c.ID,
			Metric:      c.Metric,
			Severity:    c.Severity,
		}
		observed, ok := stats.Value(c.Metric, src)
		if !ok {
			res.Verdict = domain.VerdictNotApplicable
			results = append(results, res)
			continue
		}
		v := observed
		res.Observed = &v
		res.Verdict = TierVerdict(c, observed)
		results = append(results, res)

		scored = true
		if rank[res.Verdict] < rank[overall] {
			overall = res.Verdict
		}
	}
	if !scored && len(def.Acceptance) > 0 {
		// Every criterion not applicable: the run cannot claim a pass.
		overall = domain.VerdictWarning
	}
	if _, aborted := abortEvent(qcEvents); aborted {
		overall = domain.VerdictFail
	}
	return results, overall
}

func abortEvent(events []domain.QCEvent) (domain.QCEvent, bool) {
	for _, e := range events {
		if e.Action == domain.ActionAbort {
			return e, true
		}
	}
	return domain.QCEvent{}, false
}
