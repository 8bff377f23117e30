package accept_test

import (
	"testing"

	"pvlab/internal/accept"
	"pvlab/internal/domain"
	"pvlab/internal/ledger"
	"pvlab/internal/protocol"
)

func f64(v float64) *float64 { return &v }

func retentionCriterion(severity string) protocol.CriterionSpec {
	return protocol.CriterionSpec{
		ID:         "power-retention",
		Metric:     "retention:pmax_stc",
		Comparator: "gte",
		Severity:   severity,
		Tiers: []protocol.Tier{
			{Bound: f64(95), Verdict: domain.VerdictPass},
			{Bound: f64(90), Verdict: domain.VerdictWarning},
			{Verdict: domain.VerdictFail},
		},
	}
}

func chalkingCriterion() protocol.CriterionSpec {
	return protocol.CriterionSpec{
		ID:         "chalking",
		Metric:     "mean:chalking_rating",
		Comparator: "lte",
		Severity:   "major",
		Tiers: []protocol.Tier{
			{Bound: f64(2), Verdict: domain.VerdictPass},
			{Bound: f64(3), Verdict: domain.VerdictWarning},
			{Verdict: domain.VerdictFail},
		},
	}
}

func powerLedger(values ...float64) *ledger.Ledger {
	l := ledger.New(nil)
	for _, v := range values {
		l.Append(domain.Measurement{FieldID: "pmax_stc", Value: v, Status: domain.MeasurementValidated})
	}
	return l
}

func TestTierVerdictInclusiveBounds(t *testing.T) {
	gte := retentionCriterion("critical")
	cases := []struct {
		observed float64
		want     string
	}{
		{96, domain.VerdictPass},
		{95, domain.VerdictPass}, // exactly on the bound earns the better tier
		{94.9, domain.VerdictWarning},
		{90, domain.VerdictWarning},
		{89.9, domain.VerdictFail},
	}
	for _, tc := range cases {
		if got := accept.TierVerdict(gte, tc.observed); got != tc.want {
			t.Errorf("gte %g: got %s, want %s", tc.observed, got, tc.want)
		}
	}

	lte := chalkingCriterion()
	if got := accept.TierVerdict(lte, 2); got != domain.VerdictPass {
		t.Errorf("lte 2: got %s", got)
	}
	if got := accept.TierVerdict(lte, 2.1); got != domain.VerdictWarning {
		t.Errorf("lte 2.1: got %s", got)
	}
	if got := accept.TierVerdict(lte, 3.5); got != domain.VerdictFail {
		t.Errorf("lte 3.5: got %s", got)
	}
}

func TestEvaluateChalkingRatings(t *testing.T) {
	def := &protocol.Definition{Acceptance: []protocol.CriterionSpec{
		chalkingCriterion(),
		{
			ID:         "chalking-worst",
			Metric:     "max:chalking_rating",
			Comparator: "lte",
			Severity:   "major",
			Tiers: []protocol.Tier{
				{Bound: f64(3), Verdict: domain.VerdictPass},
				{Verdict: domain.VerdictFail},
			},
		},
	}}
	led := ledger.New(nil)
	for _, r := range []float64{1, 1, 2, 2, 3, 1, 2, 1, 2} {
		led.Append(domain.Measurement{FieldID: "chalking_rating", Value: r, Status: domain.MeasurementValidated})
	}
	results, overall := accept.Evaluate(def, led, nil)
	if overall != domain.VerdictPass {
		t.Fatalf("overall: %s", overall)
	}
	if len(results) != 2 {
		t.Fatalf("results: %+v", results)
	}
	// mean 1.67 <= 2, max 3 <= 3
	if results[0].Verdict != domain.VerdictPass || results[1].Verdict != domain.VerdictPass {
		t.Fatalf("verdicts: %s %s", results[0].Verdict, results[1].Verdict)
	}
}

func TestEvaluateWorstTierWins(t *testing.T) {
	def := &protocol.Definition{Acceptance: []protocol.CriterionSpec{
		retentionCriterion("critical"),
		chalkingCriterion(),
	}}
	led := powerLedger(350, 320) // retention 91.4: warning
	led.Append(domain.Measurement{FieldID: "chalking_rating", Value: 1.0, Status: domain.MeasurementValidated})
	_, overall := accept.Evaluate(def, led, nil)
	if overall != domain.VerdictWarning {
		t.Fatalf("overall: %s", overall)
	}
}

func TestEvaluateMajorFailAggregatesFail(t *testing.T) {
	// Severity ranks criteria for reporting; it never softens the aggregate.
	// A major criterion landing in its fail tier fails the run like a
	// critical one does.
	led := powerLedger(350, 280) // retention 80: fail tier
	for _, severity := range []string{"major", "critical"} {
		def := &protocol.Definition{Acceptance: []protocol.CriterionSpec{retentionCriterion(severity)}}
		results, overall := accept.Evaluate(def, led, nil)
		if results[0].Verdict != domain.VerdictFail {
			t.Fatalf("%s criterion verdict: %s", severity, results[0].Verdict)
		}
		if overall != domain.VerdictFail {
			t.Fatalf("%s fail should aggregate to fail, got %s", severity, overall)
		}
	}
}

func TestEvaluateNotApplicable(t *testing.T) {
	def := &protocol.Definition{Acceptance: []protocol.CriterionSpec{retentionCriterion("critical")}}
	results, overall := accept.Evaluate(def, ledger.New(nil), nil)
	if results[0].Verdict != domain.VerdictNotApplicable {
		t.Fatalf("verdict: %s", results[0].Verdict)
	}
	if results[0].Observed != nil {
		t.Fatal("not applicable criterion must not report an observation")
	}
	// nothing scored: the run cannot claim a pass
	if overall != domain.VerdictWarning {
		t.Fatalf("overall: %s", overall)
	}
}

func TestEvaluateAbortForcesFail(t *testing.T) {
	def := &protocol.Definition{Acceptance: []protocol.CriterionSpec{retentionCriterion("critical")}}
	led := powerLedger(350, 345) // retention 98.6: pass
	abort := []domain.QCEvent{{RuleID: "hipot-failure", Action: domain.ActionAbort, Violation: true}}
	_, overall := accept.Evaluate(def, led, abort)
	if overall != domain.VerdictFail {
		t.Fatalf("abort must force fail, got %s", overall)
	}
}
