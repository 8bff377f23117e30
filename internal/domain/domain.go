package domain

// Run lifecycle states.
const (
	RunNotStarted = "not_started"
	RunInProgress = "in_progress"
	RunPaused     = "paused"
	RunCompleted  = "completed"
	RunAborted    = "aborted"
	RunFailed     = "failed"
)

// Measurement validation statuses.
const (
	MeasurementValidated = "validated"
	MeasurementOutlier   = "outlier"
	MeasurementDiscarded = "discarded"
)

// QC rule actions.
const (
	ActionAlert = "alert"
	ActionFlag  = "flag"
	ActionAbort = "abort"
)

// Verdict tiers, worst to best.
const (
	VerdictFail          = "fail"
	VerdictWarning       = "warning"
	VerdictPass          = "pass"
	VerdictNotApplicable = "not_applicable"
)

// TestRun is one execution of a protocol against a sample. It binds to the
// definition snapshot taken at creation time; later protocol edits never
// touch an in-flight run.
type TestRun struct {
	ID              string  `json:"id"`
	ProtocolID      string  `json:"protocol_id"`
	ProtocolVersion string  `json:"protocol_version"`
	SampleID        string  `json:"sample_id"`
	Operator        string  `json:"operator"`
	Status          string  `json:"status" enum:"not_started,in_progress,paused,completed,aborted,failed"`
	StepIndex       int     `json:"step_index"`
	RepeatCount     int     `json:"repeat_count"`
	StepEnteredAt   *string `json:"step_entered_at,omitempty" format:"date-time"`
	StartedAt       *string `json:"started_at,omitempty" format:"date-time"`
	EndedAt         *string `json:"ended_at,omitempty" format:"date-time"`
	AbortReason     *string `json:"abort_reason,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// Terminal reports whether no further transitions or ingestion are allowed.
func (r TestRun) Terminal() bool {
	switch r.Status {
	case RunCompleted, RunAborted, RunFailed:
		return true
	}
	return false
}

// Measurement is one accepted field value or sensor sample. Rows are
// immutable once appended; corrections are new entries, and the only status
// transition is validated -> discarded through an audited operator action.
type Measurement struct {
	RunID      string  `json:"run_id"`
	Seq        int64   `json:"seq"`
	FieldID    string  `json:"field_id"`
	Value      any     `json:"value"`
	LocationID *string `json:"location_id,omitempty"`
	Cycle      *int    `json:"cycle,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
	Status     string  `json:"status" enum:"validated,outlier,discarded"`
	RecordedBy string  `json:"recorded_by"`
}

// Number returns the measurement value as a float64 when it is numeric.
func (m Measurement) Number() (float64, bool) {
	switch v := m.Value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// QCEvent records one quality-control rule evaluation outcome.
type QCEvent struct {
	ID        string  `json:"id"`
	RunID     string  `json:"run_id"`
	RuleID    string  `json:"rule_id"`
	TS        string  `json:"ts" format:"date-time"`
	Seq       int64   `json:"seq"`
	Observed  float64 `json:"observed"`
	Violation bool    `json:"violation"`
	Action    string  `json:"action" enum:"alert,flag,abort"`
	Message   string  `json:"message,omitempty"`
}

// CriterionResult is the per-criterion slice of a verdict.
type CriterionResult struct {
	CriterionID string   `json:"criterion_id"`
	Metric      string   `json:"metric"`
	Severity    string   `json:"severity" enum:"critical,major"`
	Observed    *float64 `json:"observed,omitempty"`
	Verdict     string   `json:"verdict" enum:"pass,warning,fail,not_applicable"`
}

// Verdict is the run-level acceptance outcome: one result per criterion plus
// the worst-tier-wins aggregate.
type Verdict struct {
	RunID      string            `json:"run_id"`
	Overall    string            `json:"overall" enum:"pass,warning,fail"`
	Criteria   []CriterionResult `json:"criteria"`
	ComputedAt string            `json:"computed_at" format:"date-time"`
}

// Checkpoint is the periodic auto-save of a run: lifecycle state plus the
// ledger cursor. Writing the same checkpoint twice is a no-op.
type Checkpoint struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	StepIndex   int    `json:"step_index"`
	RepeatCount int    `json:"repeat_count"`
	LedgerSeq   int64  `json:"ledger_seq"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Event is one append-only audit record.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
