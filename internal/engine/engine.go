// Package engine drives protocol execution: run lifecycle, measurement
// ingestion, QC replay, checkpointing and verdict computation. Every mutation
// runs in one transaction with its audit event, so the events table is a
// faithful journal of everything that happened to a run.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pvlab/internal/accept"
	"pvlab/internal/config"
	"pvlab/internal/domain"
	"pvlab/internal/events"
	"pvlab/internal/fieldval"
	"pvlab/internal/ledger"
	"pvlab/internal/protocol"
	"pvlab/internal/qc"
	"pvlab/internal/repo"
	"pvlab/internal/stats"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// StateTransitionError rejects an operation the run's lifecycle state does
// not allow.
type StateTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf("run %s: cannot transition %s -> %s", e.RunID, e.From, e.To)
}

// IncompleteStepError rejects a step advance while required fields of the
// current step have no validated value.
type IncompleteStepError struct {
	RunID   string
	StepID  string
	Missing []string
}

func (e IncompleteStepError) Error() string {
	return fmt.Sprintf("run %s: step %s missing required fields %v", e.RunID, e.StepID, e.Missing)
}

func ensureRunTransition(runID, old, new string) error {
	switch old {
	case domain.RunNotStarted:
		if new == domain.RunInProgress || new == domain.RunAborted {
			return nil
		}
	case domain.RunInProgress:
		switch new {
		case domain.RunPaused, domain.RunCompleted, domain.RunAborted, domain.RunFailed:
			return nil
		}
	case domain.RunPaused:
		if new == domain.RunInProgress || new == domain.RunAborted {
			return nil
		}
	}
	return StateTransitionError{RunID: runID, From: old, To: new}
}

func (e Engine) qcOptions() qc.Options {
	var opts qc.Options
	if e.Config != nil {
		opts.ActionOverrides = e.Config.QC.ActionOverrides
	}
	return opts
}

func (e Engine) outlierSigma() float64 {
	if e.Config != nil && e.Config.QC.OutlierSigma > 0 {
		return e.Config.QC.OutlierSigma
	}
	return 3.0
}

// ImportProtocol validates a document and stores it in the catalog. A given
// (id, version) pair is immutable; re-importing it fails.
func (e Engine) ImportProtocol(ctx context.Context, raw []byte, actorID string) (repo.Protocol, error) {
	def, err := protocol.Load(raw)
	if err != nil {
		return repo.Protocol{}, err
	}
	if _, err := e.Repo.GetProtocol(ctx, def.Meta.ID, def.Meta.Version); err == nil {
		return repo.Protocol{}, fmt.Errorf("protocol %s version %s already imported", def.Meta.ID, def.Meta.Version)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return repo.Protocol{}, err
	}
	p := repo.Protocol{
		ID:        def.Meta.ID,
		Version:   def.Meta.Version,
		Category:  def.Meta.Category,
		Title:     def.Meta.Title,
		Document:  string(raw),
		CreatedAt: e.nowStr(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return repo.Protocol{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProtocolTx(ctx, tx, p); err != nil {
		return repo.Protocol{}, fmt.Errorf("insert protocol: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "protocol.imported", "", "protocol", p.ID+"@"+p.Version, actorID, events.EventPayload{
		"category": p.Category,
		"title":    p.Title,
	}); err != nil {
		return repo.Protocol{}, err
	}
	if err := tx.Commit(); err != nil {
		return repo.Protocol{}, err
	}
	return p, nil
}

// RunCreateOptions are parameters for creating a run.
type RunCreateOptions struct {
	ProtocolID      string
	ProtocolVersion string // empty means latest imported
	SampleID        string
	Operator        string
	ActorID         string
}

// CreateRun binds a sample to a protocol version. The document is snapshotted
// into the run row; later re-imports of the protocol never affect this run.
func (e Engine) CreateRun(ctx context.Context, opts RunCreateOptions) (domain.TestRun, error) {
	if opts.ProtocolID == "" {
		return domain.TestRun{}, errors.New("protocol is required")
	}
	if opts.SampleID == "" {
		return domain.TestRun{}, errors.New("sample is required")
	}
	var (
		p   repo.Protocol
		err error
	)
	if opts.ProtocolVersion == "" {
		p, err = e.Repo.LatestProtocol(ctx, opts.ProtocolID)
	} else {
		p, err = e.Repo.GetProtocol(ctx, opts.ProtocolID, opts.ProtocolVersion)
	}
	if err != nil {
		return domain.TestRun{}, err
	}
	now := e.nowStr()
	run := domain.TestRun{
		ID:              uuid.NewString(),
		ProtocolID:      p.ID,
		ProtocolVersion: p.Version,
		SampleID:        opts.SampleID,
		Operator:        opts.Operator,
		Status:          domain.RunNotStarted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TestRun{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertRunTx(ctx, tx, run, []byte(p.Document)); err != nil {
		return domain.TestRun{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "run.created", run.ID, "run", run.ID, opts.ActorID, events.EventPayload{
		"protocol_id":      run.ProtocolID,
		"protocol_version": run.ProtocolVersion,
		"sample_id":        run.SampleID,
	}); err != nil {
		return domain.TestRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TestRun{}, err
	}
	return run, nil
}

// StartRun moves a run to in_progress and enters step 0.
func (e Engine) StartRun(ctx context.Context, runID, actorID string) (domain.TestRun, error) {
	return e.transition(ctx, runID, actorID, domain.RunInProgress, "run.started", func(run *domain.TestRun, now string) {
		run.StartedAt = &now
		run.StepEnteredAt = &now
	})
}

// PauseRun suspends ingestion; the run resumes at the same step ordinal.
func (e Engine) PauseRun(ctx context.Context, runID, actorID string) (domain.TestRun, error) {
	return e.transition(ctx, runID, actorID, domain.RunPaused, "run.paused", nil)
}

// ResumeRun continues a paused run at its recorded step ordinal.
func (e Engine) ResumeRun(ctx context.Context, runID, actorID string) (domain.TestRun, error) {
	return e.transition(ctx, runID, actorID, domain.RunInProgress, "run.resumed", func(run *domain.TestRun, now string) {
		run.StepEnteredAt = &now
	})
}

// AbortRun seals a run with an operator-supplied reason.
func (e Engine) AbortRun(ctx context.Context, runID, reason, actorID string) (domain.TestRun, error) {
	return e.transition(ctx, runID, actorID, domain.RunAborted, "run.aborted", func(run *domain.TestRun, now string) {
		run.EndedAt = &now
		run.AbortReason = &reason
	})
}

func (e Engine) transition(ctx context.Context, runID, actorID, target, evtType string, mutate func(*domain.TestRun, string)) (domain.TestRun, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TestRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.TestRun{}, err
	}
	if err := ensureRunTransition(run.ID, run.Status, target); err != nil {
		return run, err
	}
	from := run.Status
	now := e.nowStr()
	run.Status = target
	run.UpdatedAt = now
	if mutate != nil {
		mutate(&run, now)
	}
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, evtType, run.ID, "run", run.ID, actorID, events.EventPayload{
		"from": from, "to": target,
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// MeasurementInput is one value submitted against a run.
type MeasurementInput struct {
	RunID      string
	FieldID    string
	Value      any
	LocationID *string
	Cycle      *int
	TS         string // RFC3339; empty means now
	ActorID    string
}

// SubmitMeasurement validates and appends one value, then replays the QC
// rules over the grown ledger. New QC events are persisted in the same
// transaction; an abort event seals the run before commit.
func (e Engine) SubmitMeasurement(ctx context.Context, in MeasurementInput) (domain.Measurement, []domain.QCEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Measurement{}, nil, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, in.RunID)
	if err != nil {
		return domain.Measurement{}, nil, err
	}
	if run.Status != domain.RunInProgress {
		return domain.Measurement{}, nil, StateTransitionError{RunID: run.ID, From: run.Status, To: run.Status}
	}
	def, err := e.Repo.RunDefinition(ctx, in.RunID)
	if err != nil {
		return domain.Measurement{}, nil, err
	}
	spec, ok := def.Field(in.FieldID)
	if !ok {
		return domain.Measurement{}, nil, &fieldval.FieldError{FieldID: in.FieldID, Reason: "not declared by the protocol"}
	}

	stored, err := e.Repo.ListMeasurementsTx(ctx, tx, in.RunID)
	if err != nil {
		return domain.Measurement{}, nil, err
	}
	led := ledger.New(stored)
	value, err := fieldval.Validate(spec, in.Value, led.Values())
	if err != nil {
		return domain.Measurement{}, nil, err
	}

	ts := in.TS
	if ts == "" {
		ts = e.nowStr()
	}
	m := domain.Measurement{
		RunID:      in.RunID,
		FieldID:    in.FieldID,
		Value:      value,
		LocationID: in.LocationID,
		Cycle:      in.Cycle,
		TS:         ts,
		Status:     domain.MeasurementValidated,
		RecordedBy: in.ActorID,
	}
	m = led.Append(m)
	if err := e.Repo.InsertMeasurementTx(ctx, tx, m); err != nil {
		return domain.Measurement{}, nil, fmt.Errorf("insert measurement: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "measurement.recorded", run.ID, "measurement", fmt.Sprintf("%s/%d", run.ID, m.Seq), in.ActorID, events.EventPayload{
		"field_id": m.FieldID,
		"value":    m.Value,
	}); err != nil {
		return domain.Measurement{}, nil, err
	}

	newEvents, err := e.appendQCEventsTx(ctx, tx, def, led, run, in.ActorID)
	if err != nil {
		return domain.Measurement{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Measurement{}, nil, err
	}
	return m, newEvents, nil
}

// appendQCEventsTx replays the rules and persists the replayed events not yet
// stored, keyed by (rule, triggering seq). Stored events are immutable, so a
// discard that shrinks the replay leaves them in place; the identity diff
// still lands any later violation.
func (e Engine) appendQCEventsTx(ctx context.Context, tx *sql.Tx, def *protocol.Definition, led *ledger.Ledger, run domain.TestRun, actorID string) ([]domain.QCEvent, error) {
	replayed := qc.Evaluate(def, led, e.qcOptions())
	persisted, err := e.Repo.ListQCEventsTx(ctx, tx, run.ID)
	if err != nil {
		return nil, err
	}
	type eventKey struct {
		ruleID string
		seq    int64
	}
	seen := make(map[eventKey]bool, len(persisted))
	for _, ev := range persisted {
		seen[eventKey{ev.RuleID, ev.Seq}] = true
	}
	var fresh []domain.QCEvent
	for _, ev := range replayed {
		if seen[eventKey{ev.RuleID, ev.Seq}] {
			continue
		}
		ev.ID = uuid.NewString()
		ev.RunID = run.ID
		if err := e.Repo.InsertQCEventTx(ctx, tx, ev); err != nil {
			return nil, fmt.Errorf("insert qc event: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "qc."+ev.Action, run.ID, "qc_event", ev.ID, actorID, events.EventPayload{
			"rule_id":  ev.RuleID,
			"observed": ev.Observed,
			"message":  ev.Message,
		}); err != nil {
			return nil, err
		}
		fresh = append(fresh, ev)
	}
	if ev, aborted := qc.Abort(fresh); aborted {
		now := e.nowStr()
		reason := fmt.Sprintf("qc rule %s: %s", ev.RuleID, ev.Message)
		run.Status = domain.RunAborted
		run.EndedAt = &now
		run.AbortReason = &reason
		run.UpdatedAt = now
		if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
			return nil, err
		}
		if err := e.Events.Append(ctx, tx, "run.aborted", run.ID, "run", run.ID, actorID, events.EventPayload{
			"from": domain.RunInProgress, "to": domain.RunAborted, "reason": reason,
		}); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// AdvanceStep moves the run forward once the current step's required fields
// all hold validated values. A step with a repeat spec re-enters itself until
// its count is exhausted.
func (e Engine) AdvanceStep(ctx context.Context, runID, actorID string) (domain.TestRun, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TestRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.TestRun{}, err
	}
	if run.Status != domain.RunInProgress {
		return run, StateTransitionError{RunID: run.ID, From: run.Status, To: run.Status}
	}
	def, err := e.Repo.RunDefinition(ctx, runID)
	if err != nil {
		return run, err
	}
	step, ok := def.Step(run.StepIndex)
	if !ok {
		return run, fmt.Errorf("run %s: no step at ordinal %d", runID, run.StepIndex)
	}
	stored, err := e.Repo.ListMeasurementsTx(ctx, tx, runID)
	if err != nil {
		return run, err
	}
	if missing := missingRequired(def, step, ledger.New(stored).Values()); len(missing) > 0 {
		return run, IncompleteStepError{RunID: runID, StepID: step.ID, Missing: missing}
	}

	now := e.nowStr()
	fromStep := run.StepIndex
	if step.Repeat != nil && run.RepeatCount+1 < step.Repeat.Count {
		run.RepeatCount++
	} else {
		if run.StepIndex+1 >= len(def.Steps) {
			return run, fmt.Errorf("run %s is at its final step; complete it instead", runID)
		}
		run.StepIndex++
		run.RepeatCount = 0
	}
	run.StepEnteredAt = &now
	run.UpdatedAt = now
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.step.advanced", run.ID, "run", run.ID, actorID, events.EventPayload{
		"from_step":    fromStep,
		"to_step":      run.StepIndex,
		"repeat_count": run.RepeatCount,
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

func missingRequired(def *protocol.Definition, step protocol.StepSpec, values map[string]any) []string {
	var missing []string
	for _, fid := range step.Fields {
		spec, ok := def.Field(fid)
		if !ok {
			continue
		}
		if !fieldval.Visible(spec, values) {
			continue
		}
		if !fieldval.Required(spec, values) {
			continue
		}
		if _, has := values[fid]; !has {
			missing = append(missing, fid)
		}
	}
	return missing
}

// CompleteRun marks outliers, computes the verdict and seals the run. The
// run lands in completed unless the overall verdict is fail, which lands it
// in failed.
func (e Engine) CompleteRun(ctx context.Context, runID, actorID string) (domain.TestRun, *domain.Verdict, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TestRun{}, nil, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.TestRun{}, nil, err
	}
	if run.Status != domain.RunInProgress {
		return run, nil, StateTransitionError{RunID: run.ID, From: run.Status, To: domain.RunCompleted}
	}
	def, err := e.Repo.RunDefinition(ctx, runID)
	if err != nil {
		return run, nil, err
	}
	stored, err := e.Repo.ListMeasurementsTx(ctx, tx, runID)
	if err != nil {
		return run, nil, err
	}
	stored, err = e.markOutliersTx(ctx, tx, def, stored, runID, actorID)
	if err != nil {
		return run, nil, err
	}
	led := ledger.New(stored)

	qcEvents, err := e.Repo.ListQCEvents(ctx, runID)
	if err != nil {
		return run, nil, err
	}
	criteria, overall := accept.Evaluate(def, led, qcEvents)
	verdict := domain.Verdict{
		RunID:      runID,
		Overall:    overall,
		Criteria:   criteria,
		ComputedAt: e.nowStr(),
	}
	if err := e.Repo.SetRunVerdictTx(ctx, tx, runID, verdict); err != nil {
		return run, nil, err
	}

	target := domain.RunCompleted
	if overall == domain.VerdictFail {
		target = domain.RunFailed
	}
	now := e.nowStr()
	run.Status = target
	run.EndedAt = &now
	run.UpdatedAt = now
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return run, nil, err
	}
	if err := e.Events.Append(ctx, tx, "run.completed", run.ID, "run", run.ID, actorID, events.EventPayload{
		"overall": overall,
	}); err != nil {
		return run, nil, err
	}
	if err := tx.Commit(); err != nil {
		return run, nil, err
	}
	return run, &verdict, nil
}

// markOutliersTx flags measurements whose z-score exceeds the configured
// sigma within their field's series. Flagged rows keep counting toward every
// aggregate; the mark surfaces in the snapshot so an operator can decide
// whether to discard.
func (e Engine) markOutliersTx(ctx context.Context, tx *sql.Tx, def *protocol.Definition, stored []domain.Measurement, runID, actorID string) ([]domain.Measurement, error) {
	sigma := e.outlierSigma()
	byField := map[string][]int{} // field id -> indices into stored
	for i, m := range stored {
		if m.Status != domain.MeasurementValidated {
			continue
		}
		spec, ok := def.Field(m.FieldID)
		if !ok || spec.Kind != protocol.FieldNumber {
			continue
		}
		if _, ok := m.Number(); !ok {
			continue
		}
		byField[m.FieldID] = append(byField[m.FieldID], i)
	}
	for _, idxs := range byField {
		xs := make([]float64, len(idxs))
		for j, i := range idxs {
			xs[j], _ = stored[i].Number()
		}
		for _, j := range stats.Outliers(xs, sigma) {
			i := idxs[j]
			stored[i].Status = domain.MeasurementOutlier
			if err := e.Repo.SetMeasurementStatusTx(ctx, tx, runID, stored[i].Seq, domain.MeasurementOutlier); err != nil {
				return nil, err
			}
			if err := e.Events.Append(ctx, tx, "measurement.outlier", runID, "measurement", fmt.Sprintf("%s/%d", runID, stored[i].Seq), actorID, events.EventPayload{
				"field_id": stored[i].FieldID,
				"sigma":    sigma,
			}); err != nil {
				return nil, err
			}
		}
	}
	return stored, nil
}

// DiscardMeasurement retires one validated value from every aggregate. The
// row itself stays; discarding is the only status change operators may make.
func (e Engine) DiscardMeasurement(ctx context.Context, runID string, seq int64, reason, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return StateTransitionError{RunID: run.ID, From: run.Status, To: run.Status}
	}
	stored, err := e.Repo.ListMeasurementsTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	var found *domain.Measurement
	for i := range stored {
		if stored[i].Seq == seq {
			found = &stored[i]
			break
		}
	}
	if found == nil {
		return repo.ErrNotFound
	}
	if found.Status != domain.MeasurementValidated {
		return fmt.Errorf("measurement %s/%d is %s, only validated measurements can be discarded", runID, seq, found.Status)
	}
	if err := e.Repo.SetMeasurementStatusTx(ctx, tx, runID, seq, domain.MeasurementDiscarded); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "measurement.discarded", runID, "measurement", fmt.Sprintf("%s/%d", runID, seq), actorID, events.EventPayload{
		"field_id": found.FieldID,
		"reason":   reason,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Checkpoint persists the run's lifecycle cursor. Writing the same state
// twice is a no-op upsert, so callers may checkpoint on a timer without
// tracking dirtiness.
func (e Engine) Checkpoint(ctx context.Context, runID string) (domain.Checkpoint, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	stored, err := e.Repo.ListMeasurementsTx(ctx, tx, runID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	var ledgerSeq int64
	if len(stored) > 0 {
		ledgerSeq = stored[len(stored)-1].Seq
	}
	cp := domain.Checkpoint{
		RunID:       runID,
		Status:      run.Status,
		StepIndex:   run.StepIndex,
		RepeatCount: run.RepeatCount,
		LedgerSeq:   ledgerSeq,
		CreatedAt:   e.nowStr(),
	}
	if err := e.Repo.UpsertCheckpointTx(ctx, tx, cp); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, err
	}
	return cp, nil
}

// ResumeFromCheckpoint restores a run's cursor after a crash. Measurements
// are durable on their own; only the lifecycle columns are rewound.
func (e Engine) ResumeFromCheckpoint(ctx context.Context, runID, actorID string) (domain.TestRun, error) {
	cp, err := e.Repo.GetCheckpoint(ctx, runID)
	if err != nil {
		return domain.TestRun{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TestRun{}, err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return domain.TestRun{}, err
	}
	if run.Terminal() {
		return run, StateTransitionError{RunID: run.ID, From: run.Status, To: cp.Status}
	}
	now := e.nowStr()
	run.Status = cp.Status
	run.StepIndex = cp.StepIndex
	run.RepeatCount = cp.RepeatCount
	run.StepEnteredAt = &now
	run.UpdatedAt = now
	if err := e.Repo.UpdateRunTx(ctx, tx, run); err != nil {
		return run, err
	}
	if err := e.Events.Append(ctx, tx, "run.restored", run.ID, "run", run.ID, actorID, events.EventPayload{
		"step_index":   cp.StepIndex,
		"repeat_count": cp.RepeatCount,
		"ledger_seq":   cp.LedgerSeq,
	}); err != nil {
		return run, err
	}
	if err := tx.Commit(); err != nil {
		return run, err
	}
	return run, nil
}

// AwaitStepDuration blocks until the current step's declared duration has
// elapsed since the step was entered, or the context is canceled. Steps with
// no duration return immediately.
func (e Engine) AwaitStepDuration(ctx context.Context, runID string) error {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	def, err := e.Repo.RunDefinition(ctx, runID)
	if err != nil {
		return err
	}
	step, ok := def.Step(run.StepIndex)
	if !ok || step.DurationSeconds <= 0 || run.StepEnteredAt == nil {
		return nil
	}
	entered, err := time.Parse(time.RFC3339, *run.StepEnteredAt)
	if err != nil {
		return fmt.Errorf("run %s: bad step_entered_at: %w", runID, err)
	}
	deadline := entered.Add(time.Duration(step.DurationSeconds) * time.Second)
	remaining := deadline.Sub(e.now())
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunSnapshot is the full observable state of a run.
type RunSnapshot struct {
	Run          domain.TestRun       `json:"run"`
	Step         *protocol.StepSpec   `json:"step,omitempty"`
	Measurements []domain.Measurement `json:"measurements"`
	QCEvents     []domain.QCEvent     `json:"qc_events"`
	Verdict      *domain.Verdict      `json:"verdict,omitempty"`
	Values       map[string]any       `json:"values"`
}

// Snapshot assembles run state for inspection and reporting.
func (e Engine) Snapshot(ctx context.Context, runID string) (RunSnapshot, error) {
	run, err := e.Repo.GetRun(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	def, err := e.Repo.RunDefinition(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	stored, err := e.Repo.ListMeasurements(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	qcEvents, err := e.Repo.ListQCEvents(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	verdict, err := e.Repo.RunVerdict(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	snap := RunSnapshot{
		Run:          run,
		Measurements: stored,
		QCEvents:     qcEvents,
		Verdict:      verdict,
		Values:       ledger.New(stored).Values(),
	}
	if step, ok := def.Step(run.StepIndex); ok {
		snap.Step = &step
	}
	return snap, nil
}

// Report renders a snapshot as indented JSON.
func (e Engine) Report(ctx context.Context, runID string) ([]byte, error) {
	snap, err := e.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(snap, "", "  ")
}
