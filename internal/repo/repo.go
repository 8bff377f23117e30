package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pvlab/internal/domain"
	"pvlab/internal/protocol"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// --- protocols ---

// Protocol is a stored document plus its catalog metadata.
type Protocol struct {
	ID        string `json:"id"`
	Version   string `json:"version"`
	Category  string `json:"category"`
	Title     string `json:"title,omitempty"`
	Document  string `json:"-"`
	CreatedAt string `json:"created_at"`
}

func (r Repo) InsertProtocolTx(ctx context.Context, tx *sql.Tx, p Protocol) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO protocols(id,version,category,title,document_json,created_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.Version, p.Category, nullable(p.Title), p.Document, p.CreatedAt)
	return err
}

func (r Repo) GetProtocol(ctx context.Context, id, version string) (Protocol, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,version,category,COALESCE(title,''),document_json,created_at FROM protocols WHERE id=? AND version=?`, id, version)
	return scanProtocol(row)
}

// LatestProtocol returns the most recently imported version of a protocol id.
func (r Repo) LatestProtocol(ctx context.Context, id string) (Protocol, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,version,category,COALESCE(title,''),document_json,created_at FROM protocols WHERE id=? ORDER BY created_at DESC, version DESC LIMIT 1`, id)
	return scanProtocol(row)
}

func scanProtocol(row *sql.Row) (Protocol, error) {
	var p Protocol
	err := row.Scan(&p.ID, &p.Version, &p.Category, &p.Title, &p.Document, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ListProtocols(ctx context.Context, category string) ([]Protocol, error) {
	query := `SELECT id,version,category,COALESCE(title,''),document_json,created_at FROM protocols`
	var args []any
	if category != "" {
		query += ` WHERE category=?`
		args = append(args, category)
	}
	query += ` ORDER BY id, version`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Protocol
	for rows.Next() {
		var p Protocol
		if err := rows.Scan(&p.ID, &p.Version, &p.Category, &p.Title, &p.Document, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// --- runs ---

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.TestRun, definition []byte) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO runs(id,protocol_id,protocol_version,definition_json,sample_id,operator,status,step_index,repeat_count,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProtocolID, run.ProtocolVersion, string(definition), run.SampleID, run.Operator, run.Status, run.StepIndex, run.RepeatCount, run.CreatedAt, run.UpdatedAt)
	return err
}

const runColumns = `id,protocol_id,protocol_version,sample_id,operator,status,step_index,repeat_count,step_entered_at,started_at,ended_at,abort_reason,created_at,updated_at`

func scanRun(scan func(dest ...any) error) (domain.TestRun, error) {
	var run domain.TestRun
	err := scan(&run.ID, &run.ProtocolID, &run.ProtocolVersion, &run.SampleID, &run.Operator, &run.Status,
		&run.StepIndex, &run.RepeatCount, &run.StepEnteredAt, &run.StartedAt, &run.EndedAt, &run.AbortReason,
		&run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.TestRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.TestRun, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// RunDefinition returns the definition snapshot a run bound at creation.
func (r Repo) RunDefinition(ctx context.Context, id string) (*protocol.Definition, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json FROM runs WHERE id=?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return protocol.Decode([]byte(raw))
}

func (r Repo) ListRuns(ctx context.Context, status, sampleID string) ([]domain.TestRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var (
		conds []string
		args  []any
	)
	if status != "" {
		conds = append(conds, "status=?")
		args = append(args, status)
	}
	if sampleID != "" {
		conds = append(conds, "sample_id=?")
		args = append(args, sampleID)
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TestRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRunTx(ctx context.Context, tx *sql.Tx, run domain.TestRun) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?,step_index=?,repeat_count=?,step_entered_at=?,started_at=?,ended_at=?,abort_reason=?,updated_at=? WHERE id=?`,
		run.Status, run.StepIndex, run.RepeatCount, run.StepEnteredAt, run.StartedAt, run.EndedAt, run.AbortReason, run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetRunVerdictTx(ctx context.Context, tx *sql.Tx, runID string, verdict domain.Verdict) error {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET verdict_json=? WHERE id=?`, string(payload), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) RunVerdict(ctx context.Context, runID string) (*domain.Verdict, error) {
	var payload sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT verdict_json FROM runs WHERE id=?`, runID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !payload.Valid {
		return nil, nil
	}
	var v domain.Verdict
	if err := json.Unmarshal([]byte(payload.String), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- measurements ---

func (r Repo) InsertMeasurementTx(ctx context.Context, tx *sql.Tx, m domain.Measurement) error {
	value, err := json.Marshal(m.Value)
	if err != nil {
		return fmt.Errorf("marshal measurement value: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO measurements(run_id,seq,field_id,value_json,location_id,cycle,ts,status,recorded_by) VALUES (?,?,?,?,?,?,?,?,?)`,
		m.RunID, m.Seq, m.FieldID, string(value), m.LocationID, m.Cycle, m.TS, m.Status, m.RecordedBy)
	return err
}

func (r Repo) ListMeasurements(ctx context.Context, runID string) ([]domain.Measurement, error) {
	return listMeasurements(ctx, r.DB.QueryContext, runID)
}

func (r Repo) ListMeasurementsTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.Measurement, error) {
	return listMeasurements(ctx, tx.QueryContext, runID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listMeasurements(ctx context.Context, query queryFn, runID string) ([]domain.Measurement, error) {
	rows, err := query(ctx, `SELECT run_id,seq,field_id,value_json,location_id,cycle,ts,status,recorded_by FROM measurements WHERE run_id=? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Measurement
	for rows.Next() {
		var m domain.Measurement
		var value string
		if err := rows.Scan(&m.RunID, &m.Seq, &m.FieldID, &value, &m.LocationID, &m.Cycle, &m.TS, &m.Status, &m.RecordedBy); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(value), &m.Value); err != nil {
			return nil, fmt.Errorf("measurement %s/%d: %w", m.RunID, m.Seq, err)
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// SetMeasurementStatusTx flips a measurement's status. The legal flips are
// validated -> outlier and validated -> discarded; the engine enforces that
// before calling.
func (r Repo) SetMeasurementStatusTx(ctx context.Context, tx *sql.Tx, runID string, seq int64, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE measurements SET status=? WHERE run_id=? AND seq=?`, status, runID, seq)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- qc events ---

func (r Repo) InsertQCEventTx(ctx context.Context, tx *sql.Tx, e domain.QCEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO qc_events(id,run_id,rule_id,ts,seq,observed,violation,action,message) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.RunID, e.RuleID, e.TS, e.Seq, e.Observed, e.Violation, e.Action, nullable(e.Message))
	return err
}

func (r Repo) ListQCEvents(ctx context.Context, runID string) ([]domain.QCEvent, error) {
	return listQCEvents(ctx, r.DB.QueryContext, runID)
}

func (r Repo) ListQCEventsTx(ctx context.Context, tx *sql.Tx, runID string) ([]domain.QCEvent, error) {
	return listQCEvents(ctx, tx.QueryContext, runID)
}

func listQCEvents(ctx context.Context, query queryFn, runID string) ([]domain.QCEvent, error) {
	rows, err := query(ctx, `SELECT id,run_id,rule_id,ts,seq,observed,violation,action,COALESCE(message,'') FROM qc_events WHERE run_id=? ORDER BY seq, id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QCEvent
	for rows.Next() {
		var e domain.QCEvent
		if err := rows.Scan(&e.ID, &e.RunID, &e.RuleID, &e.TS, &e.Seq, &e.Observed, &e.Violation, &e.Action, &e.Message); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- checkpoints ---

func (r Repo) UpsertCheckpointTx(ctx context.Context, tx *sql.Tx, cp domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(run_id,status,step_index,repeat_count,ledger_seq,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, step_index=excluded.step_index, repeat_count=excluded.repeat_count, ledger_seq=excluded.ledger_seq, created_at=excluded.created_at`,
		cp.RunID, cp.Status, cp.StepIndex, cp.RepeatCount, cp.LedgerSeq, cp.CreatedAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, runID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := r.DB.QueryRowContext(ctx, `SELECT run_id,status,step_index,repeat_count,ledger_seq,created_at FROM checkpoints WHERE run_id=?`, runID).
		Scan(&cp.RunID, &cp.Status, &cp.StepIndex, &cp.RepeatCount, &cp.LedgerSeq, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	return cp, err
}

// --- audit events ---

// ListEvents returns audit events after a cursor, oldest first. runID narrows
// to one run; limit caps the page.
func (r Repo) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(run_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if runID != "" {
		query += ` AND run_id=?`
		args = append(args, runID)
	}
	query += ` ORDER BY id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RunID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the id of the newest audit event, or 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
