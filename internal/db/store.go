package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store provides persistence for runs, per-iteration phase records,
// events, and conversation memory.
type Store struct {
	db *sql.DB
}

// NewStore creates a store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID         string
	CreatedAt     string
	TaskID        string
	Goal          string
	Status        string
	Iteration     int
	PassCount     int
	CriteriaCount int
	RunDir        string
}

// Update contains updates for a run record.
type Update struct {
	Iteration     int
	Status        string
	PassCount     int
	CriteriaCount int
}

// Event represents a timeline event for a run.
type Event struct {
	Type     string
	Message  string
	DataJSON string
}

// CreateRun inserts the run record and a run_started event.
func (s *Store) CreateRun(ctx context.Context, runID, taskID, goal, runDir string) error {
	createdAt := time.Now().UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin create run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id, created_at, task_id, goal, status, iteration, pass_count, criteria_count, run_dir)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, createdAt, taskID, goal, "running", 0, 0, 0, runDir); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert run: %w", err)
	}
	if err := s.insertEvent(ctx, tx, runID, "run_started", "run started", ""); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

// UpdateRun applies a run update and optional event.
func (s *Store) UpdateRun(ctx context.Context, runID string, update Update, event *Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update run: %w", err)
	}
	if event != nil {
		if err := s.insertEvent(ctx, tx, runID, event.Type, event.Message, event.DataJSON); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE runs SET iteration=?, status=?, pass_count=?, criteria_count=? WHERE run_id=?`,
		update.Iteration, update.Status, update.PassCount, update.CriteriaCount, runID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("update run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update run: %w", err)
	}
	return nil
}

// SavePhase upserts the structured payload of a completed phase so a
// crashed process can resume from the last completed phase.
func (s *Store) SavePhase(ctx context.Context, runID string, iteration int, phase string, payload []byte) error {
	ts := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO phases(run_id, iteration, phase, payload, created_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(run_id, iteration, phase) DO UPDATE SET payload=excluded.payload, created_at=excluded.created_at`,
		runID, iteration, phase, string(payload), ts)
	if err != nil {
		return fmt.Errorf("save phase %s/%d: %w", phase, iteration, err)
	}
	return nil
}

// LoadPhase reads a phase payload, reporting whether it exists.
func (s *Store) LoadPhase(ctx context.Context, runID string, iteration int, phase string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM phases WHERE run_id=? AND iteration=? AND phase=?`,
		runID, iteration, phase)
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load phase %s/%d: %w", phase, iteration, err)
	}
	return []byte(payload), true, nil
}

// LastPhase returns the most recently saved (iteration, phase) for a run.
func (s *Store) LastPhase(ctx context.Context, runID string) (int, string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT iteration, phase FROM phases WHERE run_id=?
		ORDER BY iteration DESC, created_at DESC LIMIT 1`, runID)
	var iteration int
	var phase string
	if err := row.Scan(&iteration, &phase); err != nil {
		if err == sql.ErrNoRows {
			return 0, "", false, nil
		}
		return 0, "", false, fmt.Errorf("read last phase: %w", err)
	}
	return iteration, phase, true, nil
}

// AppendMemory durably appends one conversation-memory entry.
func (s *Store) AppendMemory(ctx context.Context, runID string, summaryJSON []byte) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin append memory: %w", err)
	}
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM memory WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read memory seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memory(run_id, seq, summary_json) VALUES(?, ?, ?)`,
		runID, seq+1, string(summaryJSON)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert memory: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append memory: %w", err)
	}
	return nil
}

// ListMemory returns all memory entries for a run in append order.
func (s *Store) ListMemory(ctx context.Context, runID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT summary_json FROM memory WHERE run_id=? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list memory: %w", err)
	}
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, []byte(payload))
	}
	return out, rows.Err()
}

// ListRuns returns run records, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, created_at, task_id, goal, status, iteration, pass_count, criteria_count, run_dir
		FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.RunID, &r.CreatedAt, &r.TaskID, &r.Goal, &r.Status, &r.Iteration, &r.PassCount, &r.CriteriaCount, &r.RunDir); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun fetches one run record, reporting whether it exists.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, created_at, task_id, goal, status, iteration, pass_count, criteria_count, run_dir
		FROM runs WHERE run_id=?`, runID)
	var r RunRecord
	if err := row.Scan(&r.RunID, &r.CreatedAt, &r.TaskID, &r.Goal, &r.Status, &r.Iteration, &r.PassCount, &r.CriteriaCount, &r.RunDir); err != nil {
		if err == sql.ErrNoRows {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, fmt.Errorf("read run: %w", err)
	}
	return r, true, nil
}

// GetRunStatus returns the status for a run id, or empty if missing.
func (s *Store) GetRunStatus(ctx context.Context, runID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id=?`, runID)
	var status string
	if err := row.Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("read run status: %w", err)
	}
	return status, nil
}

// DeleteRun removes a run and its dependent rows.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, runID); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, runID, typ, message, dataJSON string) error {
	var seq int
	row := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE run_id=?`, runID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("read event seq: %w", err)
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	var data any
	if dataJSON != "" {
		data = dataJSON
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO events(run_id, seq, ts, type, message, data_json) VALUES(?, ?, ?, ?, ?, ?)`,
		runID, seq+1, ts, typ, message, data); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// AddEvent records a standalone timeline event for a run.
func (s *Store) AddEvent(ctx context.Context, runID string, event Event) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin add event: %w", err)
	}
	if err := s.insertEvent(ctx, tx, runID, event.Type, event.Message, event.DataJSON); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add event: %w", err)
	}
	return nil
}
