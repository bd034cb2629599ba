package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed bookkeeping of runs and their tasks.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection serializes writers coming from several goroutines
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            command TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            params_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS tasks (
            handle TEXT PRIMARY KEY,
            run_id TEXT,
            kind TEXT NOT NULL,
            idx INTEGER,
            backend TEXT,
            status TEXT NOT NULL,
            duration_ms INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run_id ON tasks(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures a persisted prepare or compute run.
type RunRecord struct {
	ID          string     `json:"id"`
	Command     string     `json:"command"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input_path"`
	OutputPath  string     `json:"output_path"`
	ParamsJSON  string     `json:"params_json,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRecord captures one orchestrated unit of work.
type TaskRecord struct {
	Handle      string     `json:"handle"`
	RunID       string     `json:"run_id"`
	Kind        string     `json:"kind"`
	Index       int        `json:"index"`
	Backend     string     `json:"backend"`
	Status      string     `json:"status"`
	DurationMS  int64      `json:"duration_ms"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RecordRunStart inserts a running run.
func (s *Store) RecordRunStart(rec RunRecord) error {
	if s == nil {
		return nil
	}
	if rec.Status == "" {
		rec.Status = "running"
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, command, status, input_path, output_path, params_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Command, rec.Status, rec.InputPath, rec.OutputPath, rec.ParamsJSON)
	return err
}

// RecordRunEnd finalizes a run with status and meta.
func (s *Store) RecordRunEnd(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordTaskQueued inserts a pending task.
func (s *Store) RecordTaskQueued(rec TaskRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO tasks (handle, run_id, kind, idx, backend, status) VALUES (?, ?, ?, ?, ?, 'queued');`,
		rec.Handle, rec.RunID, rec.Kind, rec.Index, rec.Backend)
	return err
}

// RecordTaskStart marks a task as running.
func (s *Store) RecordTaskStart(handle string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE tasks SET status='running', started_at=CURRENT_TIMESTAMP WHERE handle=?;`, handle)
	return err
}

// RecordTaskResult finalizes a task.
func (s *Store) RecordTaskResult(handle string, status string, duration time.Duration, errMsg string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE tasks SET status=?, duration_ms=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE handle=?;`,
		status, duration.Milliseconds(), errMsg, handle)
	return err
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, command, status, input_path, output_path, params_json, created_at, completed_at, error_message FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		var rec RunRecord
		var created time.Time
		var completed sql.NullTime
		var params, errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Command, &rec.Status, &rec.InputPath, &rec.OutputPath, &params, &created, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.ParamsJSON = params.String
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunTasks lists the tasks of a run in submission order.
func (s *Store) RunTasks(runID string) ([]TaskRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT handle, run_id, kind, idx, backend, status, duration_ms, created_at, started_at, completed_at, error_message FROM tasks WHERE run_id=? ORDER BY kind, idx;`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var created time.Time
		var started, completed sql.NullTime
		var duration sql.NullInt64
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.Handle, &rec.RunID, &rec.Kind, &rec.Index, &rec.Backend, &rec.Status, &duration, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		rec.DurationMS = duration.Int64
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
