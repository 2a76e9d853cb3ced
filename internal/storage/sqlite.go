package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/dayrun/internal/models"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Storage is the run journal. It records what each run did for operators;
// nothing in it feeds back into how a run is executed.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Runs write from several goroutines; one connection avoids SQLITE_BUSY
	// and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		trigger_source TEXT NOT NULL,
		start_index INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		failed_stage INTEGER,
		exit_code INTEGER,
		join_warnings TEXT,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		stage_index INTEGER NOT NULL,
		pipeline TEXT NOT NULL,
		forked INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'running',
		exit_code INTEGER,
		progress INTEGER NOT NULL DEFAULT 0,
		pid INTEGER,
		log_path TEXT,
		started_at TIMESTAMP,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_executions_run ON executions(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Storage) CreateRun(run *models.Run) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (id, created_at, trigger_source, start_index, status)
		 VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.Trigger, run.StartIndex, run.Status,
	)
	return err
}

func (s *Storage) UpdateRun(run *models.Run) error {
	warnings, err := encodeWarnings(run.JoinWarnings)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`UPDATE runs SET completed_at = ?, status = ?, failed_stage = ?, exit_code = ?, join_warnings = ?, error = ?
		 WHERE id = ?`,
		run.CompletedAt, run.Status, run.FailedStage, run.ExitCode, warnings, nullString(run.Error), run.ID,
	)
	return err
}

const runColumns = `id, created_at, completed_at, trigger_source, start_index, status, failed_stage, exit_code, join_warnings, error`

func (s *Storage) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// FindRun resolves a run by id or unique id prefix.
func (s *Storage) FindRun(prefix string) (*models.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE id LIKE ? || '%' LIMIT 2`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	switch len(found) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return found[0], nil
	default:
		return nil, errors.New("run id prefix is ambiguous")
	}
}

func (s *Storage) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var failedStage, exitCode sql.NullInt64
	var warnings, runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.CreatedAt, &completedAt, &run.Trigger, &run.StartIndex,
		&run.Status, &failedStage, &exitCode, &warnings, &runErr,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if failedStage.Valid {
		stage := int(failedStage.Int64)
		run.FailedStage = &stage
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if warnings.Valid {
		var codes map[string]int
		if err := json.Unmarshal([]byte(warnings.String), &codes); err == nil {
			run.JoinWarnings = codes
		}
	}
	if runErr.Valid {
		run.Error = runErr.String
	}

	return &run, nil
}

func (s *Storage) CreateExecution(exec *models.Execution) (int64, error) {
	result, err := s.db.Exec(
		`INSERT INTO executions (run_id, stage_index, pipeline, forked, status, exit_code, progress, pid, log_path, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.RunID, exec.StageIndex, exec.Pipeline, exec.Forked, exec.Status,
		exec.ExitCode, exec.Progress, exec.PID, nullString(exec.LogPath), exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *Storage) UpdateExecution(exec *models.Execution) error {
	_, err := s.db.Exec(
		`UPDATE executions SET status = ?, exit_code = ?, progress = ?, pid = ?, completed_at = ?
		 WHERE id = ?`,
		exec.Status, exec.ExitCode, exec.Progress, exec.PID, exec.CompletedAt, exec.ID,
	)
	return err
}

func (s *Storage) GetExecutionsForRun(runID string) ([]*models.Execution, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, stage_index, pipeline, forked, status, exit_code, progress, pid, log_path, started_at, completed_at
		 FROM executions WHERE run_id = ? ORDER BY stage_index, id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*models.Execution
	for rows.Next() {
		var exec models.Execution
		var exitCode, pid sql.NullInt64
		var logPath sql.NullString
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&exec.ID, &exec.RunID, &exec.StageIndex, &exec.Pipeline, &exec.Forked, &exec.Status,
			&exitCode, &exec.Progress, &pid, &logPath, &startedAt, &completedAt,
		)
		if err != nil {
			return nil, err
		}

		if exitCode.Valid {
			code := int(exitCode.Int64)
			exec.ExitCode = &code
		}
		if pid.Valid {
			p := int(pid.Int64)
			exec.PID = &p
		}
		if logPath.Valid {
			exec.LogPath = logPath.String
		}
		if startedAt.Valid {
			exec.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			exec.CompletedAt = &completedAt.Time
		}

		execs = append(execs, &exec)
	}

	return execs, rows.Err()
}

// DeleteRunsBefore prunes the journal and returns the number of runs removed.
func (s *Storage) DeleteRunsBefore(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM executions WHERE run_id IN (SELECT id FROM runs WHERE created_at < ?)`, cutoff,
	); err != nil {
		return 0, err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	return n, tx.Commit()
}

func encodeWarnings(codes map[string]int) (*string, error) {
	if len(codes) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(codes)
	if err != nil {
		return nil, err
	}
	str := string(data)
	return &str, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Helper to format time for display
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
