package bench

import (
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	job         TEXT NOT NULL,
	hostname    TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	status      TEXT NOT NULL DEFAULT 'running'
);

CREATE TABLE IF NOT EXISTS tasks (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	part        INTEGER NOT NULL,
	hostname    TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	duration_ms REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS stages (
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT,
	duration_ms REAL NOT NULL
);
`

// Recorder writes run, stage and task telemetry into a SQLite database.
// All methods are safe for concurrent use and are no-ops on a nil receiver.
type Recorder struct {
	mu    sync.Mutex
	db    *sql.DB
	runID string
	host  string
}

// Open creates (or opens) the benchmark database at path, applies the
// schema, and registers a new run for the given job name.
func Open(path, job string) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening benchmark db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying benchmark schema: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	r := &Recorder{
		db:    db,
		runID: uuid.NewString(),
		host:  host,
	}

	_, err = db.Exec(
		`INSERT INTO runs (id, job, hostname, started_at) VALUES (?, ?, ?, ?)`,
		r.runID, job, host, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registering run: %w", err)
	}

	return r, nil
}

// RunID returns the UUID assigned to this run, or "" on a nil recorder.
func (r *Recorder) RunID() string {
	if r == nil {
		return ""
	}
	return r.runID
}

// TaskDone records one executed (stage, partition). It implements half of
// the engine Observer contract.
func (r *Recorder) TaskDone(stage string, partition int, start, end time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// The Observer contract has no error return; telemetry failures are
	// dropped rather than failing the run.
	r.db.Exec(
		`INSERT INTO tasks (run_id, stage, part, hostname, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.runID, stage, partition, r.host,
		start.UTC().Format(time.RFC3339Nano),
		end.UTC().Format(time.RFC3339Nano),
		float64(end.Sub(start).Microseconds())/1000,
	)
}

// StageDone records one completed dataset stage.
func (r *Recorder) StageDone(stage string, stageErr error, elapsed time.Duration) {
	if r == nil {
		return
	}
	status := "ok"
	var errText any
	if stageErr != nil {
		status = "failed"
		errText = stageErr.Error()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.db.Exec(
		`INSERT INTO stages (run_id, stage, status, error, duration_ms) VALUES (?, ?, ?, ?, ?)`,
		r.runID, stage, status, errText,
		float64(elapsed.Microseconds())/1000,
	)
}

// Finish marks the run as succeeded or failed and stamps its end time.
func (r *Recorder) Finish(runErr error) error {
	if r == nil {
		return nil
	}
	status := "succeeded"
	if runErr != nil {
		status = "failed"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.db.Exec(
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), status, r.runID,
	)
	return err
}

// TaskCount returns the number of recorded tasks for a stage, for
// inspection and tests.
func (r *Recorder) TaskCount(stage string) (int, error) {
	if r == nil {
		return 0, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM tasks WHERE run_id = ? AND stage = ?`, r.runID, stage).Scan(&n)
	return n, err
}

// Close releases the underlying database handle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.db.Close()
}
