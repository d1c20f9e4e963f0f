// Package journal records job lifecycle and output durably so runs can be
// inspected after the fact. Each spawned process gets a uuid run id; the
// small slot numbers the supervisor hands out are reused and only make sense
// while a job is alive.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostmux/hostmux/internal/log"
)

const opTimeout = 5 * time.Second

// Journal writes job history to the backing database. It satisfies the
// supervisor's recorder and notifier interfaces.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	mu   sync.Mutex
	runs map[int]string // live slot -> run id
}

// New wraps an opened journal database.
func New(db *sql.DB) *Journal {
	return &Journal{
		db:     db,
		logger: log.WithComponent("journal"),
		runs:   make(map[int]string),
	}
}

// Run is one recorded process run.
type Run struct {
	RunID      string     `json:"run_id"`
	Slot       int        `json:"slot"`
	PID        int        `json:"pid"`
	Name       string     `json:"name"`
	Argv       []string   `json:"argv"`
	StartedAt  time.Time  `json:"started_at"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	LastSignal string     `json:"last_signal,omitempty"`
}

func (j *Journal) JobStarted(id, pid int, name string, argv []string) {
	runID := uuid.NewString()
	j.mu.Lock()
	j.runs[id] = runID
	j.mu.Unlock()

	argvJSON, _ := json.Marshal(argv)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO job_runs (run_id, slot, pid, name, argv, started_at) VALUES (?, ?, ?, ?, ?, ?);`,
		runID, id, pid, name, string(argvJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		j.logger.Error("record job start failed", "job_id", id, "error", err)
	}
}

func (j *Journal) JobSignaled(id int, signal string) {
	runID := j.lookup(id)
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx,
		`UPDATE job_runs SET last_signal = ? WHERE run_id = ?;`, signal, runID)
	if err != nil {
		j.logger.Error("record signal failed", "job_id", id, "error", err)
	}
}

func (j *Journal) JobExited(id, exitCode int) {
	j.mu.Lock()
	runID := j.runs[id]
	delete(j.runs, id)
	j.mu.Unlock()
	if runID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	_, err := j.db.ExecContext(ctx,
		`UPDATE job_runs SET exited_at = ?, exit_code = ? WHERE run_id = ?;`,
		time.Now().UTC().Format(time.RFC3339Nano), exitCode, runID)
	if err != nil {
		j.logger.Error("record exit failed", "job_id", id, "error", err)
	}
}

// JobActivity appends reaped output under the job's current run.
func (j *Journal) JobActivity(id int, name string, stdout, stderr []byte) {
	runID := j.lookup(id)
	if runID == "" {
		return
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	// Fixed stream order keeps rowid ordering stable within one activity.
	for _, rec := range []struct {
		stream string
		data   []byte
	}{{"stdout", stdout}, {"stderr", stderr}} {
		stream, data := rec.stream, rec.data
		if len(data) == 0 {
			continue
		}
		_, err := j.db.ExecContext(ctx,
			`INSERT INTO job_output (run_id, stream, data, at) VALUES (?, ?, ?, ?);`,
			runID, stream, data, now)
		if err != nil {
			j.logger.Error("record output failed", "job_id", id, "stream", stream, "error", err)
		}
	}
}

// Recent returns the most recently started runs, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT run_id, slot, pid, name, argv, started_at, exited_at, exit_code, last_signal
		   FROM job_runs ORDER BY started_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r        Run
			argvJSON string
			started  string
			exited   sql.NullString
			code     sql.NullInt64
			signal   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Slot, &r.PID, &r.Name, &argvJSON, &started, &exited, &code, &signal); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(argvJSON), &r.Argv)
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if exited.Valid {
			t, _ := time.Parse(time.RFC3339Nano, exited.String)
			r.ExitedAt = &t
		}
		if code.Valid {
			c := int(code.Int64)
			r.ExitCode = &c
		}
		if signal.Valid {
			r.LastSignal = signal.String
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Output returns the recorded output of a run, oldest first.
func (j *Journal) Output(ctx context.Context, runID string) (stdout, stderr []byte, err error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT stream, data FROM job_output WHERE run_id = ? ORDER BY rowid;`, runID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var stream string
		var data []byte
		if err := rows.Scan(&stream, &data); err != nil {
			return nil, nil, err
		}
		if stream == "stderr" {
			stderr = append(stderr, data...)
		} else {
			stdout = append(stdout, data...)
		}
	}
	return stdout, stderr, rows.Err()
}

func (j *Journal) lookup(id int) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs[id]
}
