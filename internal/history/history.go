// Package history persists terminal jobs and schedule runs to sqlite. All
// writes are best-effort: the executor and scheduler never fail on a history
// error.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	agent TEXT NOT NULL,
	schedule TEXT,
	origin TEXT NOT NULL,
	outcome TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL,
	output TEXT,
	error_text TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_agent ON jobs(agent, started_at);

CREATE TABLE IF NOT EXISTS schedule_runs (
	agent TEXT NOT NULL,
	schedule TEXT NOT NULL,
	last_status TEXT NOT NULL,
	last_tick DATETIME NOT NULL,
	run_count INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (agent, schedule)
);
`

// JobRecord is one persisted terminal job.
type JobRecord struct {
	ID          string
	Agent       string
	Schedule    string
	Origin      string
	Outcome     string
	StartedAt   time.Time
	CompletedAt time.Time
	DurationMs  int64
	Output      string
	Error       string
}

// Service wraps the history database.
type Service struct {
	db *sql.DB
}

// New opens (and migrates) the history database at dbPath.
func New(dbPath string) (*Service, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Service{db: db}, nil
}

// Close closes the database.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// RecordJob inserts a terminal job. Nil-safe.
func (s *Service) RecordJob(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO jobs
		(id, agent, schedule, origin, outcome, started_at, completed_at, duration_ms, output, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Agent, rec.Schedule, rec.Origin, rec.Outcome,
		rec.StartedAt, rec.CompletedAt, rec.DurationMs, rec.Output, rec.Error)
	return err
}

// UpsertScheduleRun records the latest scheduler decision for a schedule.
func (s *Service) UpsertScheduleRun(agent, schedule, status string, tick time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO schedule_runs (agent, schedule, last_status, last_tick, run_count, updated_at)
		VALUES (?, ?, ?, ?, 1, datetime('now'))
		ON CONFLICT(agent, schedule) DO UPDATE SET
			last_status = excluded.last_status,
			last_tick = excluded.last_tick,
			run_count = schedule_runs.run_count + 1,
			updated_at = datetime('now')`,
		agent, schedule, status, tick)
	return err
}

// RecentJobs returns up to n most recent jobs for an agent (all agents when
// agent is empty), newest first.
func (s *Service) RecentJobs(agent string, n int) ([]JobRecord, error) {
	if s == nil {
		return nil, nil
	}
	if n <= 0 {
		n = 20
	}

	query := `SELECT id, agent, COALESCE(schedule,''), origin, outcome,
		started_at, completed_at, duration_ms, COALESCE(output,''), COALESCE(error_text,'')
		FROM jobs`
	args := []any{}
	if agent != "" {
		query += ` WHERE agent = ?`
		args = append(args, agent)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var r JobRecord
		if err := rows.Scan(&r.ID, &r.Agent, &r.Schedule, &r.Origin, &r.Outcome,
			&r.StartedAt, &r.CompletedAt, &r.DurationMs, &r.Output, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
