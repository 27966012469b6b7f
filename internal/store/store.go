// Package store is the shared relational state every worker process
// coordinates through: scheduled tasks, their execution logs, and the
// pipeline queue. The claim methods are the single writer-serialization
// point; only the holder of a row's lock may mutate its business fields.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
)

// ErrNoTask and ErrNoItem mean "nothing eligible right now", including the
// benign case where a concurrent claimant won the race for the best row.
var (
	ErrNoTask = errors.New("no due task")
	ErrNoItem = errors.New("no pending item")
)

// errorLimit caps stored error text (pipeline error_message column).
const errorLimit = 1000

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  task_type TEXT NOT NULL,
  cron_pattern TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('active','paused')) DEFAULT 'active',
  last_status TEXT NOT NULL DEFAULT 'ready',
  last_run_at DATETIME,
  next_run_at DATETIME,
  locked_at DATETIME,
  locked_by TEXT,
  fail_count INTEGER NOT NULL DEFAULT 0,
  max_concurrent_runs INTEGER NOT NULL DEFAULT 1,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run_at);
CREATE TABLE IF NOT EXISTS task_execution_logs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('completed','failed')),
  duration_seconds REAL NOT NULL DEFAULT 0,
  result TEXT,
  error_message TEXT,
  started_at DATETIME,
  finished_at DATETIME,
  executed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  locked_by TEXT,
  FOREIGN KEY(task_id) REFERENCES scheduled_tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_logs_task ON task_execution_logs(task_id, executed_at DESC);
CREATE TABLE IF NOT EXISTS pipeline_queue (
  id TEXT PRIMARY KEY,
  entity_id INTEGER NOT NULL,
  stage TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','running','done','failed')) DEFAULT 'pending',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  next_run_at DATETIME NOT NULL,
  locked_at DATETIME,
  locked_by TEXT,
  error_message TEXT,
  result TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  started_at DATETIME,
  finished_at DATETIME,
  UNIQUE(entity_id, stage)
);
CREATE INDEX IF NOT EXISTS idx_queue_due ON pipeline_queue(stage, status, next_run_at);
`
	_, err := db.Exec(schema)
	return err
}

// Store wraps the database with the worker's identity so claims can stamp
// locked_by without every caller threading it through.
type Store struct {
	db       *sql.DB
	workerID string
}

func New(db *sql.DB, workerID string) *Store {
	return &Store{db: db, workerID: workerID}
}

// WorkerID returns the identity this store stamps into locks.
func (s *Store) WorkerID() string { return s.workerID }

// ProcessIdentity derives the stable worker identity string (host + pid)
// used as locked_by and surfaced in logs and health views.
func ProcessIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
