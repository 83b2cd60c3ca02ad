// Package storage persists the scheduler's audit trail: every node status
// transition and every recorded result lands in a SQLite journal so an
// operator can reconstruct why a task retried, failed permanently, or who
// executed it.
package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Transition is one recorded status change.
type Transition struct {
	TaskID string
	From   string
	To     string
	Detail string
	At     time.Time
}

// Result is the recorded outcome of a completed task.
type Result struct {
	TaskID    string
	ResultCID string
	Executor  string
	At        time.Time
}

// Journal wraps a SQLite database holding the audit tables.
type Journal struct {
	db *sql.DB
}

// NewJournal opens (or creates) the journal at path and runs migrations.
// Pass ":memory:" for tests.
func NewJournal(path string) (*Journal, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return j, nil
}

// migrate creates the journal tables if they do not already exist.
func (j *Journal) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS task_transitions (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id TEXT NOT NULL,
    from_status TEXT NOT NULL,
    to_status TEXT NOT NULL,
    detail TEXT,
    at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_task ON task_transitions(task_id);

CREATE TABLE IF NOT EXISTS task_results (
    task_id TEXT PRIMARY KEY,
    result_cid TEXT NOT NULL,
    executor TEXT NOT NULL,
    at INTEGER NOT NULL
);
`
	_, err := j.db.Exec(schema)
	return err
}

// RecordTransition appends a status change for a task.
func (j *Journal) RecordTransition(taskID, from, to, detail string) error {
	_, err := j.db.Exec(
		`INSERT INTO task_transitions (task_id, from_status, to_status, detail, at) VALUES (?, ?, ?, ?, ?)`,
		taskID, from, to, detail, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordResult stores (or overwrites) the outcome of a task. Completion is
// last-writer-wins and idempotent at the consumer, so a duplicate completion
// notice simply re-records the same row.
func (j *Journal) RecordResult(taskID, resultCID, executor string) error {
	_, err := j.db.Exec(
		`INSERT OR REPLACE INTO task_results (task_id, result_cid, executor, at) VALUES (?, ?, ?, ?)`,
		taskID, resultCID, executor, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

// Transitions returns a task's status history in insertion order.
func (j *Journal) Transitions(taskID string) ([]Transition, error) {
	rows, err := j.db.Query(
		`SELECT task_id, from_status, to_status, detail, at FROM task_transitions WHERE task_id = ? ORDER BY seq`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var at int64
		if err := rows.Scan(&tr.TaskID, &tr.From, &tr.To, &tr.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.At = time.UnixMilli(at)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ResultFor returns the recorded result for a task, if any.
func (j *Journal) ResultFor(taskID string) (*Result, error) {
	var r Result
	var at int64
	err := j.db.QueryRow(
		`SELECT task_id, result_cid, executor, at FROM task_results WHERE task_id = ?`,
		taskID,
	).Scan(&r.TaskID, &r.ResultCID, &r.Executor, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query result: %w", err)
	}
	r.At = time.UnixMilli(at)
	return &r, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
