package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Run is one workflow execution.
type Run struct {
	RunID         string        `json:"run_id"`
	SessionID     string        `json:"session_id,omitempty"`
	Mode          string        `json:"mode"`
	UserRequest   string        `json:"user_request"`
	Outcome       string        `json:"outcome"`
	Visited       []string      `json:"visited"`
	FilesModified int           `json:"files_modified"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
}

// RecordRun stores a completed run. Recording the same run ID twice
// replaces the earlier row.
func (d *DB) RecordRun(ctx context.Context, r Run) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflow_runs
			(run_id, session_id, mode, user_request, outcome, visited, files_modified, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.SessionID, r.Mode, r.UserRequest, r.Outcome,
		strings.Join(r.Visited, ","), r.FilesModified, formatTime(r.StartedAt), r.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.RunID, err)
	}
	return nil
}

// ListRuns returns the newest runs first. An empty sessionID lists all runs.
func (d *DB) ListRuns(ctx context.Context, sessionID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT run_id, session_id, mode, user_request, outcome, visited, files_modified, started_at, duration_ms
		FROM workflow_runs`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var r Run
		var visited, started string
		var ms int64
		if err := rows.Scan(&r.RunID, &r.SessionID, &r.Mode, &r.UserRequest, &r.Outcome, &visited, &r.FilesModified, &started, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if visited != "" {
			r.Visited = strings.Split(visited, ",")
		}
		r.StartedAt = parseTime(started)
		r.Duration = time.Duration(ms) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows error: %w", err)
	}
	return runs, nil
}
