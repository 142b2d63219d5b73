package persistence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// MaxCallLog is how many individual calls are retained. Aggregates in the
// summary cover every call ever recorded.
const MaxCallLog = 1000

const maxErrorLen = 200

// DefaultSlowThreshold is the average duration above which a tool is slow.
const DefaultSlowThreshold = time.Second

// DefaultFailureRate is the failure fraction at which a tool is reported.
const DefaultFailureRate = 0.1

// ToolCall is one recorded invocation.
type ToolCall struct {
	Tool       string    `json:"tool"`
	Success    bool      `json:"success"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"timestamp"`
}

// ToolStats aggregates every call to one tool.
type ToolStats struct {
	Calls           int   `json:"calls"`
	Success         int   `json:"success"`
	Failures        int   `json:"failures"`
	TotalDurationMS int64 `json:"total_duration_ms"`
	AvgDurationMS   int64 `json:"avg_duration_ms"`
}

// Summary is the analytics overview.
type Summary struct {
	TotalCalls    int                  `json:"total_calls"`
	TotalSuccess  int                  `json:"total_success"`
	TotalFailures int                  `json:"total_failures"`
	SuccessRate   float64              `json:"success_rate"`
	ByTool        map[string]ToolStats `json:"by_tool"`
}

// SlowTool is a tool whose average duration exceeds a threshold.
type SlowTool struct {
	Tool          string `json:"tool"`
	AvgDurationMS int64  `json:"avg_duration_ms"`
	Calls         int    `json:"calls"`
}

// FailingTool is a tool whose failure rate reaches a threshold. FailureRate
// is a percentage.
type FailingTool struct {
	Tool        string  `json:"tool"`
	FailureRate float64 `json:"failure_rate"`
	Failures    int     `json:"failures"`
	Calls       int     `json:"calls"`
}

// Analytics records node and tool usage.
type Analytics struct {
	mu    sync.Mutex
	db    *DB
	limit int
}

// Analytics returns the usage tracker backed by d.
func (d *DB) Analytics() *Analytics {
	return &Analytics{db: d, limit: MaxCallLog}
}

// RecordCall logs one invocation and updates the tool's aggregate.
func (a *Analytics) RecordCall(ctx context.Context, tool string, success bool, duration time.Duration, callErr string) error {
	if len(callErr) > maxErrorLen {
		callErr = callErr[:maxErrorLen]
	}
	ms := duration.Milliseconds()
	ok, failed := 0, 0
	if success {
		ok = 1
	} else {
		failed = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tool_calls (tool, success, duration_ms, error, created_at) VALUES (?, ?, ?, ?, ?)`,
		tool, ok, ms, callErr, formatTime(time.Now())); err != nil {
		return fmt.Errorf("failed to record call: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tool_stats (tool, calls, success, failures, total_duration_ms) VALUES (?, 1, ?, ?, ?)
		ON CONFLICT(tool) DO UPDATE SET
			calls = calls + 1,
			success = success + excluded.success,
			failures = failures + excluded.failures,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms`,
		tool, ok, failed, ms); err != nil {
		return fmt.Errorf("failed to update stats: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tool_calls WHERE id NOT IN (
			SELECT id FROM tool_calls ORDER BY id DESC LIMIT ?
		)`, a.limit); err != nil {
		return fmt.Errorf("failed to trim call log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit call: %w", err)
	}
	return nil
}

// Summary aggregates every recorded call.
func (a *Analytics) Summary(ctx context.Context) (Summary, error) {
	rows, err := a.db.db.QueryContext(ctx,
		`SELECT tool, calls, success, failures, total_duration_ms FROM tool_stats`)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	s := Summary{ByTool: make(map[string]ToolStats)}
	for rows.Next() {
		var tool string
		var ts ToolStats
		if err := rows.Scan(&tool, &ts.Calls, &ts.Success, &ts.Failures, &ts.TotalDurationMS); err != nil {
			return Summary{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		if ts.Calls > 0 {
			ts.AvgDurationMS = ts.TotalDurationMS / int64(ts.Calls)
		}
		s.ByTool[tool] = ts
		s.TotalCalls += ts.Calls
		s.TotalSuccess += ts.Success
		s.TotalFailures += ts.Failures
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("stats rows error: %w", err)
	}
	if s.TotalCalls > 0 {
		s.SuccessRate = round1(float64(s.TotalSuccess) / float64(s.TotalCalls) * 100)
	}
	return s, nil
}

// RecentCalls returns up to n of the newest calls, newest first.
func (a *Analytics) RecentCalls(ctx context.Context, n int) ([]ToolCall, error) {
	if n <= 0 || n > a.limit {
		n = a.limit
	}
	rows, err := a.db.db.QueryContext(ctx, `
		SELECT tool, success, duration_ms, error, created_at
		FROM tool_calls ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to load calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var calls []ToolCall
	for rows.Next() {
		var c ToolCall
		var ok int
		var created string
		if err := rows.Scan(&c.Tool, &ok, &c.DurationMS, &c.Error, &created); err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		c.Success = ok == 1
		c.CreatedAt = parseTime(created)
		calls = append(calls, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("call rows error: %w", err)
	}
	return calls, nil
}

// SlowTools lists tools whose average duration exceeds threshold, slowest first.
func (a *Analytics) SlowTools(ctx context.Context, threshold time.Duration) ([]SlowTool, error) {
	s, err := a.Summary(ctx)
	if err != nil {
		return nil, err
	}
	var slow []SlowTool
	for tool, ts := range s.ByTool {
		if ts.AvgDurationMS > threshold.Milliseconds() {
			slow = append(slow, SlowTool{Tool: tool, AvgDurationMS: ts.AvgDurationMS, Calls: ts.Calls})
		}
	}
	sort.Slice(slow, func(i, j int) bool {
		if slow[i].AvgDurationMS != slow[j].AvgDurationMS {
			return slow[i].AvgDurationMS > slow[j].AvgDurationMS
		}
		return slow[i].Tool < slow[j].Tool
	})
	return slow, nil
}

// FailingTools lists tools whose failure fraction is at least minRate,
// highest rate first.
func (a *Analytics) FailingTools(ctx context.Context, minRate float64) ([]FailingTool, error) {
	s, err := a.Summary(ctx)
	if err != nil {
		return nil, err
	}
	var failing []FailingTool
	for tool, ts := range s.ByTool {
		if ts.Calls == 0 {
			continue
		}
		rate := float64(ts.Failures) / float64(ts.Calls)
		if rate >= minRate {
			failing = append(failing, FailingTool{Tool: tool, FailureRate: round1(rate * 100), Failures: ts.Failures, Calls: ts.Calls})
		}
	}
	sort.Slice(failing, func(i, j int) bool {
		if failing[i].FailureRate != failing[j].FailureRate {
			return failing[i].FailureRate > failing[j].FailureRate
		}
		return failing[i].Tool < failing[j].Tool
	})
	return failing, nil
}

// Reset deletes all analytics data.
func (a *Analytics) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, stmt := range []string{`DELETE FROM tool_calls`, `DELETE FROM tool_stats`} {
		if _, err := a.db.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to reset analytics: %w", err)
		}
	}
	return nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
