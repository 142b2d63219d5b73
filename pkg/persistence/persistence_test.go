package persistence

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pulse/pkg/proto"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(MemoryPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	s, err := db.CreateSession(ctx, "  ")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if s.Title != DefaultSessionTitle {
		t.Errorf("Expected default title %q, got %q", DefaultSessionTitle, s.Title)
	}

	msgs := []proto.Message{
		proto.UserMessage("what does main do?"),
		proto.AssistantMessage("It starts the server."),
		proto.UserMessage("thanks"),
	}
	if err := db.SaveMessages(ctx, s.ID, msgs); err != nil {
		t.Fatalf("SaveMessages failed: %v", err)
	}

	history, err := db.GetSessionHistory(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSessionHistory failed: %v", err)
	}
	if len(history) != len(msgs) {
		t.Fatalf("Expected %d messages, got %d", len(msgs), len(history))
	}
	for i, m := range history {
		if m.Message() != msgs[i] {
			t.Errorf("Message %d: expected %+v, got %+v", i, msgs[i], m.Message())
		}
		if i > 0 && m.ID <= history[i-1].ID {
			t.Errorf("Message IDs not increasing: %d after %d", m.ID, history[i-1].ID)
		}
	}

	if err := db.UpdateSessionTitle(ctx, s.ID, "Main walkthrough"); err != nil {
		t.Fatalf("UpdateSessionTitle failed: %v", err)
	}
	got, err := db.GetSession(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Title != "Main walkthrough" || got.MessageCount != 3 {
		t.Errorf("Unexpected session after rename: %+v", got)
	}

	if err := db.DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := db.GetSessionHistory(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestSessionNotFound(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	checks := map[string]error{
		"get":     func() error { _, err := db.GetSession(ctx, "missing"); return err }(),
		"save":    func() error { _, err := db.SaveMessage(ctx, "missing", proto.UserMessage("hi")); return err }(),
		"rename":  db.UpdateSessionTitle(ctx, "missing", "x"),
		"delete":  db.DeleteSession(ctx, "missing"),
		"history": func() error { _, err := db.GetSessionHistory(ctx, "missing"); return err }(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrSessionNotFound) {
			t.Errorf("%s: expected ErrSessionNotFound, got %v", name, err)
		}
	}
}

func TestSaveMessageRejectsUnknownRole(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s, err := db.CreateSession(ctx, "t")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if _, err := db.SaveMessage(ctx, s.ID, proto.Message{Role: "robot", Content: "x"}); err == nil {
		t.Error("Expected error for unknown role")
	}
	if err := db.UpdateSessionTitle(ctx, s.ID, " "); err == nil {
		t.Error("Expected error for empty title")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	var ids []string
	for _, title := range []string{"first", "second", "third"} {
		s, err := db.CreateSession(ctx, title)
		if err != nil {
			t.Fatalf("CreateSession failed: %v", err)
		}
		ids = append(ids, s.ID)
	}

	sessions, err := db.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("Expected 3 sessions, got %d", len(sessions))
	}
	if sessions[0].ID != ids[2] || sessions[2].ID != ids[0] {
		t.Errorf("Expected newest first, got %s, %s, %s", sessions[0].Title, sessions[1].Title, sessions[2].Title)
	}
}

func TestAnalyticsSummary(t *testing.T) {
	ctx := context.Background()
	a := openTestDB(t).Analytics()

	record := func(tool string, ok bool, d time.Duration, msg string) {
		t.Helper()
		if err := a.RecordCall(ctx, tool, ok, d, msg); err != nil {
			t.Fatalf("RecordCall failed: %v", err)
		}
	}
	record("planner", true, 100*time.Millisecond, "")
	record("planner", true, 300*time.Millisecond, "")
	record("coder", false, 3*time.Second, strings.Repeat("e", 500))
	record("coder", true, 1*time.Second, "")

	s, err := a.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.TotalCalls != 4 || s.TotalSuccess != 3 || s.TotalFailures != 1 {
		t.Errorf("Unexpected totals: %+v", s)
	}
	if s.SuccessRate != 75.0 {
		t.Errorf("Expected success rate 75.0, got %v", s.SuccessRate)
	}
	if got := s.ByTool["planner"].AvgDurationMS; got != 200 {
		t.Errorf("Expected planner avg 200ms, got %d", got)
	}
	if got := s.ByTool["coder"]; got.Calls != 2 || got.Failures != 1 || got.AvgDurationMS != 2000 {
		t.Errorf("Unexpected coder stats: %+v", got)
	}

	calls, err := a.RecentCalls(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCalls failed: %v", err)
	}
	if len(calls) != 4 || calls[0].Tool != "coder" || !calls[0].Success {
		t.Errorf("Expected newest call first, got %+v", calls)
	}
	if len(calls[1].Error) != maxErrorLen {
		t.Errorf("Expected error truncated to %d bytes, got %d", maxErrorLen, len(calls[1].Error))
	}

	slow, err := a.SlowTools(ctx, DefaultSlowThreshold)
	if err != nil {
		t.Fatalf("SlowTools failed: %v", err)
	}
	if len(slow) != 1 || slow[0].Tool != "coder" {
		t.Errorf("Expected only coder to be slow, got %+v", slow)
	}

	failing, err := a.FailingTools(ctx, DefaultFailureRate)
	if err != nil {
		t.Fatalf("FailingTools failed: %v", err)
	}
	if len(failing) != 1 || failing[0].Tool != "coder" || failing[0].FailureRate != 50.0 {
		t.Errorf("Unexpected failing tools: %+v", failing)
	}
}

func TestAnalyticsTrimsCallLogButKeepsTotals(t *testing.T) {
	ctx := context.Background()
	a := openTestDB(t).Analytics()
	a.limit = 3

	for i := 0; i < 5; i++ {
		if err := a.RecordCall(ctx, "qa", true, time.Millisecond, ""); err != nil {
			t.Fatalf("RecordCall failed: %v", err)
		}
	}
	calls, err := a.RecentCalls(ctx, 0)
	if err != nil {
		t.Fatalf("RecentCalls failed: %v", err)
	}
	if len(calls) != 3 {
		t.Errorf("Expected 3 retained calls, got %d", len(calls))
	}
	s, err := a.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.TotalCalls != 5 {
		t.Errorf("Expected totals to cover all 5 calls, got %d", s.TotalCalls)
	}

	if err := a.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	s, err = a.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if s.TotalCalls != 0 || s.SuccessRate != 0 || len(s.ByTool) != 0 {
		t.Errorf("Expected empty summary after reset, got %+v", s)
	}
}

func TestRecordAndListRuns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	runs := []Run{
		{RunID: "r1", SessionID: "s1", Mode: "agent", UserRequest: "add flag", Outcome: "completed",
			Visited: []string{"planner", "coder", "tester", "end"}, FilesModified: 2, StartedAt: start, Duration: 1500 * time.Millisecond},
		{RunID: "r2", SessionID: "s2", Mode: "ask", UserRequest: "why?", Outcome: "completed",
			Visited: []string{"qa", "end"}, StartedAt: start.Add(time.Minute), Duration: time.Second},
	}
	for _, r := range runs {
		if err := db.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}

	all, err := db.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(all) != 2 || all[0].RunID != "r2" {
		t.Fatalf("Expected newest run first, got %+v", all)
	}

	s1, err := db.ListRuns(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(s1) != 1 {
		t.Fatalf("Expected 1 run for s1, got %d", len(s1))
	}
	got := s1[0]
	if got.Duration != 1500*time.Millisecond || !got.StartedAt.Equal(start) || len(got.Visited) != 4 || got.FilesModified != 2 {
		t.Errorf("Run did not round-trip: %+v", got)
	}
}

func TestMigrationFromVersion1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")

	raw, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open raw database: %v", err)
	}
	if _, err := GetSchemaVersion(raw); err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	for _, stmt := range schemaV1 {
		if _, err := raw.Exec(stmt); err != nil {
			t.Fatalf("Failed to create v1 schema: %v", err)
		}
	}
	if err := setSchemaVersion(raw, 1); err != nil {
		t.Fatalf("setSchemaVersion failed: %v", err)
	}
	_ = raw.Close()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = db.Close() }()

	version, err := GetSchemaVersion(db.db)
	if err != nil {
		t.Fatalf("GetSchemaVersion failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("Expected version %d after migration, got %d", CurrentSchemaVersion, version)
	}
	if err := db.RecordRun(context.Background(), Run{RunID: "r", Mode: "ask", StartedAt: time.Now()}); err != nil {
		t.Errorf("workflow_runs missing after migration: %v", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "pulse.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	s, err := db.CreateSession(ctx, "persisted")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	_ = db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer func() { _ = db.Close() }()
	if _, err := db.GetSession(ctx, s.ID); err != nil {
		t.Errorf("Session lost across reopen: %v", err)
	}
}
