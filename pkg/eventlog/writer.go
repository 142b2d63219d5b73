// Package eventlog writes the approval audit trail: one JSON object per line,
// one file per day.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"pulse/pkg/logx"
	"pulse/pkg/proto"
)

// Event types.
const (
	TypeApprovalRequested = "approval_requested"
	TypeApprovalDecided   = "approval_decided"
	TypeRunStarted        = "run_started"
	TypeRunFinished       = "run_finished"
)

// Event is one audit record.
//
//nolint:govet // fieldalignment: JSON field order preferred
type Event struct {
	Time      time.Time          `json:"time"`
	Type      string             `json:"type"`
	RunID     string             `json:"run_id,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
	Kind      proto.ApprovalKind `json:"kind,omitempty"`
	Digest    string             `json:"digest,omitempty"`
	Target    string             `json:"target,omitempty"`
	Risk      proto.RiskLabel    `json:"risk,omitempty"`
	Outcome   proto.Outcome      `json:"outcome,omitempty"`
	Feedback  string             `json:"feedback,omitempty"`
	WaitMS    int64              `json:"wait_ms,omitempty"`
	Data      map[string]any     `json:"data,omitempty"`
}

// Writer appends events to daily rotated JSONL files. It implements
// approval.Auditor.
type Writer struct {
	logDir      string
	currentFile *os.File
	currentDate string
	closed      bool
	mu          sync.Mutex
	now         func() time.Time
	logger      *logx.Logger
}

// NewWriter creates the log directory and opens today's file.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &Writer{
		logDir: logDir,
		now:    time.Now,
		logger: logx.NewLogger("eventlog"),
	}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}
	return w, nil
}

// Write appends one event, rotating first when the day has changed.
func (w *Writer) Write(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("event log is closed")
	}
	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	if ev.Time.IsZero() {
		ev.Time = w.now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.currentFile.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	return nil
}

// RecordRequest logs a request as it is shown to the approver.
func (w *Writer) RecordRequest(req proto.ApprovalRequest) {
	ev := requestEvent(TypeApprovalRequested, req)
	ev.Time = req.CreatedAt
	w.write(ev)
}

// RecordDecision logs the verdict for a request.
func (w *Writer) RecordDecision(req proto.ApprovalRequest, decision proto.Decision, wait time.Duration) {
	ev := requestEvent(TypeApprovalDecided, req)
	ev.Outcome = decision.Outcome
	ev.Feedback = decision.Feedback
	ev.WaitMS = wait.Milliseconds()
	w.write(ev)
}

// RecordRun logs a run boundary. data carries free-form details such as
// the mode or the visited nodes.
func (w *Writer) RecordRun(eventType, runID string, data map[string]any) {
	w.write(Event{Type: eventType, RunID: runID, Data: data})
}

// write is for hooks that cannot return an error.
func (w *Writer) write(ev Event) {
	if err := w.Write(ev); err != nil {
		w.logger.Error("Failed to write %s event: %v", ev.Type, err)
	}
}

func requestEvent(eventType string, req proto.ApprovalRequest) Event {
	ev := Event{
		Type:      eventType,
		RunID:     req.RunID,
		RequestID: req.ID,
		Kind:      req.Kind,
		Digest:    req.Digest,
	}
	switch {
	case req.Patch != nil:
		ev.Target = req.Patch.FilePath
	case req.Command != nil:
		ev.Target = req.Command.Command
		ev.Risk = req.Command.RiskLabel
	}
	return ev
}

func fileName(date string) string {
	return fmt.Sprintf("events-%s.jsonl", date)
}

func (w *Writer) rotateIfNeeded() error {
	newDate := w.now().Format("2006-01-02")
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}
	return nil
}

func (w *Writer) rotate(newDate string) error {
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fileName(newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// Close closes the current file. Later writes fail.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close event log file: %w", err)
	}
	return nil
}

// CurrentLogFile returns the path of the active file, or "" once closed.
func (w *Writer) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fileName(w.currentDate))
}

// ReadEvents parses every event in a log file. Blank lines are skipped.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("failed to parse event on line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}
	return events, nil
}

// ListLogFiles returns every event log file in logDir, oldest first.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}
	sort.Strings(files)
	return files, nil
}
