// Package audit writes structured JSON records for security-relevant
// operations: API key lifecycle and, when tracing is enabled, every
// dispatched tool call.
package audit

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashfox/meshgate/internal/dispatch"
)

// Operation names an auditable action.
type Operation string

const (
	OpKeyCreate Operation = "key.create"
	OpKeyRevoke Operation = "key.revoke"
	OpToolCall  Operation = "tool.call"
)

// Event is one audit record.
type Event struct {
	Timestamp   time.Time      `json:"timestamp"`
	Operation   Operation      `json:"operation"`
	KeyID       string         `json:"key_id,omitempty"`
	AccountID   string         `json:"account_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	Success     bool           `json:"success"`
	Error       string         `json:"error,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Logger appends audit records as JSON lines. It doubles as the
// dispatcher's trace recorder.
type Logger struct {
	logger  *slog.Logger
	closer  io.Closer
	enabled bool
	mu      sync.RWMutex
}

// New creates a logger writing to w.
func New(w io.Writer, enabled bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler), enabled: enabled}
}

// Open creates a logger appending to audit.log under dir.
func Open(dir string, enabled bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l := New(f, enabled)
	l.closer = f
	return l, nil
}

// SetEnabled toggles recording.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Close releases the underlying file, if any.
func (l *Logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

// Log appends one event.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()
	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}
	if event.KeyID != "" {
		attrs = append(attrs, slog.String("key_id", maskKey(event.KeyID)))
	}
	if event.AccountID != "" {
		attrs = append(attrs, slog.String("account_id", event.AccountID))
	}
	if event.WorkspaceID != "" {
		attrs = append(attrs, slog.String("workspace_id", event.WorkspaceID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", event.SessionID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		attrs = append(attrs, slog.Any("details", event.Details))
	}

	l.logger.Info("AUDIT", attrs...)
}

// Record implements dispatch.TraceRecorder.
func (l *Logger) Record(entry dispatch.TraceEntry) error {
	event := &Event{
		Timestamp: entry.At,
		Operation: OpToolCall,
		SessionID: entry.SessionID,
		AccountID: entry.AgentID,
		Success:   entry.OK,
		Error:     entry.ErrorCode,
		Details: map[string]any{
			"tool":        entry.Tool,
			"backend":     entry.Backend,
			"duration_ms": entry.Duration.Milliseconds(),
		},
	}
	l.Log(event)
	return nil
}

// maskKey keeps enough of a key id to correlate records without
// exposing the full identifier.
func maskKey(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12] + "..."
}
