package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ashfox/meshgate/internal/dispatch"
)

func TestLogMasksKeyID(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	l.Log(&Event{
		Operation: OpKeyCreate,
		KeyID:     "mgk_0123456789abcdef",
		AccountID: "acc_ops",
		Success:   true,
	})

	line := buf.String()
	if strings.Contains(line, "mgk_0123456789abcdef") {
		t.Error("full key id written to audit log")
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if rec["key_id"] != "mgk_01234567..." {
		t.Errorf("key_id = %v", rec["key_id"])
	}
	if rec["operation"] != "key.create" {
		t.Errorf("operation = %v", rec["operation"])
	}
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, false)
	l.Log(&Event{Operation: OpKeyRevoke, Success: true})
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}

	l.SetEnabled(true)
	l.Log(&Event{Operation: OpKeyRevoke, Success: true})
	if buf.Len() == 0 {
		t.Error("re-enabled logger wrote nothing")
	}
}

func TestRecordTraceEntry(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, true)

	err := l.Record(dispatch.TraceEntry{
		At:        time.UnixMilli(1_000_000),
		Tool:      "update_project_state",
		Backend:   "engine",
		SessionID: "mcps_abc",
		AgentID:   "acc_a",
		OK:        false,
		ErrorCode: "revision_conflict",
		Duration:  42 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("trace line is not JSON: %v", err)
	}
	if rec["operation"] != "tool.call" {
		t.Errorf("operation = %v", rec["operation"])
	}
	if rec["error"] != "revision_conflict" {
		t.Errorf("error = %v", rec["error"])
	}
	details, _ := rec["details"].(map[string]any)
	if details["tool"] != "update_project_state" {
		t.Errorf("details.tool = %v", details["tool"])
	}
}
