package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSearchLoggerConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	l := &SearchLogger{enabled: true}
	l.SetConsole(&console)
	path := filepath.Join(t.TempDir(), "search.log")
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}

	l.Log(&SearchLog{RequestID: "r1", Scope: "S1", Keys: 3, TotalMatches: 2, Engine: "memory", DurationMs: 4, Complete: true})
	l.Close()

	if !strings.Contains(console.String(), "r1 S1 keys=3 matches=2 engine=memory 4ms") {
		t.Fatalf("unexpected console line: %q", console.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read search log: %v", err)
	}
	var entry SearchLog
	if err := json.Unmarshal(bytes.TrimSpace(data), &entry); err != nil {
		t.Fatalf("decode search log: %v", err)
	}
	if entry.Scope != "S1" || entry.Timestamp.IsZero() {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	console.Reset()
	l.SetEnabled(false)
	l.Log(&SearchLog{RequestID: "r2"})
	if console.Len() != 0 {
		t.Fatal("disabled logger must not write")
	}
}

func TestOpWithTrace(t *testing.T) {
	var buf bytes.Buffer
	SetOutput("json", &buf)
	t.Cleanup(func() { SetOutput("text", os.Stderr) })

	OpWithTrace("abc", "def").Info("traced")
	OpWithTrace("", "def").Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"trace_id":"abc"`) || !strings.Contains(lines[0], `"span_id":"def"`) {
		t.Fatalf("trace fields missing: %s", lines[0])
	}
	if strings.Contains(lines[1], "span_id") {
		t.Fatalf("untraced line must not carry span_id: %s", lines[1])
	}
}
