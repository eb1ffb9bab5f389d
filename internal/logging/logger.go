package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// SearchLog is a single bulk search log entry.
type SearchLog struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TraceID      string    `json:"trace_id,omitempty"`
	Scope        string    `json:"scope"`
	Mode         string    `json:"mode"`
	Keys         int       `json:"keys"`
	Batches      int       `json:"batches,omitempty"`
	TotalMatches int       `json:"total_matches"`
	Engine       string    `json:"engine"`
	DurationMs   int64     `json:"duration_ms"`
	Cached       bool      `json:"cached,omitempty"`
	Complete     bool      `json:"complete"`
	Error        string    `json:"error,omitempty"`
}

// SearchLogger writes one line per bulk search: a short human-readable line
// on the console and a JSON line to the optional file sink.
type SearchLogger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console io.Writer
}

var defaultSearchLogger = &SearchLogger{enabled: true}

// Default returns the process-wide search logger. Console output is off
// until SetConsole is called.
func Default() *SearchLogger {
	return defaultSearchLogger
}

// SetOutput appends JSON lines to the file at path.
func (l *SearchLogger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole sets the console writer; nil disables console output.
func (l *SearchLogger) SetConsole(w io.Writer) {
	l.mu.Lock()
	l.console = w
	l.mu.Unlock()
}

// SetEnabled toggles logging entirely.
func (l *SearchLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes a search log entry.
func (l *SearchLogger) Log(entry *SearchLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if l.console != nil {
		status := "✓"
		if !entry.Complete {
			status = "✗"
		}
		cache := ""
		if entry.Cached {
			cache = " [cached]"
		}
		fmt.Fprintf(l.console, "[search] %s %s %s keys=%d matches=%d engine=%s %dms%s\n",
			status, entry.RequestID, entry.Scope, entry.Keys, entry.TotalMatches, entry.Engine, entry.DurationMs, cache)
		if entry.Error != "" {
			fmt.Fprintf(l.console, "[search]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file
func (l *SearchLogger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
