// Package mcplog writes one JSONL line per MCP tool call.
package mcplog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// LogEntry is the schema for one JSONL line.
type LogEntry struct {
	Ts            string         `json:"ts"`
	Tool          string         `json:"tool"`
	Params        map[string]any `json:"params"`
	DurationMs    int64          `json:"duration_ms"`
	ResponseBytes int            `json:"response_bytes"`
	IsError       bool           `json:"is_error"`
	Error         *string        `json:"error"`

	// TokenTypes counts the token types a call touched: requested types
	// for reads, value types for process_tokens payloads.
	TokenTypes map[string]int `json:"token_types,omitempty"`
}

// NewEntry builds the entry for one finished call that started at start.
func NewEntry(tool string, args map[string]any, start time.Time, result *mcp.CallToolResult, err error) LogEntry {
	entry := LogEntry{
		Ts:            start.UTC().Format(time.RFC3339),
		Tool:          tool,
		Params:        SanitizeParams(args),
		DurationMs:    Now().Sub(start).Milliseconds(),
		ResponseBytes: ResponseBytes(result),
		IsError:       err != nil || (result != nil && result.IsError),
		TokenTypes:    TokenTypeCounts(args),
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	return entry
}

// Logger appends entries to a file. Safe for concurrent use.
type Logger struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewLogger opens path for appending, creating parent directories.
// An empty path returns nil, nil; callers treat a nil Logger as disabled.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mcplog: create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mcplog: open log file: %w", err)
	}
	return &Logger{f: f, enc: json.NewEncoder(f)}, nil
}

// Write appends one entry.
func (l *Logger) Write(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enc.Encode(entry)
}

// Close closes the log file. Safe on a nil Logger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

const (
	shortStringMax = 64
	shortListMax   = 16
)

// SanitizeParams returns a copy of args that is small enough to log.
//
// Long strings become "{key}_len", objects become "{key}_count" (so a
// process_tokens payload is logged as its size, not its values) and long
// lists become "{key}_count".
func SanitizeParams(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		switch val := v.(type) {
		case string:
			if len(val) > shortStringMax {
				out[k+"_len"] = len(val)
				continue
			}
		case map[string]any:
			out[k+"_count"] = len(val)
			continue
		case []any:
			if len(val) > shortListMax {
				out[k+"_count"] = len(val)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// TokenTypeCounts tallies token types found in tool arguments. A "types"
// list counts each named type once; a "tokens" object counts each value by
// its "type" field, with untyped values under "unknown". Returns nil when
// neither argument is present.
func TokenTypeCounts(args map[string]any) map[string]int {
	counts := make(map[string]int)
	if list, ok := args["types"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				counts[name]++
			}
		}
	}
	if values, ok := args["tokens"].(map[string]any); ok {
		for _, v := range values {
			typ := "unknown"
			if obj, ok := v.(map[string]any); ok {
				if name, ok := obj["type"].(string); ok && name != "" {
					typ = name
				}
			}
			counts[typ]++
		}
	}
	if len(counts) == 0 {
		return nil
	}
	return counts
}

// ResponseBytes returns the serialized length of a result's content, or 0
// for a nil result.
func ResponseBytes(result *mcp.CallToolResult) int {
	if result == nil {
		return 0
	}
	b, err := json.Marshal(result.Content)
	if err != nil {
		return 0
	}
	return len(b)
}

// Now is a replaceable clock for testing.
var Now = time.Now
