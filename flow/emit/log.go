// Package emit provides event emission and observability for flow execution.
package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter implements Emitter by writing structured log output to a writer
//
// Supports two output modes:
// - Text mode (default): Human-readable format with key=value pairs.
// - JSON mode: Machine-readable JSON format, one event per line.
//
// Example text output:
//
// [flow_started] flowID=flow-001 numCommits=0 sessionID=sess-001
//
// Example JSON output:
//
// {"flowID":"flow-001","numCommits":0,"sessionID":"sess-001","msg":"flow_started","meta":null}
//
// Usage:
//
// // Text output to stdout.
// emitter := emit.NewLogEmitter(os.Stdout, false).
//
// // JSON output to file.
// f, _ := os.Create("events.jsonl").
// defer func() { _ = f.Close() }().
// emitter := emit.NewLogEmitter(f, true).
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter
//
// Parameters:
// - writer: Where to write the log output (e.g., os.Stdout, file).
// - jsonMode: If true, emit JSON format; if false, emit text format.
//
// Returns a LogEmitter that writes structured event data to the provided writer.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer
//
// Format depends on jsonMode:
// - JSON mode: Writes event as single-line JSON object.
// - Text mode: Writes human-readable format with [msg] prefix.
//
// Example text output:
//
// [flow_started] flowID=flow-001 numCommits=0 sessionID=sess-001
// [flow_history_dump] flowID=flow-001 numCommits=1 sessionID=sess-001 meta={"num_entries":3}
//
// Example JSON output:
//
// {"flowID":"flow-001","numCommits":0,"sessionID":"sess-001","msg":"flow_started","meta":null}
// {"flowID":"flow-001","numCommits":1,"sessionID":"sess-001","msg":"flow_history_dump","meta":{"num_entries":3}}
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

// emitJSON writes event as JSON to the writer
func (l *LogEmitter) emitJSON(event Event) {
	// Marshal event to JSON.
	data, err := json.Marshal(struct {
		FlowID     string                 `json:"flowID"`
		NumCommits uint64                 `json:"numCommits"`
		SessionID  string                 `json:"sessionID"`
		Msg        string                 `json:"msg"`
		Meta       map[string]interface{} `json:"meta"`
	}{
		FlowID:     event.FlowID,
		NumCommits: event.NumCommits,
		SessionID:  event.SessionID,
		Msg:        event.Msg,
		Meta:       event.Meta,
	})
	if err != nil {
		// Fallback to error message if marshal fails.
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	// Write JSON followed by newline (JSONL format).
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

// emitText writes event as human-readable text to the writer
func (l *LogEmitter) emitText(event Event) {
	// Format: [msg] flowID=xxx numCommits=N sessionID=yyy [meta=...].
	_, _ = fmt.Fprintf(l.writer, "[%s] flowID=%s numCommits=%d sessionID=%s",
		event.Msg, event.FlowID, event.NumCommits, event.SessionID)

	// Add meta if present.
	if len(event.Meta) > 0 {
		// Try to marshal meta as JSON for readability.
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes multiple events in order
//
// For LogEmitter, EmitBatch writes each event in turn exactly as Emit does,
// so the output is the same as calling Emit once per event: one line per
// event in text mode, JSONL (one object per line) in JSON mode, with no
// separator lines and one write sequence per event.
//
// Example text output:
//
// [flow_started] flowID=flow-001 numCommits=0 sessionID=sess-001
// [flow_history_dump] flowID=flow-001 numCommits=1 sessionID=sess-001
//
// Example JSON output:
//
// {"flowID":"flow-001","numCommits":0,"sessionID":"sess-001","msg":"flow_started","meta":null}
// {"flowID":"flow-001","numCommits":1,"sessionID":"sess-001","msg":"flow_history_dump","meta":null}
//
// Parameters:
// - ctx: Unused.
// - events: Slice of events to emit in order.
//
// Always returns nil; errors from the writer are ignored and every event is attempted.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	// Write each event with the same formatter Emit uses.
	if l.jsonMode {
		// JSON mode: write all events as JSONL.
		for _, event := range events {
			l.emitJSON(event)
		}
	} else {
		// Text mode: write all events with consistent formatting.
		for _, event := range events {
			l.emitText(event)
		}
	}

	return nil
}

// Flush ensures all buffered events are sent to the backend
//
// For LogEmitter, this is a no-op because:
// - All writes go directly to the underlying io.Writer.
// - No internal buffering is maintained by LogEmitter.
// - The writer itself handles its own buffering (e.g., os.Stdout, bufio.Writer).
//
// If you need flush control, wrap the writer with bufio.Writer and call Flush on it directly:
//
// buf := bufio.NewWriter(os.Stdout).
// emitter := emit.NewLogEmitter(buf, false).
//
//	// ... emit events ...
//
// buf.Flush() // Flush the underlying buffer.
// emitter.Flush(ctx) // No-op for LogEmitter.
//
// This method is provided to satisfy the Emitter interface and enable polymorphic usage.
// with other emitters (e.g., OTelEmitter) that do require flushing.
//
// Parameters:
// - ctx: Context for cancellation (unused, LogEmitter writes are synchronous).
//
// Returns nil (always succeeds).
func (l *LogEmitter) Flush(_ context.Context) error {
	// No-op: LogEmitter writes directly without buffering.
	return nil
}
