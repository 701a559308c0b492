package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// PrettyWriter rewrites JSON log records as
//
//	[time] (LEVEL) message | key: value |
type PrettyWriter struct {
	output io.Writer
}

// NewPrettyWriter creates a PrettyWriter writing to output.
func NewPrettyWriter(output io.Writer) *PrettyWriter {
	return &PrettyWriter{output: output}
}

// Write converts one JSON record and writes it to the output.
func (pw *PrettyWriter) Write(p []byte) (int, error) {
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return 0, fmt.Errorf("failed to parse log entry: %w", err)
	}

	if _, err := io.WriteString(pw.output, prettify(entry)); err != nil {
		return 0, fmt.Errorf("failed to write log entry: %w", err)
	}
	// The handler expects the length of what it handed over.
	return len(p), nil
}

func prettify(entry map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%v] (%v) %v", entry["time"], entry["level"], entry["msg"])
	delete(entry, "time")
	delete(entry, "level")
	delete(entry, "msg")

	if len(entry) > 0 {
		keys := make([]string, 0, len(entry))
		for k := range entry {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s: %v |", k, entry[k])
		}
	}
	b.WriteString("\n")
	return b.String()
}
