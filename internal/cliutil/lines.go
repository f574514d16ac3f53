package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/Paintersrp/subproc/internal/subprocess"
)

// Stream names used in LineRecord.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LineRecord is one captured output line ready for JSON encoding.
type LineRecord struct {
	Command string `json:"command"`
	Stream  string `json:"stream"`
	Line    int    `json:"line"`
	Level   string `json:"level"`
	Message string `json:"msg"`
}

// NewLineRecords flattens a completed process into records, stdout first.
// Levels are inferred from the text; stderr lines without a marker are
// reported as warnings. Secrets are masked.
func NewLineRecords(cp *subprocess.CompletedProcess) []LineRecord {
	if cp == nil {
		return nil
	}
	command := ""
	if len(cp.Args) > 0 {
		command = cp.Args[0]
	}
	records := make([]LineRecord, 0, len(cp.Stdout)+len(cp.Stderr))
	for i, line := range cp.Stdout {
		records = append(records, newLineRecord(command, StreamStdout, i+1, line, "info"))
	}
	for i, line := range cp.Stderr {
		records = append(records, newLineRecord(command, StreamStderr, i+1, line, "warn"))
	}
	return records
}

func newLineRecord(command, stream string, line int, text, fallback string) LineRecord {
	level := inferLogLevel(text)
	if level == "" {
		level = fallback
	}
	return LineRecord{
		Command: command,
		Stream:  stream,
		Line:    line,
		Level:   level,
		Message: RedactSecrets(text),
	}
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLineRecords writes one JSON object per record, reporting encoder
// errors to stderr.
func EncodeLineRecords(w, stderr io.Writer, records []LineRecord) {
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			fmt.Fprintf(stderr, "error: encode line: %v\n", err)
			return
		}
	}
}
