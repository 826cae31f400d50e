package audit

import (
	"encoding/json"
	"fmt"
	"io"
)

// StdoutSink writes audit entries as JSON Lines to the given writer
// (normally os.Stdout), for deployments that collect logs from the
// process's own stdout rather than a file or HTTP collector.
type StdoutSink struct {
	w io.Writer
}

// NewStdoutSink builds a StdoutSink writing to w.
func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

// Write encodes each entry as one JSON line.
func (s *StdoutSink) Write(entries []Entry) error {
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if _, err := s.w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write audit entry: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the underlying writer's lifecycle is owned by the caller.
func (s *StdoutSink) Close() error { return nil }

var _ Sink = (*StdoutSink)(nil)
