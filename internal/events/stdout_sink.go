package events

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// StdoutSink writes one JSON object per line to the configured writer
// (stdout by default).
type StdoutSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdoutSink creates a JSON-lines sink on stdout.
func NewStdoutSink() *StdoutSink {
	return NewWriterSink(os.Stdout)
}

// NewWriterSink creates a JSON-lines sink on an arbitrary writer.
func NewWriterSink(w io.Writer) *StdoutSink {
	return &StdoutSink{enc: json.NewEncoder(w)}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Deliver(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

func (s *StdoutSink) Close() error { return nil }
