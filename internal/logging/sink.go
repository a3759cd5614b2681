package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// Sink accepts finished log entries
type Sink interface {
	Write(e *LogEntry) error
}

// DiscardSink drops every entry
type DiscardSink struct{}

func (DiscardSink) Write(*LogEntry) error { return nil }

// WriterSink writes one JSON document per line to w
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Write(e *LogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		data = []byte(fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339), e.Level, e.Message))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, werr := s.w.Write(append(data, '\n'))
	return multierr.Append(err, werr)
}

// Publisher is the subset of a transport channel the TransportSink needs
type Publisher interface {
	Send(ctx context.Context, msg []byte) error
}

// TransportSink forwards entries at or above a level to a pub/sub channel,
// typically the namespace logs channel
type TransportSink struct {
	pub     Publisher
	min     LogLevel
	timeout time.Duration
}

func NewTransportSink(pub Publisher, min LogLevel) *TransportSink {
	return &TransportSink{pub: pub, min: min, timeout: 2 * time.Second}
}

func (s *TransportSink) Write(e *LogEntry) error {
	if !e.Level.Enabled(s.min) {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	return s.pub.Send(ctx, data)
}

// MultiSink fans entries out to every sink
type MultiSink []Sink

func (m MultiSink) Write(e *LogEntry) error {
	var errs error
	for _, s := range m {
		errs = multierr.Append(errs, s.Write(e))
	}
	return errs
}

// RecordingSink keeps entries in memory. Useful in tests.
type RecordingSink struct {
	mu      sync.Mutex
	entries []LogEntry
}

func (r *RecordingSink) Write(e *LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

// Entries returns a snapshot of the recorded entries
func (r *RecordingSink) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}
