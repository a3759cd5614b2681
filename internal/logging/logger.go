package logging

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/austindbirch/harbor_mesh/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// Enabled reports whether l is at or above min
func (l LogLevel) Enabled(min LogLevel) bool {
	return levelRank[l] >= levelRank[min]
}

// ParseLevel maps a string to a LogLevel, defaulting to info
func ParseLevel(s string) LogLevel {
	if _, ok := levelRank[LogLevel(s)]; ok {
		return LogLevel(s)
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time        time.Time      `json:"time"`
	Level       LogLevel       `json:"level"`
	Message     string         `json:"msg"`
	Service     string         `json:"service,omitempty"`
	Address     string         `json:"address,omitempty"`
	TraceID     string         `json:"trace_id,omitempty"`
	RequestID   string         `json:"request_id,omitempty"`
	RequestType string         `json:"request_type,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation. A Logger is
// immutable after construction; the With* methods return copies.
type Logger struct {
	service string
	address string
	level   LogLevel
	sink    Sink
}

// New creates a new structured logger for the given service writing JSON to stdout
func New(service string) *Logger {
	return NewWithSink(service, NewWriterSink(os.Stdout))
}

// NewWithSink creates a logger that hands entries to sink
func NewWithSink(service string, sink Sink) *Logger {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Logger{service: service, level: LevelDebug, sink: sink}
}

// Nop returns a logger that drops everything
func Nop() *Logger {
	return NewWithSink("", DiscardSink{})
}

// Service returns the logger's service name
func (l *Logger) Service() string {
	return l.service
}

// Sink returns the logger's sink
func (l *Logger) Sink() Sink {
	return l.sink
}

// WithAddress returns a copy of the logger that stamps every entry with addr
func (l *Logger) WithAddress(addr string) *Logger {
	c := *l
	c.address = addr
	return &c
}

// WithSink returns a copy of the logger writing to sink
func (l *Logger) WithSink(sink Sink) *Logger {
	c := *l
	c.sink = sink
	return &c
}

// WithLevel returns a copy of the logger that drops entries below level
func (l *Logger) WithLevel(level LogLevel) *Logger {
	c := *l
	c.level = level
	return &c
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Address: l.address,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithRequest sets the request id and type for the log entry
func (e *LogEntry) WithRequest(requestID, requestType string) *LogEntry {
	e.RequestID = requestID
	e.RequestType = requestType
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }

func (e *LogEntry) Debugf(format string, args ...any) { e.log(LevelDebug, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Info(message string) { e.log(LevelInfo, message) }

func (e *LogEntry) Infof(format string, args ...any) { e.log(LevelInfo, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Warn(message string) { e.log(LevelWarn, message) }

func (e *LogEntry) Warnf(format string, args ...any) { e.log(LevelWarn, fmt.Sprintf(format, args...)) }

func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Errorf(format string, args ...any) { e.log(LevelError, fmt.Sprintf(format, args...)) }

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	if e.logger == nil || !level.Enabled(e.logger.level) {
		return
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	if err := e.logger.sink.Write(e); err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
	}
}

var defaultLogger = New("harbormesh")

// Default returns the process-wide fallback logger
func Default() *Logger {
	return defaultLogger
}

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
