// Package logging emits the service's structured JSON logs. Records carry
// an ordered field list so output is deterministic, and the file sink
// rotates through numbered gzip backups the way logrotate does. Helpers
// exist for the fields this domain logs constantly: subscription ids,
// correlation ids, and event numbers.
package logging

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelio/subengine/internal/config"
)

// RequestIDHeader carries the per-request id assigned by the HTTP
// middleware, echoed back to callers for correlation.
const RequestIDHeader = "X-Request-ID"

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration renders a duration in its Go string form.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Error returns an error field under the conventional "error" key.
func Error(err error) Field { return Field{Key: "error", Value: err} }

// Subscription tags a record with the owning "{stream}:{group}" id.
func Subscription(id string) Field { return Field{Key: "subscription_id", Value: id} }

// Correlation tags a record with a consumer's correlation id.
func Correlation(id string) Field { return Field{Key: "correlation_id", Value: id} }

// EventNumber tags a record with a stream event number.
func EventNumber(n int64) Field { return Field{Key: "event_number", Value: n} }

// sink is where rendered records go.
type sink interface {
	io.Writer
	Sync() error
}

// Logger renders records as single JSON lines. The bound fields are an
// ordered slice, so two runs of the same code produce byte-identical
// field ordering: timestamp, level, message, then fields oldest first.
type Logger struct {
	level Level
	out   sink
	bound []Field

	mu  *sync.Mutex
	buf []byte
}

var fallback atomic.Pointer[Logger]

func init() {
	fallback.Store(discard())
}

// New builds the process logger from configuration: JSON lines to the
// configured file (with rotation) and mirrored to stdout. The returned
// logger also becomes the package fallback returned by L.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	fs, err := newFileSink(cfg.Path, int64(cfg.MaxSizeMB)*1024*1024, cfg.MaxBackups, time.Duration(cfg.MaxAgeDays)*24*time.Hour, cfg.Compress)
	if err != nil {
		return nil, err
	}
	logger := &Logger{
		level: level,
		out:   teeSink{fs, stdoutSink{}},
		bound: []Field{String("service", "subengine")},
		mu:    &sync.Mutex{},
	}
	fallback.Store(logger)
	return logger, nil
}

// NewTestLogger returns a logger that drops everything, for tests and
// optional collaborators.
func NewTestLogger() *Logger { return discard() }

func discard() *Logger {
	return &Logger{level: FatalLevel + 1, out: nopSink{}, mu: &sync.Mutex{}}
}

// L returns the most recently constructed process logger, or a discard
// logger before New has run.
func L() *Logger { return fallback.Load() }

// With returns a logger that prepends the given fields to every record.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	bound := make([]Field, 0, len(l.bound)+len(fields))
	bound = append(bound, l.bound...)
	bound = append(bound, fields...)
	return &Logger{level: l.level, out: l.out, bound: bound, mu: l.mu}
}

// WithSubscription binds the subscription id every engine record carries.
func (l *Logger) WithSubscription(id string) *Logger {
	return l.With(Subscription(id))
}

// Sync flushes the underlying sink.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	return l.out.Sync()
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...Field) { l.emit(DebugLevel, msg, fields) }

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...Field) { l.emit(InfoLevel, msg, fields) }

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...Field) { l.emit(WarnLevel, msg, fields) }

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...Field) { l.emit(ErrorLevel, msg, fields) }

// Fatal logs at fatal level, flushes, and exits the process.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.emit(FatalLevel, msg, fields)
	l.Sync()
	os.Exit(1)
}

func (l *Logger) emit(level Level, msg string, fields []Field) {
	if l == nil {
		L().emit(level, msg, fields)
		return
	}
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buf[:0]
	b = append(b, '{')
	b = appendString(b, "ts")
	b = append(b, ':')
	b = appendString(b, time.Now().UTC().Format(time.RFC3339Nano))
	b = append(b, ',')
	b = appendString(b, "level")
	b = append(b, ':')
	b = appendString(b, level.String())
	b = append(b, ',')
	b = appendString(b, "msg")
	b = append(b, ':')
	b = appendString(b, msg)
	for _, f := range l.bound {
		b = appendField(b, f)
	}
	for _, f := range fields {
		b = appendField(b, f)
	}
	b = append(b, '}', '\n')
	l.buf = b

	_, _ = l.out.Write(b)
}

func appendField(b []byte, f Field) []byte {
	b = append(b, ',')
	b = appendString(b, f.Key)
	b = append(b, ':')
	switch v := f.Value.(type) {
	case string:
		b = appendString(b, v)
	case int:
		b = strconv.AppendInt(b, int64(v), 10)
	case int64:
		b = strconv.AppendInt(b, v, 10)
	case bool:
		b = strconv.AppendBool(b, v)
	case time.Duration:
		b = appendString(b, v.String())
	case error:
		if v == nil {
			b = append(b, "null"...)
		} else {
			b = appendString(b, v.Error())
		}
	case nil:
		b = append(b, "null"...)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			b = appendString(b, fmt.Sprintf("%v", v))
		} else {
			b = append(b, raw...)
		}
	}
	return b
}

func appendString(b []byte, s string) []byte {
	return append(b, strconv.Quote(s)...)
}

// HTTPTraceMiddleware assigns each request an id, echoes it in the
// response headers, and logs the request at debug level.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get(RequestIDHeader))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			base.Debug("request received",
				String("request_id", requestID),
				String("method", r.Method),
				String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
}

// stdoutSink mirrors records to standard output.
type stdoutSink struct{}

func (stdoutSink) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdoutSink) Sync() error                 { return nil }

// nopSink drops records.
type nopSink struct{}

func (nopSink) Write(p []byte) (int, error) { return len(p), nil }
func (nopSink) Sync() error                 { return nil }

// teeSink fans a record out to several sinks, reporting the first error.
type teeSink []sink

func (t teeSink) Write(p []byte) (int, error) {
	for _, s := range t {
		if _, err := s.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeSink) Sync() error {
	var firstErr error
	for _, s := range t {
		if err := s.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fileSink appends to one file and rotates through numbered backups:
// the live file becomes <path>.1 (gzipped when compression is on), .1
// shifts to .2, and so on up to maxBackups. Backups older than maxAge
// are removed during rotation.
type fileSink struct {
	mu         sync.Mutex
	path       string
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
	compress   bool

	file    *os.File
	written int64
}

func newFileSink(path string, maxBytes int64, maxBackups int, maxAge time.Duration, compress bool) (*fileSink, error) {
	if maxBytes <= 0 {
		return nil, errors.New("log rotation size must be positive")
	}
	if maxBackups < 0 {
		return nil, errors.New("log backup count must be non-negative")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &fileSink{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
		maxAge:     maxAge,
		compress:   compress,
	}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSink) openLocked() error {
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	s.file = file
	s.written = info.Size()
	return nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.written+int64(len(p)) > s.maxBytes && s.written > 0 {
		if err := s.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *fileSink) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *fileSink) backupName(n int) string {
	name := fmt.Sprintf("%s.%d", s.path, n)
	if s.compress {
		name += ".gz"
	}
	return name
}

func (s *fileSink) rotateLocked() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil

	// Shift the backup chain up, dropping the oldest slot.
	if s.maxBackups > 0 {
		_ = os.Remove(s.backupName(s.maxBackups))
		for n := s.maxBackups - 1; n >= 1; n-- {
			_ = os.Rename(s.backupName(n), s.backupName(n+1))
		}
		if s.compress {
			if err := gzipFile(s.path, s.backupName(1)); err != nil {
				return err
			}
			_ = os.Remove(s.path)
		} else if err := os.Rename(s.path, s.backupName(1)); err != nil {
			return err
		}
	} else {
		_ = os.Remove(s.path)
	}
	s.pruneLocked()
	return s.openLocked()
}

// pruneLocked drops backups past their retention age.
func (s *fileSink) pruneLocked() {
	if s.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.maxAge)
	for n := 1; n <= s.maxBackups; n++ {
		name := s.backupName(n)
		info, err := os.Stat(name)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(name)
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
