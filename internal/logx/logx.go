// Package logx provides the daemon-wide structured log stream and the small
// logger capability every component accepts.
package logx

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) severity() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	}
	return 1
}

// AtLeast reports whether l is at or above min.
func (l Level) AtLeast(min Level) bool {
	return l.severity() >= min.severity()
}

// Entry is one structured log record.
type Entry struct {
	Time    time.Time      `json:"timestamp"`
	Level   Level          `json:"level"`
	Source  string         `json:"source"`
	Agent   string         `json:"agentName,omitempty"`
	JobID   string         `json:"jobId,omitempty"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Logger is the capability handed to components. Args are slog-style
// alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const defaultHistory = 512

// Stream is a multi-producer/multi-consumer broadcast of log entries. A slow
// subscriber's buffer drops its oldest entry rather than blocking producers.
type Stream struct {
	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	history []Entry
	histCap int
}

type subscriber struct {
	ch       chan Entry
	minLevel Level
}

// NewStream creates a Stream retaining up to defaultHistory entries for
// late subscribers.
func NewStream() *Stream {
	return &Stream{
		subs:    make(map[int]*subscriber),
		histCap: defaultHistory,
	}
}

// Publish delivers the entry to all subscribers at or above their level.
func (s *Stream) Publish(e Entry) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history = append(s.history, e)
	if len(s.history) > s.histCap {
		s.history = s.history[len(s.history)-s.histCap:]
	}

	for _, sub := range s.subs {
		if !e.Level.AtLeast(sub.minLevel) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Buffer full: evict the oldest entry, then retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- e:
			default:
			}
		}
	}
}

// Subscribe registers a consumer with its own bounded buffer. The returned
// cancel func must be called to release the subscription; the channel is
// closed by cancel.
func (s *Stream) Subscribe(minLevel Level, buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{
		ch:       make(chan Entry, buffer),
		minLevel: minLevel,
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// History returns up to n retained entries at or above minLevel, oldest first.
// n <= 0 returns every retained entry at or above minLevel.
func (s *Stream) History(minLevel Level, n int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, n)
	for _, e := range s.history {
		if e.Level.AtLeast(minLevel) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// streamLogger fans every record into both the process slog output and the
// broadcast stream.
type streamLogger struct {
	stream *Stream
	source string
	agent  string
	jobID  string
}

// New creates a Logger for the given component source.
func New(stream *Stream, source string) Logger {
	return &streamLogger{stream: stream, source: source}
}

// WithAgent returns a derived logger tagged with the agent name.
func WithAgent(l Logger, agent string) Logger {
	if sl, ok := l.(*streamLogger); ok {
		cp := *sl
		cp.agent = agent
		return &cp
	}
	return l
}

// WithJob returns a derived logger tagged with the job id.
func WithJob(l Logger, jobID string) Logger {
	if sl, ok := l.(*streamLogger); ok {
		cp := *sl
		cp.jobID = jobID
		return &cp
	}
	return l
}

func (l *streamLogger) Debug(msg string, args ...any) { l.log(LevelDebug, msg, args) }
func (l *streamLogger) Info(msg string, args ...any)  { l.log(LevelInfo, msg, args) }
func (l *streamLogger) Warn(msg string, args ...any)  { l.log(LevelWarn, msg, args) }
func (l *streamLogger) Error(msg string, args ...any) { l.log(LevelError, msg, args) }

func (l *streamLogger) log(level Level, msg string, args []any) {
	slogArgs := append([]any{"source", l.source}, args...)
	if l.agent != "" {
		slogArgs = append(slogArgs, "agent", l.agent)
	}
	if l.jobID != "" {
		slogArgs = append(slogArgs, "job", l.jobID)
	}
	switch level {
	case LevelDebug:
		slog.Debug(msg, slogArgs...)
	case LevelInfo:
		slog.Info(msg, slogArgs...)
	case LevelWarn:
		slog.Warn(msg, slogArgs...)
	case LevelError:
		slog.Error(msg, slogArgs...)
	}

	if l.stream == nil {
		return
	}
	l.stream.Publish(Entry{
		Time:    time.Now(),
		Level:   level,
		Source:  l.source,
		Agent:   l.agent,
		JobID:   l.jobID,
		Message: msg,
		Fields:  fieldsFromArgs(args),
	})
}

func fieldsFromArgs(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return fields
}

// Nop returns a logger that discards everything. Used in tests and as the
// fallback when a component is constructed without a logger.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
