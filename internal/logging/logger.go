package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// ParseLevel accepts debug, info, warn/warning and error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	}
	return logrus.InfoLevel
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatReader    Category = "reader"
	CatSession   Category = "session"
	CatAPDU      Category = "apdu"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is a single record kept in the in-memory log.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarizes the in-memory log.
type Stats struct {
	Total      int            `json:"total"`
	MaxEntries int            `json:"maxEntries"`
	ByLevel    map[string]int `json:"byLevel"`
}

// Logger keeps the most recent entries in memory and forwards every entry
// to a logrus sink writing to stderr.
type Logger struct {
	mu         sync.RWMutex
	entries    []Entry
	maxEntries int
	minLevel   Level
	sink       *logrus.Logger
}

var (
	defaultLogger *Logger
	defaultMu     sync.Mutex
)

// New creates a logger holding at most maxEntries entries.
func New(maxEntries int, minLevel Level) *Logger {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	sink := logrus.New()
	sink.SetOutput(os.Stderr)
	sink.SetLevel(minLevel.logrusLevel())
	return &Logger{
		entries:    make([]Entry, 0, maxEntries),
		maxEntries: maxEntries,
		minLevel:   minLevel,
		sink:       sink,
	}
}

// Init replaces the package logger.
func Init(maxEntries int, minLevel Level) {
	l := New(maxEntries, minLevel)
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
}

// Get returns the package logger, creating one with defaults if Init was
// never called.
func Get() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New(1000, LevelInfo)
	}
	return defaultLogger
}

// SetOutput redirects the logrus sink.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.SetOutput(w)
}

// SetFormat selects the sink format: "json", "nocolor" or "text".
func (l *Logger) SetFormat(format string) {
	switch format {
	case "json":
		l.sink.SetFormatter(&logrus.JSONFormatter{})
	case "nocolor":
		l.sink.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	default:
		l.sink.SetFormatter(&logrus.TextFormatter{})
	}
}

// SetLevel changes the minimum level kept and emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.minLevel = level
	l.mu.Unlock()
	l.sink.SetLevel(level.logrusLevel())
}

// Log records an entry if level is at or above the logger's minimum.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	l.mu.Lock()
	if level < l.minLevel {
		l.mu.Unlock()
		return
	}
	if len(l.entries) >= l.maxEntries {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Data:      data,
	})
	l.mu.Unlock()

	entry := l.sink.WithField("category", string(cat))
	if len(data) > 0 {
		entry = entry.WithFields(logrus.Fields(data))
	}
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	default:
		entry.Error(msg)
	}
}

// GetEntries returns up to limit of the most recent entries, oldest first,
// optionally filtered by minimum level and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]Entry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		e := l.entries[i]
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		result = append(result, e)
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// Stats returns entry counts.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Total:      len(l.entries),
		MaxEntries: l.maxEntries,
		ByLevel:    make(map[string]int),
	}
	for _, e := range l.entries {
		s.ByLevel[e.Level.String()]++
	}
	return s
}

// Clear drops all in-memory entries.
func (l *Logger) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.mu.Unlock()
}

func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
