// Structured logging for the laserhost core.
//
// Provides leveled logging with structured fields, per-component prefixes,
// text and JSON output formats, ANSI colors for terminals and log file
// rotation.
//
// Copyright (C) 2026  Laserhost Developers
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	// DEBUG level for detailed debugging information.
	DEBUG Level = iota

	// INFO level for general informational messages.
	INFO

	// WARN level for warning messages.
	WARN

	// ERROR level for error messages.
	ERROR
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level. Unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format specifies the output encoding for log records.
type Format int

const (
	// FormatText outputs human-readable text.
	FormatText Format = iota
	// FormatJSON outputs one JSON object per record.
	FormatJSON
)

// Fields is a map of structured logging fields.
type Fields map[string]any

// Logger writes leveled, optionally structured log records.
type Logger struct {
	mu         sync.Mutex
	prefix     string
	writer     io.Writer
	level      Level
	timeFormat string
	colorize   bool
	format     Format
}

var ansiColors = map[Level]string{
	DEBUG: "\x1b[36m",
	INFO:  "\x1b[32m",
	WARN:  "\x1b[33m",
	ERROR: "\x1b[31m",
}

const ansiReset = "\x1b[0m"

// New creates a logger with the given component prefix writing to stderr.
func New(prefix string) *Logger {
	return &Logger{
		prefix:     prefix,
		writer:     os.Stderr,
		level:      INFO,
		timeFormat: "2006-01-02 15:04:05.000",
		colorize:   os.Getenv("NO_COLOR") == "",
	}
}

// SetLevel sets the minimum level that will be written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetWriter redirects output, e.g. to a rotating file writer or a test buffer.
func (l *Logger) SetWriter(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

// SetColorize enables or disables ANSI colors.
func (l *Logger) SetColorize(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.colorize = enable
}

// SetFormat selects text or JSON output.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
}

// WithPrefix returns a new logger sharing this logger's settings under a
// different component prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{
		prefix:     prefix,
		writer:     l.writer,
		level:      l.level,
		timeFormat: l.timeFormat,
		colorize:   l.colorize,
		format:     l.format,
	}
}

// Debug logs a formatted message at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.log(DEBUG, msg, args, nil) }

// Info logs a formatted message at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.log(INFO, msg, args, nil) }

// Warn logs a formatted message at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.log(WARN, msg, args, nil) }

// Error logs a formatted message at ERROR level.
func (l *Logger) Error(msg string, args ...any) { l.log(ERROR, msg, args, nil) }

// WithFields returns an Entry carrying structured fields.
func (l *Logger) WithFields(fields Fields) *Entry {
	return &Entry{logger: l, fields: fields}
}

// WithField returns an Entry carrying a single structured field.
func (l *Logger) WithField(key string, value any) *Entry {
	return &Entry{logger: l, fields: Fields{key: value}}
}

// WithError returns an Entry with an error field set.
func (l *Logger) WithError(err error) *Entry {
	return l.WithField("error", err.Error())
}

// Entry is a pending log record with structured fields attached.
type Entry struct {
	logger *Logger
	fields Fields
}

// WithField returns a copy of the entry with an additional field.
func (e *Entry) WithField(key string, value any) *Entry {
	fields := make(Fields, len(e.fields)+1)
	for k, v := range e.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Entry{logger: e.logger, fields: fields}
}

// Debug logs the entry at DEBUG level.
func (e *Entry) Debug(msg string, args ...any) { e.logger.log(DEBUG, msg, args, e.fields) }

// Info logs the entry at INFO level.
func (e *Entry) Info(msg string, args ...any) { e.logger.log(INFO, msg, args, e.fields) }

// Warn logs the entry at WARN level.
func (e *Entry) Warn(msg string, args ...any) { e.logger.log(WARN, msg, args, e.fields) }

// Error logs the entry at ERROR level.
func (e *Entry) Error(msg string, args ...any) { e.logger.log(ERROR, msg, args, e.fields) }

func (l *Logger) log(level Level, msg string, args []any, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}

	var out string
	if l.format == FormatJSON {
		out = l.formatJSON(level, msg, fields)
	} else {
		out = l.formatText(level, msg, fields)
	}
	fmt.Fprint(l.writer, out)
}

func (l *Logger) formatText(level Level, msg string, fields Fields) string {
	var sb strings.Builder

	sb.WriteString(time.Now().Format(l.timeFormat))
	sb.WriteString(" [")
	sb.WriteString(fmt.Sprintf("%-5s", level.String()))
	sb.WriteString("] ")

	if l.colorize {
		sb.WriteString(ansiColors[level])
	}
	sb.WriteString(l.prefix)
	if l.colorize {
		sb.WriteString(ansiReset)
	}
	sb.WriteString(": ")
	sb.WriteString(msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" {")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%v", k, fields[k])
		}
		sb.WriteString("}")
	}

	sb.WriteString("\n")
	return sb.String()
}

type jsonRecord struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Logger    string         `json:"logger"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (l *Logger) formatJSON(level Level, msg string, fields Fields) string {
	rec := jsonRecord{
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Level:     level.String(),
		Logger:    l.prefix,
		Message:   msg,
	}
	if len(fields) > 0 {
		rec.Fields = fields
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal log record: %v"}`+"\n", err)
	}
	return string(data) + "\n"
}

// ConfigureFromEnv applies environment-based configuration:
//   - LASERHOST_LOG_LEVEL: DEBUG, INFO, WARN, ERROR
//   - LASERHOST_LOG_FORMAT: text, json
//   - NO_COLOR: any non-empty value disables colors
func ConfigureFromEnv(l *Logger) {
	if levelStr := os.Getenv("LASERHOST_LOG_LEVEL"); levelStr != "" {
		l.SetLevel(ParseLevel(levelStr))
	}
	switch strings.ToLower(os.Getenv("LASERHOST_LOG_FORMAT")) {
	case "json":
		l.SetFormat(FormatJSON)
	case "text":
		l.SetFormat(FormatText)
	}
	if os.Getenv("NO_COLOR") != "" {
		l.SetColorize(false)
	}
}
