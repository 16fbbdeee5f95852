package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

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
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Fields is a set of structured key/value pairs attached to a log entry
type Fields map[string]interface{}

// sink is shared between a logger and every logger derived from it with WithField
type sink struct {
	mu      sync.Mutex
	output  io.Writer
	logFile *os.File
}

// Logger provides structured logging with file output support
type Logger struct {
	level      Level
	jsonFormat bool
	sink       *sink
	fields     Fields
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{output: os.Stdout},
		fields:     make(Fields),
	}
}

// Nop returns a logger that discards everything, used by tests and optional wiring
func Nop() *Logger {
	l := NewLogger(FATAL+1, false)
	l.sink.output = io.Discard
	return l
}

// NewFileLogger creates a logger that writes to <dir>/<name>.log and stdout.
// Falls back to ./logs if dir is not writable
func NewFileLogger(dir, name string, level Level, jsonFormat bool) (*Logger, error) {
	if dir == "" || !isWritable(dir) {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, name+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink: &sink{
			output:  io.MultiWriter(logFile, os.Stdout),
			logFile: logFile,
		},
		fields: make(Fields),
	}

	logger.Info(fmt.Sprintf("Logger initialized: %s", logPath))
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Fields    Fields `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields Fields) {
	if level < l.level {
		return
	}

	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	l.sink.mu.Lock()
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().Format(time.RFC3339Nano),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
		} else {
			fmt.Fprintln(l.sink.output, string(data))
		}
	} else {
		timestamp := time.Now().Format("2006-01-02 15:04:05.000")
		fmt.Fprintf(l.sink.output, "[%s] %s: %s", timestamp, level.String(), message)
		if len(merged) > 0 {
			fmt.Fprintf(l.sink.output, " %v", map[string]interface{}(merged))
		}
		fmt.Fprintln(l.sink.output)
	}
	l.sink.mu.Unlock()

	if level == FATAL {
		os.Exit(1)
	}
}

func first(fields []Fields) Fields {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) { l.log(DEBUG, message, first(fields)) }

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) { l.log(INFO, message, first(fields)) }

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) { l.log(WARN, message, first(fields)) }

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) { l.log(ERROR, message, first(fields)) }

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) { l.log(FATAL, message, first(fields)) }

// Debugf formats and logs a debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	if l.Enabled(DEBUG) {
		l.log(DEBUG, fmt.Sprintf(format, args...), nil)
	}
}

// Infof formats and logs an info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf formats and logs a warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf formats and logs an error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(Fields, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		sink:       l.sink,
		fields:     newFields,
	}
}

// Component tags the logger with the emitting component
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	case "FATAL", "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.sink.logFile != nil {
		l.Info("Logger closing")
		return l.sink.logFile.Close()
	}
	return nil
}

// RotateIfNeeded rotates log file if it exceeds maxSize (in bytes)
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if l.sink.logFile == nil {
		return nil
	}

	info, err := l.sink.logFile.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	l.sink.logFile.Close()

	oldPath := l.sink.logFile.Name()
	backupPath := oldPath + "." + time.Now().Format("20060102-150405")
	if err := os.Rename(oldPath, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(oldPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	l.sink.logFile = newFile
	l.sink.output = io.MultiWriter(newFile, os.Stdout)
	return nil
}

// RotateEvery checks the log file size every interval until ctx is done
func (l *Logger) RotateEvery(ctx context.Context, interval time.Duration, maxSize int64) {
	if maxSize <= 0 || interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := l.RotateIfNeeded(maxSize); err != nil {
					l.Warn(fmt.Sprintf("Log rotation failed: %v", err))
				}
			}
		}
	}()
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}
