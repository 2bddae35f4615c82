// Package logger provides leveled logging with optional rotated file output.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Version information - set at build time with -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const filePrefix = "gateway_"

// Level represents the logging level.
type Level int

const (
	// LevelDebug is for debug messages.
	LevelDebug Level = iota
	// LevelInfo is for informational messages.
	LevelInfo
	// LevelWarn is for warning messages.
	LevelWarn
	// LevelError is for error messages.
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogConfig holds configuration for file logging.
type LogConfig struct {
	LogDir           string // Directory for log files
	RetentionDays    int    // Days to keep log files
	MaxSizeMB        int    // Max size per log file in MB
	EnableFileLog    bool
	EnableConsoleLog bool
}

// DefaultLogConfig returns default logging configuration.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		LogDir:           "logs",
		RetentionDays:    7,
		MaxSizeMB:        100,
		EnableFileLog:    false,
		EnableConsoleLog: true,
	}
}

// Logger writes leveled lines to the console and, when configured, to a
// daily file that is also rotated by size.
type Logger struct {
	mu            sync.Mutex
	level         atomic.Int32
	consoleOutput io.Writer
	fileOutput    *os.File
	config        *LogConfig
	currentDate   string
	prefix        string
}

var defaultLogger = NewLogger(os.Stdout, LevelInfo, "")

// NewLogger creates a new logger instance.
func NewLogger(output io.Writer, level Level, prefix string) *Logger {
	l := &Logger{
		consoleOutput: output,
		prefix:        prefix,
		config:        DefaultLogConfig(),
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel sets the logging level.
func (l *Logger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// SetOutput sets the console output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.consoleOutput = w
}

// Configure sets up file logging with the given configuration.
func (l *Logger) Configure(config *LogConfig) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = config
	if !config.EnableFileLog || config.LogDir == "" {
		return nil
	}
	if err := os.MkdirAll(config.LogDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	if err := l.openForToday(); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	l.removeExpired()
	return nil
}

func (l *Logger) pathFor(date, suffix string) string {
	return filepath.Join(l.config.LogDir, filePrefix+date+suffix+".log")
}

// openForToday (re)opens the log file for the current date. Caller holds mu.
func (l *Logger) openForToday() error {
	today := time.Now().Format("2006-01-02")
	if l.fileOutput != nil && l.currentDate == today {
		return nil
	}
	if l.fileOutput != nil {
		l.fileOutput.Close()
		l.fileOutput = nil
	}
	file, err := os.OpenFile(l.pathFor(today, ""), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.fileOutput = file
	l.currentDate = today
	return nil
}

// rotateIfLarge moves the current file aside once it crosses MaxSizeMB.
func (l *Logger) rotateIfLarge() {
	if l.fileOutput == nil || l.config.MaxSizeMB <= 0 {
		return
	}
	info, err := l.fileOutput.Stat()
	if err != nil || info.Size() < int64(l.config.MaxSizeMB)*1024*1024 {
		return
	}
	l.fileOutput.Close()
	l.fileOutput = nil
	_ = os.Rename(l.pathFor(l.currentDate, ""), l.pathFor(l.currentDate, "_"+time.Now().Format("150405")))
	_ = l.openForToday()
}

func (l *Logger) removeExpired() {
	if l.config.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -l.config.RetentionDays)
	files, err := GetLogFiles(l.config.LogDir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.ModTime.Before(cutoff) {
			os.Remove(filepath.Join(l.config.LogDir, f.Name))
		}
	}
}

func (l *Logger) log(level Level, format string, args ...any) {
	if level < Level(l.level.Load()) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	prefix := l.prefix
	if prefix != "" {
		prefix = "[" + prefix + "] "
	}
	line := fmt.Sprintf("%s [%s] %s%s\n", time.Now().Format("2006-01-02 15:04:05"), level, prefix, msg)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.EnableConsoleLog && l.consoleOutput != nil {
		fmt.Fprint(l.consoleOutput, line)
	}
	if l.config.EnableFileLog && l.fileOutput != nil {
		_ = l.openForToday()
		l.rotateIfLarge()
		if l.fileOutput != nil {
			l.fileOutput.WriteString(line)
		}
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) { l.log(LevelInfo, format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) { l.log(LevelWarn, format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fileOutput != nil {
		l.fileOutput.Close()
		l.fileOutput = nil
	}
}

// SetDefaultLevel sets the default logger's level.
func SetDefaultLevel(level Level) { defaultLogger.SetLevel(level) }

// SetDefaultOutput sets the default logger's output.
func SetDefaultOutput(w io.Writer) { defaultLogger.SetOutput(w) }

// Configure configures the default logger with file logging.
func Configure(config *LogConfig) error { return defaultLogger.Configure(config) }

// Close closes the default logger.
func Close() { defaultLogger.Close() }

// Debug logs a debug message using the default logger.
func Debug(format string, args ...any) { defaultLogger.Debug(format, args...) }

// Info logs an informational message using the default logger.
func Info(format string, args ...any) { defaultLogger.Info(format, args...) }

// Warn logs a warning message using the default logger.
func Warn(format string, args ...any) { defaultLogger.Warn(format, args...) }

// Error logs an error message using the default logger.
func Error(format string, args ...any) { defaultLogger.Error(format, args...) }

// LogFileInfo contains information about a log file.
type LogFileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// GetLogFiles returns the gateway log files in logDir, newest first.
func GetLogFiles(logDir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var logFiles []LogFileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		logFiles = append(logFiles, LogFileInfo{Name: e.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(logFiles, func(i, j int) bool {
		return logFiles[i].ModTime.After(logFiles[j].ModTime)
	})
	return logFiles, nil
}

// Init routes the standard library log package through the default logger.
func Init() {
	log.SetFlags(0)
	log.SetOutput(&logWriter{})
}

type logWriter struct{}

func (w *logWriter) Write(p []byte) (int, error) {
	Info("%s", strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
