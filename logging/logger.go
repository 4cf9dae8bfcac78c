package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"wylloh/features"
)

// LogLevel is the minimum severity a Logger emits.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelStartup // startup banners only
)

const (
	colorRed     = "\033[31m"
	colorYellow  = "\033[33m"
	colorMagenta = "\033[35m"
	colorCyan    = "\033[36m"
	colorReset   = "\033[0m"
)

// Logger is a leveled printf-style logger. Component loggers created with
// WithComponent share the parent's writers and level.
type Logger struct {
	base      *loggerCore
	component string
}

type loggerCore struct {
	mu       sync.Mutex
	out      *log.Logger
	minLevel LogLevel
	color    bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	once.Do(func() {
		defaultLogger = NewLogger()
	})
	return defaultLogger
}

// NewLogger builds a logger writing to stdout. Demo builds without the
// full-logging feature only emit startup messages.
func NewLogger() *Logger {
	return newLogger(os.Stdout, true)
}

// NewLoggerWithWriter builds an uncolored logger, mostly for tests.
func NewLoggerWithWriter(w io.Writer) *Logger {
	return newLogger(w, false)
}

func newLogger(w io.Writer, color bool) *Logger {
	minLevel := LevelDebug
	if !features.ShouldEnableFullLogging() {
		minLevel = LevelStartup
	}
	return &Logger{
		base: &loggerCore{
			out:      log.New(w, "", log.Ldate|log.Ltime),
			minLevel: minLevel,
			color:    color,
		},
	}
}

// WithComponent returns a logger that tags every line with name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{base: l.base, component: name}
}

// SetLevel sets the minimum level. Ignored in minimal logging mode.
func (l *Logger) SetLevel(level LogLevel) {
	l.base.mu.Lock()
	defer l.base.mu.Unlock()
	if !features.ShouldEnableFullLogging() {
		l.base.minLevel = LevelStartup
		return
	}
	l.base.minLevel = level
}

// SetOutput redirects every logger sharing this core.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.mu.Lock()
	defer l.base.mu.Unlock()
	l.base.out.SetOutput(w)
}

// ParseLevel maps a config string onto a LogLevel, defaulting to info.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func (l *Logger) emit(level LogLevel, prefix, color, format string, v ...interface{}) {
	core := l.base
	core.mu.Lock()
	defer core.mu.Unlock()
	if level != LevelStartup && core.minLevel > level {
		return
	}

	msg := fmt.Sprintf(format, v...)
	if l.component != "" {
		msg = "[" + l.component + "] " + msg
	}
	if core.color && color != "" {
		msg = color + msg + colorReset
	}
	core.out.Printf("%s: %s", prefix, msg)
}

func (l *Logger) Debug(format string, v ...interface{}) {
	l.emit(LevelDebug, "DEBUG", colorCyan, format, v...)
}

func (l *Logger) Info(format string, v ...interface{}) {
	l.emit(LevelInfo, "INFO", "", format, v...)
}

func (l *Logger) Warn(format string, v ...interface{}) {
	l.emit(LevelWarn, "WARN", colorYellow, format, v...)
}

func (l *Logger) Error(format string, v ...interface{}) {
	l.emit(LevelError, "ERROR", colorRed, format, v...)
}

// Startup is always written, even in minimal mode.
func (l *Logger) Startup(format string, v ...interface{}) {
	l.emit(LevelStartup, "STARTUP", colorMagenta, format, v...)
}

// PrintBuildInfo writes the build banner at startup.
func (l *Logger) PrintBuildInfo(serviceName, serviceVersion string) {
	info := features.GetBuildInfo()

	l.Startup("=================================================")
	l.Startup("Service: %s v%s", serviceName, serviceVersion)
	l.Startup("Build Mode: %s", info["mode"])
	l.Startup("Build Version: %s", info["version"])
	l.Startup("Build Time: %s", info["buildTime"])

	if enabled := features.GetEnabledFeatures(); len(enabled) > 0 {
		l.Startup("Enabled Features: %v", enabled)
	} else {
		l.Startup("Enabled Features: none (production defaults)")
	}

	l.Startup("Full Logging: %v", features.ShouldEnableFullLogging())
	l.Startup("Metrics: %v", features.ShouldEnableMetrics())
	l.Startup("Caching: %v", features.ShouldEnableCaching())
	l.Startup("Ledger Fallback: %v", features.ShouldEnableLedgerFallback())
	l.Startup("Recovery Path: %v", features.ShouldEnableRecoveryPath())
	l.Startup("=================================================")
}

func Debug(format string, v ...interface{}) { GetLogger().Debug(format, v...) }
func Info(format string, v ...interface{})  { GetLogger().Info(format, v...) }
func Warn(format string, v ...interface{})  { GetLogger().Warn(format, v...) }
func Error(format string, v ...interface{}) { GetLogger().Error(format, v...) }

func Startup(format string, v ...interface{}) { GetLogger().Startup(format, v...) }

// LoggingMode describes the current logging mode for the banner.
func LoggingMode() string {
	if features.ShouldEnableFullLogging() {
		return "full"
	}
	return "minimal (startup only)"
}
