package pkg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component identifies a subsystem for log filtering.
type Component string

// Mass-storage host component identifiers.
const (
	ComponentHost      Component = "host"     // enumeration collaborator
	ComponentHAL       Component = "hal"      // host controller transports
	ComponentTransport Component = "bot"      // bulk-only transport engine
	ComponentSCSI      Component = "scsi"     // SCSI command layer
	ComponentLUN       Component = "lun"      // logical unit state machine
	ComponentPoll      Component = "poll"     // hot-plug poll scheduler
	ComponentRegistry  Component = "registry" // block device registry
)

// LogFormat specifies the output format for logging.
type LogFormat int

// Log format options.
const (
	LogFormatText LogFormat = iota // Text format (default)
	LogFormatJSON                  // JSON format
)

var (
	// DefaultLogger is the logger used by every component.
	DefaultLogger *slog.Logger

	// logLevel controls the minimum log level.
	logLevel = new(slog.LevelVar)

	// logMutex protects logger configuration.
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = NewLogger(os.Stderr, nil)
}

// SetLogLevel sets the minimum log level for all components.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum log level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// SetLogger replaces the default logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat rebuilds the default logger on os.Stderr in the given format,
// keeping the current level.
func SetLogFormat(format LogFormat) {
	var logger *slog.Logger
	switch format {
	case LogFormatJSON:
		logger = NewJSONLogger(os.Stderr, nil)
	default:
		logger = NewLogger(os.Stderr, nil)
	}
	SetLogger(logger)
}

// NewLogger creates a new text logger writing to w. A nil opts shares the
// package level.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, handlerOptions(opts)))
}

// NewJSONLogger creates a new JSON logger writing to w. A nil opts shares the
// package level.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, handlerOptions(opts)))
}

func handlerOptions(opts *slog.HandlerOptions) *slog.HandlerOptions {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	} else {
		o := *opts
		opts = &o
	}
	opts.ReplaceAttr = plainErrors(opts.ReplaceAttr)
	return opts
}

// plainErrors logs error values as their Error() text. The text handler
// would print them with %+v, which expands wrapped stack traces.
func plainErrors(next func([]string, slog.Attr) slog.Attr) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if a.Value.Kind() == slog.KindAny {
			if err, ok := a.Value.Any().(error); ok {
				a.Value = slog.StringValue(err.Error())
			}
		}
		if next != nil {
			return next(groups, a)
		}
		return a
	}
}

// Logger returns the default logger bound to the given component.
func Logger(component Component) *slog.Logger {
	return current().With("component", string(component))
}

// LogEnabled reports whether a record at level would be emitted. Callers use
// it to skip building expensive attributes such as hex dumps.
func LogEnabled(level slog.Level) bool {
	return current().Enabled(context.Background(), level)
}

// LogDebug logs a debug message with the given component.
func LogDebug(component Component, msg string, args ...any) {
	logAt(slog.LevelDebug, component, msg, args)
}

// LogInfo logs an info message with the given component.
func LogInfo(component Component, msg string, args ...any) {
	logAt(slog.LevelInfo, component, msg, args)
}

// LogWarn logs a warning message with the given component.
func LogWarn(component Component, msg string, args ...any) {
	logAt(slog.LevelWarn, component, msg, args)
}

// LogError logs an error message with the given component.
func LogError(component Component, msg string, args ...any) {
	logAt(slog.LevelError, component, msg, args)
}

func current() *slog.Logger {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return DefaultLogger
}

func logAt(level slog.Level, component Component, msg string, args []any) {
	current().Log(context.Background(), level, msg,
		append([]any{"component", string(component)}, args...)...)
}
