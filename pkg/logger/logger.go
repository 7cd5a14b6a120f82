package logger

import (
	"github.com/hsdfat/go-zlog/logger"
	"go.uber.org/zap"
)

// Logger is the structured logger used across diam-node.
type Logger = logger.LoggerI

// Log is the global logger instance for the diam-node project
var Log Logger = logger.NewLogger()

func init() {
	Log.(*logger.Logger).SugaredLogger = Log.(*logger.Logger).SugaredLogger.WithOptions(zap.AddCallerSkip(1))
}

// SetLevel sets the global log level
// Valid levels: "debug", "info", "warn", "error", "fatal"
func SetLevel(level string) {
	logger.SetLevel(level)
}

// WithFields creates a new logger with contextual fields
// Example: logger.WithFields("conn", 12, "state", "UP")
func WithFields(args ...any) Logger {
	return Log.With(args...).(Logger)
}

// New returns a logger tagged with a module name.
func New(module string) Logger {
	return WithFields("module", module)
}
