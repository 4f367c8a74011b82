// Package observability owns the process-wide loggers.
//
// CLILogger writes human-oriented console output to stderr so that stdout
// stays reserved for JSONL records. ServerLogger writes JSON lines for log
// shippers.
package observability

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// CLILogger is used by command handlers. It is never nil.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and the background trigger.
	// It is never nil.
	ServerLogger = zap.NewNop()

	mu sync.Mutex
)

// InitCLILogger configures CLILogger. verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.NameKey = ""
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(level),
	)
	logger := zap.New(core).Named(name)

	mu.Lock()
	CLILogger = logger
	mu.Unlock()
	return logger
}

// InitServerLogger configures ServerLogger at the given level
// (debug|info|warn|error). Unknown levels fall back to info.
func InitServerLogger(name, level string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encCfg.EncodeDuration = zapcore.MillisDurationEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(ParseLevel(level)),
	)
	logger := zap.New(core, zap.AddCaller()).Named(name).With(zap.Int("pid", os.Getpid()))

	mu.Lock()
	ServerLogger = logger
	mu.Unlock()
	return logger
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

// Sync flushes both loggers. Errors from syncing a terminal are ignored.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
