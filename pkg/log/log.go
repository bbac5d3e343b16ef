package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
	// helper skips the wrapper frame so the package functions report
	// their caller.
	helper = zap.NewNop()
)

// InitLogger builds the process logger. When file is empty logs go to stderr,
// otherwise they are appended to file so they do not fight with the TUI.
func InitLogger(debug bool, file string) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if file != "" {
		cfg.OutputPaths = []string{file}
		cfg.ErrorOutputPaths = []string{file}
	}

	l, err := cfg.Build()
	if err != nil {
		return err
	}

	SetLogger(l)
	return nil
}

// SetLogger replaces the process logger. Passing nil installs a no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	logger = l
	helper = l.WithOptions(zap.AddCallerSkip(1))
	mu.Unlock()
}

// L returns the current logger for direct use, e.g. L().With(...).
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func wrapped() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return helper
}

func Debug(msg string, fields ...zap.Field) { wrapped().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { wrapped().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { wrapped().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { wrapped().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { wrapped().Fatal(msg, fields...) }

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}
