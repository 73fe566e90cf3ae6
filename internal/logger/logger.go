package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
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
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a level string (case-insensitive).
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled structured logger backed by zap. Records below warn go
// to the low writer (stdout by default), warn and above to the high writer.
type Logger struct {
	mu    sync.RWMutex
	level zap.AtomicLevel
	name  string
	z     *zap.SugaredLogger // for methods
	pkg   *zap.SugaredLogger // for package-level helpers, one extra frame
}

// New creates a logger writing JSON lines to low/high.
func New(level Level, low, high io.Writer) *Logger {
	l := &Logger{level: zap.NewAtomicLevelAt(level.zap())}
	l.build(low, high)
	return l
}

func (l *Logger) build(low, high io.Writer) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.MessageKey = "message"
	encCfg.TimeKey = "ts"
	encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(encCfg)

	lvl := l.level
	lowOnly := zap.LevelEnablerFunc(func(z zapcore.Level) bool {
		return z < zapcore.WarnLevel && lvl.Enabled(z)
	})
	highOnly := zap.LevelEnablerFunc(func(z zapcore.Level) bool {
		return z >= zapcore.WarnLevel && lvl.Enabled(z)
	})

	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(low)), lowOnly),
		zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(high)), highOnly),
	)
	base := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if l.name != "" {
		base = base.Named(l.name)
	}

	l.mu.Lock()
	l.z = base.WithOptions(zap.AddCallerSkip(1)).Sugar()
	l.pkg = base.WithOptions(zap.AddCallerSkip(2)).Sugar()
	l.mu.Unlock()
}

var defaultLogger = New(LevelInfo, os.Stdout, os.Stderr)

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// Named returns a child logger sharing level and outputs.
func (l *Logger) Named(name string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level: l.level,
		name:  name,
		z:     l.z.Named(name),
		pkg:   l.pkg.Named(name),
	}
}

// SetLevel changes the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zap())
}

// SetOutput sends every level to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.build(w, w)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar().Sync()
}

func (l *Logger) sugar() *zap.SugaredLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.z
}

func (l *Logger) pkgSugar() *zap.SugaredLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pkg
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kvs ...any) { l.sugar().Debugw(msg, kvs...) }

// Info logs an info message.
func (l *Logger) Info(msg string, kvs ...any) { l.sugar().Infow(msg, kvs...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kvs ...any) { l.sugar().Warnw(msg, kvs...) }

// Error logs an error message.
func (l *Logger) Error(msg string, kvs ...any) { l.sugar().Errorw(msg, kvs...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.sugar().Infof(format, args...) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) { l.sugar().Warnf(format, args...) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.sugar().Errorf(format, args...) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) { l.sugar().Debugf(format, args...) }

// Package-level convenience functions.

func SetLevel(level Level)                { defaultLogger.SetLevel(level) }
func Debug(msg string, kvs ...any)        { defaultLogger.pkgSugar().Debugw(msg, kvs...) }
func Info(msg string, kvs ...any)         { defaultLogger.pkgSugar().Infow(msg, kvs...) }
func Warn(msg string, kvs ...any)         { defaultLogger.pkgSugar().Warnw(msg, kvs...) }
func Error(msg string, kvs ...any)        { defaultLogger.pkgSugar().Errorw(msg, kvs...) }
func Infof(format string, args ...any)    { defaultLogger.pkgSugar().Infof(format, args...) }
func Warnf(format string, args ...any)    { defaultLogger.pkgSugar().Warnf(format, args...) }
func Errorf(format string, args ...any)   { defaultLogger.pkgSugar().Errorf(format, args...) }
func Debugf(format string, args ...any)   { defaultLogger.pkgSugar().Debugf(format, args...) }
