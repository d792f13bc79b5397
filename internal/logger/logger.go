package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"nvxroute-bus/config"
)

// Logger wraps a zap logger with a key/value call style
type Logger struct {
	*zap.Logger
	sugar *zap.SugaredLogger
}

func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging config is nil")
	}

	// Set up log level
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	// Create the appropriate writer
	var writer zapcore.WriteSyncer
	switch cfg.OutputPath {
	case "", "stdout":
		writer = zapcore.Lock(os.Stdout)
	case "stderr":
		writer = zapcore.Lock(os.Stderr)
	default:
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.OutputPath,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
	}

	core := zapcore.NewCore(encoder, writer, zap.NewAtomicLevelAt(level))
	return New(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))), nil
}

// New wraps an existing zap logger
func New(z *zap.Logger) *Logger {
	return &Logger{Logger: z, sugar: z.Sugar()}
}

// NewNop returns a logger that discards everything
func NewNop() *Logger {
	return New(zap.NewNop())
}

func (l *Logger) s() *zap.SugaredLogger {
	if l == nil || l.Logger == nil {
		return nil
	}
	if l.sugar == nil {
		return l.Logger.Sugar()
	}
	return l.sugar
}

// With returns a child logger carrying the given key/value pairs
func (l *Logger) With(args ...interface{}) *Logger {
	s := l.s()
	if s == nil {
		return l
	}
	child := s.With(args...)
	return &Logger{Logger: child.Desugar(), sugar: child}
}

// Fatal logs a message at Fatal level and exits the program
func (l *Logger) Fatal(msg string, args ...interface{}) {
	if s := l.s(); s != nil {
		s.Errorw(msg, args...)
		_ = s.Sync()
	}
	os.Exit(1)
}

// Error logs a message at Error level
func (l *Logger) Error(msg string, args ...interface{}) {
	if s := l.s(); s != nil {
		s.Errorw(msg, args...)
	}
}

// Warn logs a message at Warn level
func (l *Logger) Warn(msg string, args ...interface{}) {
	if s := l.s(); s != nil {
		s.Warnw(msg, args...)
	}
}

// Info logs a message at Info level
func (l *Logger) Info(msg string, args ...interface{}) {
	if s := l.s(); s != nil {
		s.Infow(msg, args...)
	}
}

// Debug logs a message at Debug level
func (l *Logger) Debug(msg string, args ...interface{}) {
	if s := l.s(); s != nil {
		s.Debugw(msg, args...)
	}
}

// Sync flushes buffered entries
func (l *Logger) Sync() error {
	if l == nil || l.Logger == nil {
		return nil
	}
	return l.Logger.Sync()
}
