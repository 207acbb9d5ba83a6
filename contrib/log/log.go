// Package log is a small structured-logging facade over zap, in the shape
// the rest of this module expects: a package-level default Logger, a
// Helper with printf-style level methods, and key/value "With" chaining.
package log

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level mirrors zapcore.Level so callers don't need to import zap directly.
type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
)

// DefaultMessageKey is the field name used for the primary log message
// when logging with key/value pairs (Errorw, Infow, ...).
const DefaultMessageKey = "msg"

// Logger is the minimal logging contract every component in this module
// logs through.
type Logger interface {
	Log(level Level, keyvals ...any)
}

type loggerFunc func(level Level, keyvals ...any)

func (f loggerFunc) Log(level Level, keyvals ...any) { f(level, keyvals...) }

var (
	mu            sync.RWMutex
	defaultLogger Logger = newZapLogger(zap.NewProductionConfig())
	// DefaultLogger is the logger the package starts with. SetLogger does
	// not change it; GetLogger returns the current process-wide default.
	DefaultLogger = defaultLogger
)

func newZapLogger(cfg zap.Config) Logger {
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	z, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		z = zap.NewNop()
	}
	return loggerFunc(func(level Level, keyvals ...any) {
		fields := make([]zap.Field, 0, len(keyvals)/2)
		msg := ""
		for i := 0; i+1 < len(keyvals); i += 2 {
			k := fmt.Sprint(keyvals[i])
			if k == DefaultMessageKey {
				msg = fmt.Sprint(keyvals[i+1])
				continue
			}
			fields = append(fields, zap.Any(k, keyvals[i+1]))
		}
		switch level {
		case LevelDebug:
			z.Debug(msg, fields...)
		case LevelWarn:
			z.Warn(msg, fields...)
		case LevelError:
			z.Error(msg, fields...)
		default:
			z.Info(msg, fields...)
		}
	})
}

// FileConfig selects the level and rotation policy for NewFileLogger.
// Path == "" logs to stderr instead of a rotated file.
type FileConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

func parseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// NewFileLogger builds a Logger writing JSON-encoded records through
// lumberjack's size/age-based rotation.
func NewFileLogger(cfg FileConfig) Logger {
	var writer zapcore.WriteSyncer
	if cfg.Path == "" {
		writer = zapcore.AddSync(os.Stderr)
	} else {
		writer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxAge:     cfg.MaxAgeDays,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), writer, parseLevel(cfg.Level))
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))

	return loggerFunc(func(level Level, keyvals ...any) {
		fields := make([]zap.Field, 0, len(keyvals)/2)
		msg := ""
		for i := 0; i+1 < len(keyvals); i += 2 {
			k := fmt.Sprint(keyvals[i])
			if k == DefaultMessageKey {
				msg = fmt.Sprint(keyvals[i+1])
				continue
			}
			fields = append(fields, zap.Any(k, keyvals[i+1]))
		}
		switch level {
		case LevelDebug:
			z.Debug(msg, fields...)
		case LevelWarn:
			z.Warn(msg, fields...)
		case LevelError:
			z.Error(msg, fields...)
		default:
			z.Info(msg, fields...)
		}
	})
}

// SetLogger replaces the process-wide default logger.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

// GetLogger returns the process-wide default logger.
func GetLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// With decorates a Logger with fixed key/value pairs appended to every
// call, e.g. log.With(log.DefaultLogger, "pid", os.Getpid()).
func With(l Logger, keyvals ...any) Logger {
	return loggerFunc(func(level Level, kv ...any) {
		l.Log(level, append(append([]any{}, keyvals...), kv...)...)
	})
}

// Timestamp returns the current time formatted with layout, evaluated once
// at the call. Records are already timestamped by the encoder under "ts",
// so nothing in this module calls it.
func Timestamp(layout string) any {
	return time.Now().Format(layout)
}

// Helper is a leveled, printf-style convenience wrapper around a Logger.
type Helper struct {
	logger Logger
}

func NewHelper(l Logger) *Helper {
	if l == nil {
		l = GetLogger()
	}
	return &Helper{logger: l}
}

// Logger returns the underlying Logger a Helper wraps, for handing off to
// a component that wants its own Helper rather than printf convenience.
func (h *Helper) Logger() Logger { return h.logger }

func (h *Helper) Debugf(format string, args ...any) { h.logger.Log(LevelDebug, DefaultMessageKey, fmt.Sprintf(format, args...)) }
func (h *Helper) Infof(format string, args ...any)  { h.logger.Log(LevelInfo, DefaultMessageKey, fmt.Sprintf(format, args...)) }
func (h *Helper) Warnf(format string, args ...any)  { h.logger.Log(LevelWarn, DefaultMessageKey, fmt.Sprintf(format, args...)) }
func (h *Helper) Errorf(format string, args ...any) { h.logger.Log(LevelError, DefaultMessageKey, fmt.Sprintf(format, args...)) }

func (h *Helper) Debug(args ...any) { h.logger.Log(LevelDebug, DefaultMessageKey, fmt.Sprint(args...)) }
func (h *Helper) Info(args ...any)  { h.logger.Log(LevelInfo, DefaultMessageKey, fmt.Sprint(args...)) }
func (h *Helper) Warn(args ...any)  { h.logger.Log(LevelWarn, DefaultMessageKey, fmt.Sprint(args...)) }
func (h *Helper) Error(args ...any) { h.logger.Log(LevelError, DefaultMessageKey, fmt.Sprint(args...)) }

func (h *Helper) Errorw(keyvals ...any) { h.logger.Log(LevelError, keyvals...) }
func (h *Helper) Infow(keyvals ...any)  { h.logger.Log(LevelInfo, keyvals...) }

func (h *Helper) Fatal(args ...any) {
	h.logger.Log(LevelError, DefaultMessageKey, fmt.Sprint(args...))
	os.Exit(1)
}

func (h *Helper) Fatalf(format string, args ...any) {
	h.logger.Log(LevelError, DefaultMessageKey, fmt.Sprintf(format, args...))
	os.Exit(1)
}

// package-level convenience functions against the default logger.

func Debugf(format string, args ...any) { NewHelper(GetLogger()).Debugf(format, args...) }
func Infof(format string, args ...any)  { NewHelper(GetLogger()).Infof(format, args...) }
func Warnf(format string, args ...any)  { NewHelper(GetLogger()).Warnf(format, args...) }
func Errorf(format string, args ...any) { NewHelper(GetLogger()).Errorf(format, args...) }
func Debug(args ...any)                 { NewHelper(GetLogger()).Debug(args...) }
func Info(args ...any)                  { NewHelper(GetLogger()).Info(args...) }
func Warn(args ...any)                  { NewHelper(GetLogger()).Warn(args...) }
func Error(args ...any)                 { NewHelper(GetLogger()).Error(args...) }
func Errorw(keyvals ...any)             { NewHelper(GetLogger()).Errorw(keyvals...) }
func Fatal(args ...any)                 { NewHelper(GetLogger()).Fatal(args...) }
func Fatalf(format string, args ...any) { NewHelper(GetLogger()).Fatalf(format, args...) }

// Enabled reports true for Info and above, and for Debug only when
// RELAY_DEBUG is set; it does not consult the level a Logger was built
// with (FileConfig.Level). It exists so call sites can skip building
// expensive debug payloads.
func Enabled(level Level) bool {
	if level == LevelDebug {
		return os.Getenv("RELAY_DEBUG") != ""
	}
	return true
}

type ctxKey struct{}

// WithContext attaches a Helper to ctx, retrievable later with Context.
func WithContext(ctx context.Context, h *Helper) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// Context returns the Helper attached to ctx, or a Helper over the
// default logger if none was attached.
func Context(ctx context.Context) *Helper {
	if h, ok := ctx.Value(ctxKey{}).(*Helper); ok {
		return h
	}
	return NewHelper(GetLogger())
}
