package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"utc_daemon/internal/config"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop()
)

// Init replaces the process logger. Output goes to stderr and, when
// cfg.File is set, to a rotating file as well.
func Init(cfg *config.LogConfig) error {
	l, err := Build(cfg)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

func Build(cfg *config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case "console":
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level),
	}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), level))
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func Logger() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Sync() {
	_ = Logger().Sync()
}

// LogEvent writes one event line. Fields are emitted in key order so lines
// for the same event always look alike.
func LogEvent(level, event string, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zf := make([]zap.Field, 0, len(keys)+1)
	zf = append(zf, zap.String("event", event))
	for _, k := range keys {
		zf = append(zf, field(k, fields[k]))
	}

	l := Logger()
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.Debug(event, zf...)
	case "WARN":
		l.Warn(event, zf...)
	case "ERROR":
		l.Error(event, zf...)
	default:
		l.Info(event, zf...)
	}
}

func field(k string, v any) zap.Field {
	switch t := v.(type) {
	case error:
		return zap.NamedError(k, t)
	case fmt.Stringer:
		return zap.Stringer(k, t)
	default:
		return zap.Any(k, t)
	}
}
