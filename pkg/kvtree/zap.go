package kvtree

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/CVDpl/go-live-kvtree/internal/common"
)

// ZapLogger adapts a *zap.Logger to common.Logger, translating
// alternating key/value fields to zap fields.
type ZapLogger struct {
	z *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(z *zap.Logger) common.Logger {
	return &ZapLogger{z: z.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.z.Debugw(msg, fields...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.z.Infow(msg, fields...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.z.Warnw(msg, fields...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.z.Errorw(msg, fields...) }

// RotationConfig controls file output and rotation for
// NewRotatingZapLogger.
type RotationConfig struct {
	Path       string // log file path
	MaxSizeMB  int    // rotate after this many megabytes
	MaxBackups int    // rotated files to keep
	MaxAgeDays int    // days to keep rotated files
	Level      common.LogLevel
}

// NewRotatingZapLogger builds a JSON zap logger writing to a rotated
// file, for long-running processes embedding the tree.
func NewRotatingZapLogger(cfg RotationConfig) (common.Logger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("rotating logger: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("rotating logger: %w", err)
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}

	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	})

	var lvl zapcore.Level
	switch cfg.Level {
	case common.LogLevelDebug:
		lvl = zapcore.DebugLevel
	case common.LogLevelWarn:
		lvl = zapcore.WarnLevel
	case common.LogLevelError:
		lvl = zapcore.ErrorLevel
	default:
		lvl = zapcore.InfoLevel
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		w, lvl,
	)
	return NewZapLogger(zap.New(core)), nil
}
