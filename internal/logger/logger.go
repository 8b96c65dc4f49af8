// Package logger builds the process-wide zap logger.
package logger

import (
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tourist-safety/monitor/internal/config"
)

// New returns a JSON logger writing to stdout and, when LOG_FILENAME is
// set, to a size-rotated file as well.
func New(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if cfg.LogFilename != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFilename,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxAge:     cfg.LogMaxAgeDays,
			MaxBackups: cfg.LogMaxBackups,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.NewMultiWriteSyncer(sinks...),
		level,
	)
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "tourist-safety-monitor")), nil
}
