package logger

import (
	"fmt"

	"binance-grid-bot-go/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the logger section of the config.
// An empty level means info. With a file set, logs go to stderr and the file.
func NewLogger(cfg config.Logger) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("logger level %q: %w", cfg.Level, err)
		}
	}

	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
		// Order events come in bursts and must not be sampled away.
		zc.Sampling = nil
	}
	zc.Level = level
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}
	zc.InitialFields = map[string]interface{}{"app": "gridbot"}

	return zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
}
