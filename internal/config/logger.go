package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string            `mapstructure:"level"`
	Format string            `mapstructure:"format"`
	File   string            `mapstructure:"file"`
	Fields map[string]string `mapstructure:"fields"`
}

// BuildLogger builds a zap logger writing to stderr and, when File is set,
// appending to that file as well.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	var zc zap.Config
	switch c.Format {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
		zc.Development = false
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Sampling = nil

	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		zc.Level = lvl
	}
	if c.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, c.File)
	}
	if len(c.Fields) > 0 {
		zc.InitialFields = make(map[string]interface{}, len(c.Fields))
		for k, v := range c.Fields {
			zc.InitialFields[k] = v
		}
	}
	return zc.Build()
}
