// Package logging builds the service's zap loggers.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeKey = "ts"

// Options selects the logger flavor.
type Options struct {
	Development bool
	Level       string
}

// New builds a zap.Logger. Development loggers use colored console output; production loggers
// emit JSON with ISO8601 timestamps. An empty level keeps the flavor's default.
func New(options Options) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if options.Development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	config.EncoderConfig.TimeKey = timeKey

	if trimmedLevel := strings.TrimSpace(options.Level); trimmedLevel != "" {
		level, levelErr := zapcore.ParseLevel(trimmedLevel)
		if levelErr != nil {
			return nil, fmt.Errorf("parse log level: %w", levelErr)
		}
		config.Level = zap.NewAtomicLevelAt(level)
	}

	logger, buildErr := config.Build()
	if buildErr != nil {
		return nil, fmt.Errorf("build logger: %w", buildErr)
	}
	return logger, nil
}
