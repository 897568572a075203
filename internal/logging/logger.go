// Package logging builds the zap loggers shared by the timetravel server,
// its resolution workers, and the one-shot resolve command. Every entry
// carries a service field so resolver logs can be picked out of a shared
// sink.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServiceName tags every entry written through a logger from New.
const ServiceName = "timetravel"

// New builds a zap.Logger. Development mode writes colored console output at
// debug level; otherwise entries are JSON at info level with ISO8601
// timestamps. Extra options are applied before the service field is attached.
func New(development bool, opts ...zap.Option) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	mode := "prod"
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		mode = "dev"
	} else {
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.EncoderConfig.TimeKey = "ts"

	opts = append(opts, zap.AddCaller(), zap.Fields(zap.String("service", ServiceName)))
	logger, err := cfg.Build(opts...)
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", mode, err)
	}
	return logger, nil
}
