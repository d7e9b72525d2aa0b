// Package logger builds the zap.SugaredLogger fpindex's engine and
// background workers log through, mirroring the construction style
// ignite's pkg/logger is referenced with (a named logger per
// subsystem, JSON in production).
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a SugaredLogger tagged with name, suitable for passing
// to options.WithLogger.
func New(name string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := cfg.Build()
	if err != nil {
		// Building the production config should never fail; fall back
		// to a nop logger rather than panicking an embedding caller.
		return zap.NewNop().Sugar().Named(name)
	}

	return log.Sugar().Named(name)
}

// Nop returns a logger that discards everything, the same kind of
// logger pkg/options installs by default when the caller supplies
// none.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
