// Package logger builds the zap loggers used by every TalonWatch role.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(logLevel string) zapcore.Level {
	switch logLevel {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

// NewLogger returns a JSON logger writing to stderr and, when non-nil, to fileSyncer.
func NewLogger(logLevel string, fileSyncer zapcore.WriteSyncer) *zap.Logger {
	encodeConfig := zap.NewProductionConfig()
	encodeConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encodeConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encodeConfig.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	sink := zapcore.AddSync(os.Stderr)
	if fileSyncer != nil {
		sink = zapcore.NewMultiWriteSyncer(fileSyncer, sink)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encodeConfig.EncoderConfig), sink, ParseLevel(logLevel))
	return zap.New(core, zap.AddCaller())
}
