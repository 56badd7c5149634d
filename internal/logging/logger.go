package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options tune the daemon logger.
type Options struct {
	Session  string
	Identity string
	Level    zapcore.Level
	// Console mirrors the log to stderr in a human-readable form.
	Console bool
}

// New creates a zap logger that writes JSON to logPath and, when asked,
// mirrors to stderr. Session, identity and PID are attached to every entry.
func New(logPath string, opts Options) (*zap.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), opts.Level),
	}
	if opts.Console {
		consoleCfg := encoderCfg
		consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), opts.Level))
	}

	fields := []zap.Field{
		zap.String("session", opts.Session),
		zap.Int("pid", os.Getpid()),
	}
	if opts.Identity != "" {
		fields = append(fields, zap.String("identity", opts.Identity))
	}

	return zap.New(zapcore.NewTee(cores...), zap.Fields(fields...)), nil
}

// ParseLevel maps a flag value to a level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}
