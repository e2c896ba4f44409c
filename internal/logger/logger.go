package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects encoders and sinks. The zero value logs info and above to
// stderr in console format.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // optional rotated JSON log file
	// Output overrides stderr; used by tests.
	Output io.Writer
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.MessageKey = "message"
	cfg.LevelKey = "level"
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

// ParseLevel accepts the usual level names; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zap.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return lvl, fmt.Errorf("invalid log level %q", s)
	}
	return lvl, nil
}

// New builds the process logger. When File is set a second JSON core writes
// to a lumberjack-rotated file.
func New(opts Options) (*zap.Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	switch strings.ToLower(opts.Format) {
	case "", "console":
		dev := zap.NewDevelopmentEncoderConfig()
		dev.TimeKey = ""
		enc = zapcore.NewConsoleEncoder(dev)
	case "json":
		enc = zapcore.NewJSONEncoder(encoderConfig())
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var out zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if opts.Output != nil {
		out = zapcore.AddSync(opts.Output)
	}
	cores := []zapcore.Core{zapcore.NewCore(enc, out, lvl)}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(rotator), lvl))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
