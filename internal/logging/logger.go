// Package logging builds the structured logger shared by every component of a run.
//
// Console output is human-oriented and goes to stderr so it never mixes with the
// title menu or progress lines on stdout. When a log file is configured, a JSON
// core writes the same entries to a size-rotated file.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// LogFile enables the rotated JSON file core when non-empty.
	LogFile string
	// Verbose lowers the console level to debug.
	Verbose bool
	// Console overrides the console writer (defaults to os.Stderr).
	Console io.Writer
}

// New returns a logger and a cleanup function that flushes and closes the file core.
func New(opts Options) (*zap.Logger, func() error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	consoleLevel := zapcore.InfoLevel
	if opts.Verbose {
		consoleLevel = zapcore.DebugLevel
	}

	consoleConfig := zap.NewDevelopmentEncoderConfig()
	consoleConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(console), consoleLevel),
	}

	var rotator *lumberjack.Logger
	if opts.LogFile != "" {
		rotator = &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}

		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.TimeKey = "timestamp"
		fileConfig.MessageKey = "message"
		fileConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		fileConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(rotator), zapcore.DebugLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	cleanup := func() error {
		_ = logger.Sync()
		if rotator != nil {
			return rotator.Close()
		}
		return nil
	}
	return logger, cleanup
}
