package utilities

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// shared by every logger handed out by NewLogger, so one flag controls the whole process
var level = zap.NewAtomicLevelAt(zap.InfoLevel)

var root = newRoot()

func newRoot() *zap.Logger {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.Lock(os.Stderr), // stdout is reserved for response bodies
		level,
	)
	return zap.New(core, zap.AddCaller())
}

// NewLogger returns a named logger that prefixes every line with the caller's file and line number.
func NewLogger(name string) *zap.SugaredLogger {
	return root.Named(name).Sugar()
}

// SetLogLevel changes the level of every logger created by NewLogger.
func SetLogLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return fmt.Errorf("unknown log level %q", name)
	}
	level.SetLevel(l)
	return nil
}

// Sync flushes buffered log entries, call it before the process exits
func Sync() {
	_ = root.Sync()
}
