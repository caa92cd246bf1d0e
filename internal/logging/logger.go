// Package logging provides the shared logger used by all internal packages.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	L *zap.Logger        = zap.NewNop()
	S *zap.SugaredLogger = L.Sugar()
)

// Initialize builds a logger at the given verbosity: 0 is info, 1 debug.
// A console encoder is used on a terminal and JSON otherwise.
func Initialize(v int) *zap.Logger {
	atom := zap.NewAtomicLevelAt(zapcore.Level(-v))

	var encoder zapcore.Encoder
	if term.IsTerminal(int(os.Stderr.Fd())) {
		encoder = zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			MessageKey: "message",

			LevelKey:    "level",
			EncodeLevel: zapcore.CapitalColorLevelEncoder,

			TimeKey:    "time",
			EncodeTime: zapcore.ISO8601TimeEncoder,

			CallerKey:    "caller",
			EncodeCaller: zapcore.ShortCallerEncoder,
		})
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), atom), zap.AddCaller())
}

// SetLogger replaces the package loggers.
func SetLogger(l *zap.Logger) {
	L = l
	S = l.Sugar()
}

func Debugf(format string, args ...interface{}) { S.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { S.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { S.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { S.Errorf(format, args...) }
