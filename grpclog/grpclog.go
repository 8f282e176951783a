// Package grpclog defines the logging interface used across the
// transport. The default implementation is backed by go.uber.org/zap.
package grpclog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger mirrors the small logging surface real workloads expect from a
// transport library: leveled, sparse (lifecycle events only, never on the
// per-message hot path), and safe for concurrent use.
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZap builds a Logger backed by a zap production config writing to
// stderr, suitable as the package default.
func NewZap() Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.Lock(os.Stderr), zap.InfoLevel)
	l := zap.New(core, zap.AddCallerSkip(1))
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Info(args ...interface{})                 { z.s.Info(args...) }
func (z *zapLogger) Infof(format string, args ...interface{})  { z.s.Infof(format, args...) }
func (z *zapLogger) Warning(args ...interface{})               { z.s.Warn(args...) }
func (z *zapLogger) Warningf(f string, args ...interface{})    { z.s.Warnf(f, args...) }
func (z *zapLogger) Error(args ...interface{})                 { z.s.Error(args...) }
func (z *zapLogger) Errorf(format string, args ...interface{}) { z.s.Errorf(format, args...) }

var logger Logger = NewZap()

// SetLogger replaces the package-level logger. Intended to be called once
// at process start (e.g. to route logs into an application's own zap
// core); not safe to call concurrently with logging calls.
func SetLogger(l Logger) { logger = l }

// Component returns a Logger tagged with a component name prefix, mirroring
// the grpclog.Component convention real grpc-go uses to namespace its
// internal logs (transport, balancer, etc). Each call goes to the
// package-level logger current at that moment, so SetLogger also reaches
// components created earlier.
func Component(name string) Logger {
	return &prefixed{name: name}
}

type prefixed struct {
	name string
}

func (p *prefixed) Info(args ...interface{})    { logger.Info(append([]interface{}{"[" + p.name + "]"}, args...)...) }
func (p *prefixed) Infof(f string, a ...interface{}) {
	logger.Infof("[%s] "+f, append([]interface{}{p.name}, a...)...)
}
func (p *prefixed) Warning(args ...interface{}) {
	logger.Warning(append([]interface{}{"[" + p.name + "]"}, args...)...)
}
func (p *prefixed) Warningf(f string, a ...interface{}) {
	logger.Warningf("[%s] "+f, append([]interface{}{p.name}, a...)...)
}
func (p *prefixed) Error(args ...interface{}) {
	logger.Error(append([]interface{}{"[" + p.name + "]"}, args...)...)
}
func (p *prefixed) Errorf(f string, a ...interface{}) {
	logger.Errorf("[%s] "+f, append([]interface{}{p.name}, a...)...)
}

// Info logs via the package-level logger.
func Info(args ...interface{}) { logger.Info(args...) }

// Infof logs via the package-level logger.
func Infof(format string, args ...interface{}) { logger.Infof(format, args...) }

// Warning logs via the package-level logger.
func Warning(args ...interface{}) { logger.Warning(args...) }

// Warningf logs via the package-level logger.
func Warningf(format string, args ...interface{}) { logger.Warningf(format, args...) }

// Error logs via the package-level logger.
func Error(args ...interface{}) { logger.Error(args...) }

// Errorf logs via the package-level logger.
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }
