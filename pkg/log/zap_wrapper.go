package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapWrapper struct {
	l *zap.Logger
	s *zap.SugaredLogger
}

var _ Interface = &zapWrapper{}

// NewZapWrappedLogger adapts a *zap.Logger to Interface.
func NewZapWrappedLogger(l *zap.Logger) Interface {
	wrapped := l.WithOptions(zap.AddCallerSkip(1))
	return &zapWrapper{l: wrapped, s: wrapped.Sugar()}
}

func (w *zapWrapper) Debug(msg string, fields ...zapcore.Field)  { w.l.Debug(msg, fields...) }
func (w *zapWrapper) Debugf(t string, args ...interface{})       { w.s.Debugf(t, args...) }
func (w *zapWrapper) Info(msg string, fields ...zapcore.Field)   { w.l.Info(msg, fields...) }
func (w *zapWrapper) Infof(t string, args ...interface{})        { w.s.Infof(t, args...) }
func (w *zapWrapper) Warn(msg string, fields ...zapcore.Field)   { w.l.Warn(msg, fields...) }
func (w *zapWrapper) Warnf(t string, args ...interface{})        { w.s.Warnf(t, args...) }
func (w *zapWrapper) Error(msg string, fields ...zapcore.Field)  { w.l.Error(msg, fields...) }
func (w *zapWrapper) Errorf(t string, args ...interface{})       { w.s.Errorf(t, args...) }
func (w *zapWrapper) Fatal(msg string, fields ...zapcore.Field)  { w.l.Fatal(msg, fields...) }
func (w *zapWrapper) Fatalf(t string, args ...interface{})       { w.s.Fatalf(t, args...) }
func (w *zapWrapper) Sync() error                                { return w.l.Sync() }
