// Package log provides the single tracing sink used throughout lzcore.
//
// It wraps zap so that every component logs through one narrow interface,
// which keeps diagnostic trace entirely out of the trust boundary: nothing
// in the boot-decision path ever inspects a log call's return value or
// branches on it.
package log

import "go.uber.org/zap/zapcore"

// Interface wraps the logging calls components need. Built on top of a
// zap.Logger so unit tests can substitute a zaptest/observer core and
// assert on emitted records without coupling to a global logger.
type Interface interface {
	Debug(msg string, fields ...zapcore.Field)
	Debugf(template string, args ...interface{})
	Info(msg string, fields ...zapcore.Field)
	Infof(template string, args ...interface{})
	Warn(msg string, fields ...zapcore.Field)
	Warnf(template string, args ...interface{})
	Error(msg string, fields ...zapcore.Field)
	Errorf(template string, args ...interface{})
	Fatal(msg string, fields ...zapcore.Field)
	Fatalf(template string, args ...interface{})
	Sync() error
}
