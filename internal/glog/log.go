// Package glog wraps a *zap.SugaredLogger behind the small surface the
// reactor core actually calls, so call sites read the way the original
// muduo LOG_INFO/LOG_ERROR/LOG_FATAL macros do.
package glog

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.SugaredLogger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	logger.Store(l.Sugar())
}

// SetLogger replaces the package logger, e.g. with a zaptest logger in tests.
func SetLogger(l *zap.Logger) {
	logger.Store(l.Sugar())
}

func Debugf(format string, args ...interface{}) {
	logger.Load().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	logger.Load().Infof(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Load().Errorf(format, args...)
}

// Fatalf logs at fatal level and terminates the process, mirroring
// LOG_FATAL in the source: a kernel/registration divergence or a
// programmer contract violation (wrong-thread access, duplicate
// EventLoop per thread) is not recoverable in-process.
func Fatalf(format string, args ...interface{}) {
	logger.Load().Fatalf(format, args...)
}
