// Package logging provides the single process-wide structured logger
// used by every component. Callers inject a logger at process start;
// components never reach for a bare global logging library call.
package logging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var current atomic.Pointer[zap.Logger]
var once sync.Once

func defaultLogger() *zap.Logger {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	return l
}

// L returns the process-wide logger, lazily constructing a production
// logger on first use if SetLogger was never called.
func L() *zap.Logger {
	once.Do(func() {
		if current.Load() == nil {
			current.Store(defaultLogger())
		}
	})
	return current.Load()
}

// SetLogger installs l as the process-wide logger. Call once during
// application startup, before any component begins work.
func SetLogger(l *zap.Logger) {
	once.Do(func() {})
	current.Store(l)
}

// Nop returns a logger that discards everything, for use in tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
