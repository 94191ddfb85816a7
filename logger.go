// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Process-wide logger hook. The library stays silent by default; a host
// program may install its own backend once at startup. The registry is
// init-on-first-use and is never torn down except at program exit.

package mvlc

import "sync/atomic"

// Logger is the minimal surface the library logs through.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Infof(string, ...interface{})  {}
func (noopLogger) Warnf(string, ...interface{})  {}
func (noopLogger) Errorf(string, ...interface{}) {}

var currentLogger atomic.Value

func init() {
	currentLogger.Store(Logger(noopLogger{}))
}

// SetLogger installs the process-wide logger backend.
func SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	currentLogger.Store(l)
}

// GetLogger returns the currently installed logger.
func GetLogger() Logger {
	return currentLogger.Load().(Logger)
}
