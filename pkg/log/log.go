// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements a leveled logging package, used by the rest of
// this module the way gVisor's own pkg/log is used throughout the
// sentry: a small Level/Emitter/Logger vocabulary instead of the standard
// library's unstructured log.Logger, so that every invariant violation or
// EDMM state transition is tagged with a severity a caller can filter on.
package log

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a single log message. Lower is more severe;
// a Logger configured at a given Level logs that level and everything
// below it.
type Level int

const (
	// Warning indicates a condition that a caller should know about but
	// that does not prevent the requested operation from completing.
	Warning Level = iota
	// Info is routine operational detail.
	Info
	// Debug is fine-grained detail, off by default.
	Debug
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Emitter is the interface to a destination for log messages. Every
// Logger is ultimately backed by one Emitter.
type Emitter interface {
	// Emit writes a single log message at the given level and timestamp.
	// depth is the number of additional stack frames between the Logger
	// method the caller invoked (Debugf, Infof, ...) and Emit itself,
	// used by emitters that record the call site.
	Emit(depth int, level Level, timestamp time.Time, format string, v ...any)
}

// Logger is the interface callers use to emit log messages. BasicLogger
// is the standard implementation; the Logger returned by
// RateLimitedLogger wraps another Logger to throttle it.
type Logger interface {
	Debugf(format string, v ...any)
	Infof(format string, v ...any)
	Warningf(format string, v ...any)

	// IsLogging returns whether a message at the given level would
	// actually be emitted, so that callers can skip expensive argument
	// construction when it would not.
	IsLogging(level Level) bool
}

// BasicLogger is the standard Logger implementation: a configured Level
// paired with an Emitter.
type BasicLogger struct {
	Level
	Emitter
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return l.Level >= level
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(1, Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(1, Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(1, Warning, time.Now(), format, v...)
	}
}

// Writer wraps an io.Writer, dropping writes that fail instead of
// returning the error to a logging call site that has nowhere useful to
// report it, and surfacing how many messages were dropped the next time
// a write to Next succeeds.
type Writer struct {
	// Next is the underlying writer.
	Next interface {
		Write(p []byte) (int, error)
	}

	mu      sync.Mutex
	dropped int
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dropped > 0 {
		notice := fmt.Sprintf("\n*** Dropped %d log messages ***\n", w.dropped)
		if _, err := w.Next.Write([]byte(notice)); err != nil {
			w.dropped++
			return 0, err
		}
		w.dropped = 0
	}

	n, err := w.Next.Write(p)
	if err != nil {
		w.dropped++
		return 0, err
	}
	return n, nil
}

var target atomic.Value // Logger

func init() {
	target.Store(Logger(&BasicLogger{Level: Info, Emitter: JSONEmitter{Writer: &Writer{Next: os.Stderr}}}))
}

// Log returns the current global Logger.
func Log() Logger {
	return target.Load().(Logger)
}

// SetTarget replaces the global Logger that the package-level Debugf,
// Infof and Warningf write through.
func SetTarget(logger Logger) {
	target.Store(logger)
}

// Debugf logs to the global Logger at Debug level.
func Debugf(format string, v ...any) { Log().Debugf(format, v...) }

// Infof logs to the global Logger at Info level.
func Infof(format string, v ...any) { Log().Infof(format, v...) }

// Warningf logs to the global Logger at Warning level.
func Warningf(format string, v ...any) { Log().Warningf(format, v...) }

// IsLogging reports whether the global Logger would emit level.
func IsLogging(level Level) bool { return Log().IsLogging(level) }
