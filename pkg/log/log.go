// Copyright 2024 The Systrace Authors.
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

// Package log provides a small leveled logger used throughout the
// supervisor. The leveled logger itself uses only the standard
// library: every hot path in this module may log from inside a seccomp
// handler or a signal-adjacent code path, so the logger stays
// allocation-light and synchronous. Limiter (ratelimit.go) is the one
// part built on a third-party package, golang.org/x/time/rate.
package log

import (
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"
)

// Level is a log verbosity level.
type Level int32

const (
	// Warning is for conditions that don't stop execution but are
	// unexpected.
	Warning Level = iota
	// Info is for high level information about what the supervisor is
	// doing.
	Info
	// Debug is for detailed diagnostics, including register and memory
	// dumps.
	Debug
)

// current is the active log level, adjustable at runtime via SetLevel.
var current = int32(Info)

// SetLevel changes the active log level.
func SetLevel(l Level) {
	atomic.StoreInt32(&current, int32(l))
}

// FromString maps the SYSTOOL_LOG environment variable's values
// (error|warn|info|debug|trace) to the integer levels 1..5; the result
// is not a Level, and callers map it onto one. ok is false for any
// other string.
func FromString(s string) (lvl int, ok bool) {
	switch s {
	case "error":
		return 1, true
	case "warn":
		return 2, true
	case "info":
		return 3, true
	case "debug":
		return 4, true
	case "trace":
		return 5, true
	default:
		return 0, false
	}
}

func enabled(l Level) bool {
	return atomic.LoadInt32(&current) >= int32(l)
}

func emit(l Level, depth int, format string, v ...any) {
	if !enabled(l) {
		return
	}
	prefix := levelPrefix(l)
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file, line = "???", 0
	} else {
		file = trimPath(file)
	}
	ts := time.Now().Format("15:04:05.000000")
	msg := fmt.Sprintf(format, v...)
	fmt.Fprintf(os.Stderr, "%s %s %s:%d] %s\n", ts, prefix, file, line, msg)
}

func levelPrefix(l Level) string {
	switch l {
	case Warning:
		return "W"
	case Info:
		return "I"
	case Debug:
		return "D"
	default:
		return "?"
	}
}

func trimPath(p string) string {
	slash := -1
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			slash = i
			break
		}
	}
	if slash < 0 {
		return p
	}
	return p[slash+1:]
}

// Warningf logs at Warning level.
func Warningf(format string, v ...any) { emit(Warning, 1, format, v...) }

// Infof logs at Info level.
func Infof(format string, v ...any) { emit(Info, 1, format, v...) }

// Debugf logs at Debug level.
func Debugf(format string, v ...any) { emit(Debug, 1, format, v...) }

// DebugfAtDepth logs at Debug level, attributing the call site `depth`
// frames above the caller. Used by types that wrap their own logging
// helper (e.g. a per-thread Debugf) so the reported file:line points at
// the real caller instead of the wrapper.
func DebugfAtDepth(depth int, format string, v ...any) {
	emit(Debug, depth+1, format, v...)
}
