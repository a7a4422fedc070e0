// Package log provides the logging abstraction shared by all gradeflow
// components. Components accept a Logger and never log through a global.
package log

import "fmt"

// Level represents logging severity.
type Level int

const (
	// LevelDebug for detailed debugging information
	LevelDebug Level = iota
	// LevelInfo for general informational messages
	LevelInfo
	// LevelWarn for warning messages
	LevelWarn
	// LevelError for error messages
	LevelError
	// LevelNone disables all logging
	LevelNone
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelNone:
		return "NONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", l)
	}
}

// ParseLevel maps a level name to a Level. Unknown names default to Info.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "none", "disable", "disabled":
		return LevelNone
	default:
		return LevelInfo
	}
}

// Logger is the printf-style logging interface used across the module.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// Nop is a Logger that discards everything. Useful in tests.
type Nop struct{}

// Debug does nothing
func (Nop) Debug(format string, v ...any) {}

// Info does nothing
func (Nop) Info(format string, v ...any) {}

// Warn does nothing
func (Nop) Warn(format string, v ...any) {}

// Error does nothing
func (Nop) Error(format string, v ...any) {}
