// Package cliconfig holds small cobra/pflag helpers shared by the
// policy-server command, namely the custom --loglevel flag value.
package cliconfig

import (
	"fmt"
	"log/slog"
)

var supportedLevels = [4]string{"debug", "info", "warn", "error"}

// LogLevel is a pflag.Value wrapping a log/slog level, the same shape as
// the teacher's zerolog-backed Level type, targeting slog instead since
// that is what this repository's request-path code logs with.
type LogLevel struct {
	value string
}

func (l *LogLevel) String() string {
	if l.value == "" {
		return "info"
	}
	return l.value
}

func (l *LogLevel) Set(value string) error {
	for _, supported := range supportedLevels {
		if value == supported {
			l.value = value
			return nil
		}
	}
	return fmt.Errorf("supported values: %v", supportedLevels)
}

func (l *LogLevel) Type() string {
	return "string"
}

// SlogLevel maps the flag's value to a slog.Level, defaulting to Info for
// an unset flag.
func (l *LogLevel) SlogLevel() slog.Level {
	switch l.String() {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
