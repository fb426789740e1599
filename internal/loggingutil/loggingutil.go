// Package loggingutil holds small pslog helpers shared by the lock packages.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the structured field carrying the dotted subsystem path.
const SubsystemKey = "sys"

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// Subsystem joins non-empty parts into a dot-delimited subsystem path.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through the returned logger with
// the subsystem path.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
