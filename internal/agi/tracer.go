package agi

import (
	"log/slog"
	"strings"
	"sync/atomic"
)

// TraceVerbosity controls how much of each command round trip is logged.
type TraceVerbosity int32

const (
	// TraceOff disables command tracing.
	TraceOff TraceVerbosity = iota
	// TraceCommands logs the command text and reply code.
	TraceCommands
	// TraceFull also logs the reply result and data.
	TraceFull
)

// ParseTraceVerbosity converts a string setting to a TraceVerbosity value.
func ParseTraceVerbosity(s string) TraceVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "commands":
		return TraceCommands
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

// String returns the string representation of the verbosity level.
func (v TraceVerbosity) String() string {
	switch v {
	case TraceCommands:
		return "commands"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// Tracer logs AGI command round trips at a configurable verbosity. It is
// safe to share between connections; the verbosity can be changed at
// runtime.
type Tracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewTracer creates a new command tracer.
func NewTracer(logger *slog.Logger, verbosity TraceVerbosity) *Tracer {
	t := &Tracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity changes the tracing level.
func (t *Tracer) SetVerbosity(v TraceVerbosity) {
	t.verbosity.Store(int32(v))
}

// Verbosity returns the current tracing level.
func (t *Tracer) Verbosity() TraceVerbosity {
	return TraceVerbosity(t.verbosity.Load())
}

// Trace logs one completed round trip. A nil Tracer is a no-op.
func (t *Tracer) Trace(remote, command string, code int, result, data string) {
	if t == nil {
		return
	}
	switch t.Verbosity() {
	case TraceCommands:
		t.logger.Info("agi command",
			"remote", remote,
			"command", command,
			"code", code,
		)
	case TraceFull:
		t.logger.Info("agi command",
			"remote", remote,
			"command", command,
			"code", code,
			"result", result,
			"data", data,
		)
	}
}
