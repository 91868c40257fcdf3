package agi

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrScriptNotFound is returned when no handler is registered for the
// requested script.
var ErrScriptNotFound = errors.New("no handler registered for script")

// Session is one FastAGI request being served: the channel plus the script
// and arguments Asterisk asked for.
type Session struct {
	// ID uniquely identifies the session in logs and the session store.
	ID string

	// Script is the requested script name, e.g. "playback" for
	// agi://host/playback?audio=welcome.
	Script string

	// Args holds the query arguments of the request URL.
	Args url.Values

	// RemoteAddr is the Asterisk peer address.
	RemoteAddr string

	// Channel issues commands on the call.
	Channel *Channel

	// Logger carries session_id and script fields.
	Logger *slog.Logger

	// StartedAt is when the session was accepted.
	StartedAt time.Time
}

// Arg returns the n-th positional AGI argument (agi_arg_n, 1-based).
func (s *Session) Arg(n int) string {
	return s.Channel.Param("agi_arg_" + strconv.Itoa(n))
}

// Handler serves one AGI session. Returning an error marks the session
// failed; the channel is closed by the server either way.
type Handler interface {
	ServeAGI(ctx context.Context, s *Session) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, s *Session) error

// ServeAGI calls f(ctx, s).
func (f HandlerFunc) ServeAGI(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// Mux routes sessions to handlers by script name.
type Mux struct {
	handlers map[string]Handler
}

// NewMux creates an empty script router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers handler for script.
func (m *Mux) Handle(script string, handler Handler) {
	m.handlers[strings.Trim(script, "/")] = handler
}

// HandleFunc registers fn for script.
func (m *Mux) HandleFunc(script string, fn func(ctx context.Context, s *Session) error) {
	m.Handle(script, HandlerFunc(fn))
}

// Scripts returns the registered script names.
func (m *Mux) Scripts() []string {
	names := make([]string, 0, len(m.handlers))
	for name := range m.handlers {
		names = append(names, name)
	}
	return names
}

// ServeAGI dispatches s to the handler registered for s.Script.
func (m *Mux) ServeAGI(ctx context.Context, s *Session) error {
	h, ok := m.handlers[s.Script]
	if !ok {
		return ErrScriptNotFound
	}
	return h.ServeAGI(ctx, s)
}

// parseScript extracts the script name and query arguments from the AGI
// environment. agi_request carries the full URL for FastAGI; plain AGI
// only has agi_network_script or agi_request as a file path.
func parseScript(env map[string]string) (string, url.Values) {
	raw := env["agi_network_script"]
	if req := env["agi_request"]; strings.HasPrefix(req, "agi://") || strings.HasPrefix(req, "agis://") {
		if u, err := url.Parse(req); err == nil {
			return strings.Trim(u.Path, "/"), u.Query()
		}
	}
	if raw == "" {
		raw = env["agi_request"]
	}

	path, query, _ := strings.Cut(raw, "?")
	args, err := url.ParseQuery(query)
	if err != nil {
		args = url.Values{}
	}
	return strings.Trim(path, "/"), args
}

var _ Handler = (*Mux)(nil)
