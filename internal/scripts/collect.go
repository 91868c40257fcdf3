package scripts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/flowpbx/fastagi/internal/agi"
)

// Collect defaults, used when the request leaves an argument out or sets
// it to something unparsable.
const (
	defaultCollectPrompt   = "beep"
	defaultCollectTimeout  = 5 * time.Second
	defaultCollectMax      = 4
	defaultCollectVariable = "COLLECTED_DIGITS"
	maxCollectDigits       = 32
)

// ErrCollectFailed is returned when GET DATA reports a channel failure.
var ErrCollectFailed = errors.New("digit collection failed")

// CollectHandler answers the call, plays a prompt while collecting DTMF
// digits, stores them in a channel variable, reads them back to the caller
// and hangs up.
//
// Query arguments: prompt (sound file), timeout (ms), max (digits) and
// var (channel variable name).
type CollectHandler struct {
	logger *slog.Logger
}

// NewCollectHandler creates a new CollectHandler.
func NewCollectHandler(logger *slog.Logger) *CollectHandler {
	return &CollectHandler{logger: logger.With("handler", "collect")}
}

// ServeAGI implements agi.Handler.
func (h *CollectHandler) ServeAGI(ctx context.Context, s *agi.Session) error {
	prompt := s.Args.Get("prompt")
	if prompt == "" {
		prompt = defaultCollectPrompt
	}
	timeout := defaultCollectTimeout
	if ms, err := strconv.Atoi(s.Args.Get("timeout")); err == nil && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	maxDigits := defaultCollectMax
	if n, err := strconv.Atoi(s.Args.Get("max")); err == nil && n > 0 && n <= maxCollectDigits {
		maxDigits = n
	}
	variable := s.Args.Get("var")
	if variable == "" {
		variable = defaultCollectVariable
	}

	if _, err := s.Channel.Answer(ctx); err != nil {
		return fmt.Errorf("answering: %w", err)
	}

	res, err := s.Channel.GetData(ctx, prompt, timeout, maxDigits)
	if err != nil {
		return hangup(ctx, s, fmt.Errorf("collecting digits: %w", err))
	}
	digits := res.Result
	if digits == "-1" {
		return hangup(ctx, s, ErrCollectFailed)
	}

	if _, err := s.Channel.SetVariable(ctx, variable, digits); err != nil {
		return hangup(ctx, s, fmt.Errorf("setting %s: %w", variable, err))
	}

	h.logger.Info("digits collected",
		"session_id", s.ID,
		"digits", len(digits),
		"timed_out", res.Data == "timeout",
	)

	if digits != "" {
		if _, err := s.Channel.SayDigits(ctx, digits, ""); err != nil {
			return hangup(ctx, s, fmt.Errorf("reading back digits: %w", err))
		}
	}
	return hangup(ctx, s, nil)
}

var _ agi.Handler = (*CollectHandler)(nil)
