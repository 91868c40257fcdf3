package agi

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"
)

// Default arguments applied when the caller leaves them empty.
const (
	defaultDateTimeFormat = "ABdYIMp"
	defaultVerboseLevel   = 3
)

// Channel is one active AGI session. It owns no connection state of its
// own: every operation formats a command line and delegates to the shared
// Transport.
type Channel struct {
	transport Transport
	params    map[string]string
	logger    *slog.Logger
	commands  atomic.Int64
	createdAt time.Time
}

// NewChannel creates a Channel bound to the given transport. params holds
// the session parameters (the AGI environment) and is passed through
// unchanged.
func NewChannel(transport Transport, params map[string]string, logger *slog.Logger) *Channel {
	if params == nil {
		params = make(map[string]string)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		transport: transport,
		params:    params,
		logger:    logger,
		createdAt: time.Now(),
	}
}

// Params returns the session parameters supplied at construction.
func (c *Channel) Params() map[string]string {
	return c.params
}

// Param returns a single session parameter, or "" if absent.
func (c *Channel) Param(key string) string {
	return c.params[key]
}

// CommandCount returns the number of commands issued on this channel.
func (c *Channel) CommandCount() int64 {
	return c.commands.Load()
}

// CreatedAt returns when the channel was constructed.
func (c *Channel) CreatedAt() time.Time {
	return c.createdAt
}

// On forwards the named transport event to handler.
func (c *Channel) On(event string, handler EventHandler) {
	c.transport.On(event, handler)
}

// Close releases the transport. No further commands should be issued.
func (c *Channel) Close() error {
	return c.transport.Close()
}

// Answer answers the channel.
func (c *Channel) Answer(ctx context.Context) (*CommandResult, error) {
	return c.Command(ctx, "ANSWER")
}

// Hangup hangs up the channel.
func (c *Channel) Hangup(ctx context.Context) (*CommandResult, error) {
	return c.Command(ctx, "HANGUP")
}

// Status requests the channel state.
func (c *Channel) Status(ctx context.Context) (*CommandResult, error) {
	return c.Command(ctx, "CHANNEL STATUS")
}

// SayAlpha spells out text character by character.
func (c *Channel) SayAlpha(ctx context.Context, text, escapeDigits string) (*CommandResult, error) {
	return c.Command(ctx, "SAY ALPHA "+quoteArgs(text, escapeDigits))
}

// SayDate says the date of the given unix time.
func (c *Channel) SayDate(ctx context.Context, unixTime, escapeDigits string) (*CommandResult, error) {
	return c.Command(ctx, "SAY DATE "+quoteArgs(unixTime, escapeDigits))
}

// SayDateTime says the given unix time using format (ABdYIMp when empty)
// in timeZone.
func (c *Channel) SayDateTime(ctx context.Context, unixTime, escapeDigits, format, timeZone string) (*CommandResult, error) {
	if format == "" {
		format = defaultDateTimeFormat
	}
	return c.Command(ctx, "SAY DATETIME "+quoteArgs(unixTime, escapeDigits, format, timeZone))
}

// SayDigits says number digit by digit.
func (c *Channel) SayDigits(ctx context.Context, number, escapeDigits string) (*CommandResult, error) {
	return c.Command(ctx, "SAY DIGITS "+quoteArgs(number, escapeDigits))
}

// SayNumber says number as a whole number.
func (c *Channel) SayNumber(ctx context.Context, number, escapeDigits, gender string) (*CommandResult, error) {
	return c.Command(ctx, "SAY NUMBER "+quoteArgs(number, escapeDigits, gender))
}

// SayTime says the time of the given unix time.
func (c *Channel) SayTime(ctx context.Context, unixTime, escapeDigits string) (*CommandResult, error) {
	return c.Command(ctx, "SAY TIME "+quoteArgs(unixTime, escapeDigits))
}

// GetData plays prompt and collects up to maxDigits DTMF digits. The
// timeout is enforced by Asterisk, not locally.
func (c *Channel) GetData(ctx context.Context, prompt string, timeout time.Duration, maxDigits int) (*CommandResult, error) {
	return c.Command(ctx, "GET DATA "+quoteArgs(prompt, millis(timeout), strconv.Itoa(maxDigits)))
}

// PlayFile streams prompt, interruptible by escapeDigits.
func (c *Channel) PlayFile(ctx context.Context, prompt, escapeDigits string) (*CommandResult, error) {
	return c.Command(ctx, "STREAM FILE "+quoteArgs(prompt, escapeDigits))
}

// SetVariable sets a channel variable.
func (c *Channel) SetVariable(ctx context.Context, name, value string) (*CommandResult, error) {
	return c.Command(ctx, "SET VARIABLE "+quoteArgs(name, value))
}

// GetVariable reads a channel variable. The value is in Data; an unset
// variable yields an empty Data.
func (c *Channel) GetVariable(ctx context.Context, name string) (*CommandResult, error) {
	return c.Command(ctx, "GET VARIABLE "+quoteArgs(name))
}

// Exec runs a dialplan application with options.
func (c *Channel) Exec(ctx context.Context, application, options string) (*CommandResult, error) {
	return c.Command(ctx, "EXEC "+quoteArgs(application, options))
}

// Verbose logs message on the Asterisk console at level (3 when zero).
func (c *Channel) Verbose(ctx context.Context, message string, level int) (*CommandResult, error) {
	if level == 0 {
		level = defaultVerboseLevel
	}
	return c.Command(ctx, "VERBOSE "+quoteArgs(message, strconv.Itoa(level)))
}

// WaitDigit waits up to timeout for a single DTMF digit.
func (c *Channel) WaitDigit(ctx context.Context, timeout time.Duration) (*CommandResult, error) {
	return c.Command(ctx, "WAIT FOR DIGIT "+quoteArgs(millis(timeout)))
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}
