package agi

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StatusOK is the only reply code treated as a successful dispatch.
const StatusOK = 200

// ErrLineBreak is returned for command text containing CR or LF. AGI is
// line framed, so such text would reach Asterisk as several commands.
var ErrLineBreak = errors.New("agi command contains a line break")

// CommandResult is the outcome of one command round trip.
type CommandResult struct {
	StatusCode int
	Result     string
	Data       string
}

// StatusError is returned when a command's reply code is not 200. It
// carries only the raw code.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agi status %d", e.Code)
}

// Command sends one command line and waits for its reply. A reply code
// other than 200 is returned as a *StatusError. Cancelling ctx stops the
// wait only; the command has already been handed to the transport and the
// remote side still executes it. Text containing CR or LF is rejected with
// ErrLineBreak without being sent.
func (c *Channel) Command(ctx context.Context, text string) (*CommandResult, error) {
	if strings.ContainsAny(text, "\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrLineBreak, text)
	}

	done := make(chan CommandResult, 1)

	c.commands.Add(1)
	c.transport.Command(text, func(code int, result, data string) {
		done <- CommandResult{StatusCode: code, Result: result, Data: data}
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.StatusCode != StatusOK {
			return nil, &StatusError{Code: res.StatusCode}
		}
		return &res, nil
	}
}

// quoteArgs renders each argument inside double quotes, escaping embedded
// quotes and backslashes so an argument cannot close its own quotes.
func quoteArgs(args ...string) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteByte('"')
		b.WriteString(argEscaper.Replace(a))
		b.WriteByte('"')
	}
	return b.String()
}

var argEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
