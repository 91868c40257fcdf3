package agi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockTransport records command lines and completes them with a fixed or
// per-command reply. With hold set, commands are never completed.
type mockTransport struct {
	mu       sync.Mutex
	commands []string
	replies  map[string]CommandResult
	fallback CommandResult
	hold     bool
	handlers map[string]EventHandler
	closed   bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		replies:  make(map[string]CommandResult),
		fallback: CommandResult{StatusCode: StatusOK, Result: "0"},
		handlers: make(map[string]EventHandler),
	}
}

func (m *mockTransport) Command(text string, done CompletionFunc) {
	m.mu.Lock()
	m.commands = append(m.commands, text)
	r, ok := m.replies[text]
	if !ok {
		r = m.fallback
	}
	hold := m.hold
	m.mu.Unlock()

	if !hold {
		done(r.StatusCode, r.Result, r.Data)
	}
}

func (m *mockTransport) On(event string, handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = handler
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockTransport) sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func TestChannelCommandLines(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(c *Channel) (*CommandResult, error)
		want string
	}{
		{"answer", func(c *Channel) (*CommandResult, error) { return c.Answer(ctx) }, `ANSWER`},
		{"hangup", func(c *Channel) (*CommandResult, error) { return c.Hangup(ctx) }, `HANGUP`},
		{"status", func(c *Channel) (*CommandResult, error) { return c.Status(ctx) }, `CHANNEL STATUS`},
		{"say alpha", func(c *Channel) (*CommandResult, error) { return c.SayAlpha(ctx, "abc", "#") }, `SAY ALPHA "abc" "#"`},
		{"say date", func(c *Channel) (*CommandResult, error) { return c.SayDate(ctx, "1700000000", "") }, `SAY DATE "1700000000" ""`},
		{"say datetime default format", func(c *Channel) (*CommandResult, error) {
			return c.SayDateTime(ctx, "1700000000", "", "", "UTC")
		}, `SAY DATETIME "1700000000" "" "ABdYIMp" "UTC"`},
		{"say datetime custom format", func(c *Channel) (*CommandResult, error) {
			return c.SayDateTime(ctx, "1700000000", "#", "IMp", "")
		}, `SAY DATETIME "1700000000" "#" "IMp" ""`},
		{"say digits", func(c *Channel) (*CommandResult, error) { return c.SayDigits(ctx, "1234", "") }, `SAY DIGITS "1234" ""`},
		{"say number", func(c *Channel) (*CommandResult, error) { return c.SayNumber(ctx, "42", "", "f") }, `SAY NUMBER "42" "" "f"`},
		{"say time", func(c *Channel) (*CommandResult, error) { return c.SayTime(ctx, "1700000000", "*") }, `SAY TIME "1700000000" "*"`},
		{"get data", func(c *Channel) (*CommandResult, error) {
			return c.GetData(ctx, "beep", 5*time.Second, 4)
		}, `GET DATA "beep" "5000" "4"`},
		{"stream file", func(c *Channel) (*CommandResult, error) { return c.PlayFile(ctx, "hello-world", "") }, `STREAM FILE "hello-world" ""`},
		{"set variable", func(c *Channel) (*CommandResult, error) { return c.SetVariable(ctx, "FOO", "bar") }, `SET VARIABLE "FOO" "bar"`},
		{"get variable", func(c *Channel) (*CommandResult, error) { return c.GetVariable(ctx, "FOO") }, `GET VARIABLE "FOO"`},
		{"exec", func(c *Channel) (*CommandResult, error) { return c.Exec(ctx, "Playback", "vdialer/welcome") }, `EXEC "Playback" "vdialer/welcome"`},
		{"verbose default level", func(c *Channel) (*CommandResult, error) { return c.Verbose(ctx, "hi", 0) }, `VERBOSE "hi" "3"`},
		{"verbose level", func(c *Channel) (*CommandResult, error) { return c.Verbose(ctx, "hi", 1) }, `VERBOSE "hi" "1"`},
		{"wait digit", func(c *Channel) (*CommandResult, error) { return c.WaitDigit(ctx, 1500*time.Millisecond) }, `WAIT FOR DIGIT "1500"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newMockTransport()
			ch := NewChannel(tr, nil, nil)

			if _, err := tt.call(ch); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			sent := tr.sent()
			if len(sent) != 1 {
				t.Fatalf("sent %d commands, want 1", len(sent))
			}
			if sent[0] != tt.want {
				t.Errorf("command = %s, want %s", sent[0], tt.want)
			}
		})
	}
}

func TestCommandResultMapping(t *testing.T) {
	tr := newMockTransport()
	tr.replies[`GET VARIABLE "FOO"`] = CommandResult{StatusCode: 200, Result: "1", Data: "bar"}
	tr.replies[`GET VARIABLE "BROKEN"`] = CommandResult{StatusCode: 500, Result: "boom"}
	tr.replies[`GET VARIABLE "DEAD"`] = CommandResult{StatusCode: 503, Result: "dead channel"}
	ch := NewChannel(tr, nil, nil)
	ctx := context.Background()

	res, err := ch.GetVariable(ctx, "FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.StatusCode != 200 || res.Result != "1" || res.Data != "bar" {
		t.Errorf("result = %+v", res)
	}

	for name, code := range map[string]int{"BROKEN": 500, "DEAD": 503} {
		res, err := ch.GetVariable(ctx, name)
		if res != nil {
			t.Errorf("%s: result = %+v, want nil", name, res)
		}
		var serr *StatusError
		if !errors.As(err, &serr) {
			t.Fatalf("%s: err = %v, want *StatusError", name, err)
		}
		if serr.Code != code {
			t.Errorf("%s: Code = %d, want %d", name, serr.Code, code)
		}
	}

	if got := ch.CommandCount(); got != 3 {
		t.Errorf("CommandCount() = %d, want 3", got)
	}
}

func TestCommandContextCancel(t *testing.T) {
	tr := newMockTransport()
	tr.hold = true
	ch := NewChannel(tr, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Answer(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if sent := tr.sent(); len(sent) != 1 || sent[0] != "ANSWER" {
		t.Errorf("sent = %q, want the command to be handed over", sent)
	}
}

func TestQuoteArgsEscaping(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"plain"}, `"plain"`},
		{[]string{"", ""}, `"" ""`},
		{[]string{`say "hi"`}, `"say \"hi\""`},
		{[]string{`C:\path`}, `"C:\\path"`},
		{[]string{`x" "y`}, `"x\" \"y"`},
	}
	for _, tt := range tests {
		if got := quoteArgs(tt.args...); got != tt.want {
			t.Errorf("quoteArgs(%q) = %s, want %s", tt.args, got, tt.want)
		}
	}
}

func TestCommandRejectsLineBreaks(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		call func(c *Channel) (*CommandResult, error)
	}{
		{"variable value with LF", func(c *Channel) (*CommandResult, error) { return c.SetVariable(ctx, "DIGITS", "1\nHANGUP") }},
		{"variable name with CR", func(c *Channel) (*CommandResult, error) { return c.SetVariable(ctx, "A\r", "1") }},
		{"say alpha with CRLF", func(c *Channel) (*CommandResult, error) { return c.SayAlpha(ctx, "ab\r\ncd", "") }},
		{"raw command", func(c *Channel) (*CommandResult, error) { return c.Command(ctx, "ANSWER\nHANGUP") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newMockTransport()
			ch := NewChannel(tr, nil, nil)

			if _, err := tt.call(ch); !errors.Is(err, ErrLineBreak) {
				t.Fatalf("err = %v, want ErrLineBreak", err)
			}
			if sent := tr.sent(); len(sent) != 0 {
				t.Errorf("sent %q, want nothing on the wire", sent)
			}
			if n := ch.CommandCount(); n != 0 {
				t.Errorf("CommandCount() = %d, want 0", n)
			}
		})
	}
}

func TestChannelParamsPassThrough(t *testing.T) {
	params := map[string]string{"agi_channel": "SIP/100-0001", "agi_arg_1": "welcome"}
	ch := NewChannel(newMockTransport(), params, nil)

	if got := ch.Param("agi_channel"); got != "SIP/100-0001" {
		t.Errorf("Param(agi_channel) = %q", got)
	}
	if got := ch.Param("missing"); got != "" {
		t.Errorf("Param(missing) = %q, want empty", got)
	}
	if len(ch.Params()) != 2 {
		t.Errorf("Params() = %v", ch.Params())
	}
	if ch.CreatedAt().IsZero() {
		t.Error("CreatedAt() is zero")
	}
}

func TestChannelForwardsEventsAndClose(t *testing.T) {
	tr := newMockTransport()
	ch := NewChannel(tr, nil, nil)

	var got string
	ch.On(EventHangup, func(payload string) { got = "hangup" + payload })
	tr.handlers[EventHangup]("!")
	if got != "hangup!" {
		t.Errorf("handler saw %q", got)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !tr.closed {
		t.Error("transport not closed")
	}
}
