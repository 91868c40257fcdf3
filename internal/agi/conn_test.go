package agi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

const testEnvironment = "agi_network: yes\n" +
	"agi_network_script: playback\n" +
	"agi_request: agi://127.0.0.1/playback?audio=welcome\n" +
	"agi_channel: SIP/100-00000001\n" +
	"agi_uniqueid: 1700000000.1\n" +
	"agi_callerid: 100\n" +
	"\n"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAsterisk is the Asterisk end of a piped FastAGI connection.
type fakeAsterisk struct {
	t      *testing.T
	nc     net.Conn
	reader *bufio.Reader
}

func (a *fakeAsterisk) expect(command string) {
	a.t.Helper()
	a.nc.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	line, err := a.reader.ReadString('\n')
	if err != nil {
		a.t.Fatalf("reading command: %v", err)
	}
	if got := strings.TrimRight(line, "\n"); got != command {
		a.t.Fatalf("command = %q, want %q", got, command)
	}
}

func (a *fakeAsterisk) send(lines string) {
	a.t.Helper()
	if _, err := io.WriteString(a.nc, lines); err != nil {
		a.t.Fatalf("writing reply: %v", err)
	}
}

func newPipedConn(t *testing.T) (*Conn, *fakeAsterisk) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	go io.WriteString(remote, testEnvironment) //nolint:errcheck

	conn, err := NewConn(local, nil, discardLogger())
	if err != nil {
		t.Fatalf("NewConn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return conn, &fakeAsterisk{t: t, nc: remote, reader: bufio.NewReader(remote)}
}

type completion struct {
	code   int
	result string
	data   string
}

func submit(c *Conn, text string) <-chan completion {
	ch := make(chan completion, 1)
	c.Command(text, func(code int, result, data string) {
		ch <- completion{code, result, data}
	})
	return ch
}

func await(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return completion{}
	}
}

func TestNewConnReadsEnvironment(t *testing.T) {
	conn, _ := newPipedConn(t)

	env := conn.Environment()
	if env["agi_channel"] != "SIP/100-00000001" {
		t.Errorf("agi_channel = %q", env["agi_channel"])
	}
	if env["agi_request"] != "agi://127.0.0.1/playback?audio=welcome" {
		t.Errorf("agi_request = %q", env["agi_request"])
	}
	if len(env) != 6 {
		t.Errorf("env has %d keys, want 6", len(env))
	}
}

func TestNewConnEmptyEnvironment(t *testing.T) {
	local, remote := net.Pipe()
	go func() {
		io.WriteString(remote, "\n") //nolint:errcheck
		remote.Close()
	}()

	_, err := NewConn(local, nil, discardLogger())
	if !errors.Is(err, ErrEmptyEnvironment) {
		t.Fatalf("err = %v, want ErrEmptyEnvironment", err)
	}
}

func TestConnCommandsInOrder(t *testing.T) {
	conn, ast := newPipedConn(t)

	first := submit(conn, "ANSWER")
	second := submit(conn, `GET VARIABLE "FOO"`)

	ast.expect("ANSWER")
	ast.send("200 result=0\n")
	ast.expect(`GET VARIABLE "FOO"`)
	ast.send("200 result=1 (bar)\n")

	if c := await(t, first); c.code != 200 || c.result != "0" {
		t.Errorf("first = %+v", c)
	}
	if c := await(t, second); c.code != 200 || c.data != "bar" {
		t.Errorf("second = %+v", c)
	}
}

func TestConnHangupNotification(t *testing.T) {
	conn, ast := newPipedConn(t)

	hangups := make(chan struct{}, 1)
	conn.On(EventHangup, func(string) { hangups <- struct{}{} })

	done := submit(conn, `STREAM FILE "hello" ""`)
	ast.expect(`STREAM FILE "hello" ""`)
	ast.send("HANGUP\n200 result=-1 endpos=0\n")

	c := await(t, done)
	if c.code != 200 || c.result != "-1" {
		t.Errorf("completion = %+v", c)
	}
	select {
	case <-hangups:
	case <-time.After(time.Second):
		t.Fatal("hangup event not emitted")
	}
	if !conn.HungUp() {
		t.Error("HungUp() = false")
	}
}

func TestConnUsageReply(t *testing.T) {
	conn, ast := newPipedConn(t)

	done := submit(conn, "STREAM FILE")
	ast.expect("STREAM FILE")
	ast.send("520-Invalid command syntax.  Proper usage follows:\nUsage: STREAM FILE <filename>\n520 End of proper usage.\n")

	if c := await(t, done); c.code != 520 {
		t.Errorf("code = %d, want 520", c.code)
	}
}

func TestConnPeerCloseFailsPending(t *testing.T) {
	conn, ast := newPipedConn(t)

	errs := make(chan string, 1)
	closes := make(chan struct{}, 1)
	conn.On(EventError, func(p string) { errs <- p })
	conn.On(EventClose, func(string) { closes <- struct{}{} })

	done := submit(conn, "ANSWER")
	ast.expect("ANSWER")
	ast.nc.Close()

	if c := await(t, done); c.code != StatusNoReply {
		t.Errorf("code = %d, want %d", c.code, StatusNoReply)
	}
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("error event not emitted")
	}
	select {
	case <-closes:
	case <-time.After(time.Second):
		t.Fatal("close event not emitted")
	}

	if c := await(t, submit(conn, "ANSWER")); c.code != StatusNoReply || c.result != "transport closed" {
		t.Errorf("after close = %+v", c)
	}
}

func TestConnCloseIsIdempotent(t *testing.T) {
	conn, _ := newPipedConn(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestConnHangupWhileIdle(t *testing.T) {
	conn, ast := newPipedConn(t)

	hangups := make(chan struct{}, 1)
	conn.On(EventHangup, func(string) { hangups <- struct{}{} })

	ast.send("HANGUP\n")

	select {
	case <-hangups:
	case <-time.After(2 * time.Second):
		t.Fatal("hangup event not emitted while no command was pending")
	}
	if !conn.HungUp() {
		t.Error("HungUp() = false")
	}

	done := submit(conn, "ANSWER")
	ast.expect("ANSWER")
	ast.send("511 Command Not Permitted on a dead channel\n")
	if c := await(t, done); c.code != 511 {
		t.Errorf("code = %d, want 511", c.code)
	}
}

func TestChannelLineBreakNeverReachesWire(t *testing.T) {
	conn, ast := newPipedConn(t)
	ch := NewChannel(conn, conn.Environment(), discardLogger())
	ctx := context.Background()

	if _, err := ch.SetVariable(ctx, "DIGITS", "1\nHANGUP"); !errors.Is(err, ErrLineBreak) {
		t.Fatalf("SetVariable err = %v, want ErrLineBreak", err)
	}

	type outcome struct {
		res *CommandResult
		err error
	}
	got := make(chan outcome, 1)
	go func() {
		res, err := ch.GetVariable(ctx, "DIGITS")
		got <- outcome{res, err}
	}()

	// The next line on the wire is the next command, not a fragment of
	// the rejected one.
	ast.expect(`GET VARIABLE "DIGITS"`)
	ast.send("200 result=1 (42)\n")

	select {
	case o := <-got:
		if o.err != nil || o.res.Data != "42" {
			t.Errorf("GetVariable = %+v, %v; want data 42", o.res, o.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetVariable did not complete")
	}
}
