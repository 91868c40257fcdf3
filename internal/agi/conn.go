package agi

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
)

// StatusNoReply is reported to completion callbacks when a command could
// not be delivered or no reply arrived (closed or broken connection).
const StatusNoReply = 0

// ErrEmptyEnvironment is returned when a FastAGI connection closes before
// sending its environment block.
var ErrEmptyEnvironment = errors.New("fastagi: empty environment")

type pendingCommand struct {
	text string
	done CompletionFunc
}

// readResult is one reply handed from the reader to the command worker.
type readResult struct {
	reply reply
	err   error
}

// Conn is a FastAGI Transport over a network connection. Commands are
// written one at a time, in submission order, by a single worker goroutine.
// A separate reader goroutine consumes everything Asterisk sends, so a
// HANGUP notification is emitted as soon as it arrives, even while no
// command is outstanding.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
	env    map[string]string
	tracer *Tracer
	logger *slog.Logger

	mu       sync.Mutex
	queue    []pendingCommand
	handlers map[string]EventHandler
	closed   bool
	hungUp   atomic.Bool

	wake    chan struct{}
	replies chan readResult
	done    chan struct{}
}

// NewConn reads the AGI environment block from nc and starts the command
// worker. tracer may be nil.
func NewConn(nc net.Conn, tracer *Tracer, logger *slog.Logger) (*Conn, error) {
	reader := bufio.NewReader(nc)
	env, err := readEnvironment(reader)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		nc:       nc,
		reader:   reader,
		env:      env,
		tracer:   tracer,
		logger:   logger.With("remote", nc.RemoteAddr().String()),
		handlers: make(map[string]EventHandler),
		wake:     make(chan struct{}, 1),
		replies:  make(chan readResult),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	go c.run()
	return c, nil
}

// Environment returns the agi_* variables Asterisk sent on connect.
func (c *Conn) Environment() map[string]string {
	return c.env
}

// HungUp reports whether Asterisk has sent a HANGUP notification.
func (c *Conn) HungUp() bool {
	return c.hungUp.Load()
}

// RemoteAddr returns the address of the Asterisk peer.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Command queues text for sending. done is called with the reply, or with
// StatusNoReply if the connection is closed first.
func (c *Conn) Command(text string, done CompletionFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(StatusNoReply, "transport closed", "")
		return
	}
	c.queue = append(c.queue, pendingCommand{text: text, done: done})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// On registers handler for event.
func (c *Conn) On(event string, handler EventHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = handler
}

// Close closes the connection. Queued commands complete with StatusNoReply.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	orphans := c.queue
	c.queue = nil
	c.mu.Unlock()

	close(c.done)
	err := c.nc.Close()

	for _, p := range orphans {
		p.done(StatusNoReply, "transport closed", "")
	}
	c.emit(EventClose, "")
	return err
}

// run is the command worker.
func (c *Conn) run() {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		if len(c.queue) == 0 {
			c.mu.Unlock()
			select {
			case <-c.wake:
			case <-c.done:
			}
			continue
		}
		p := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.roundTrip(p)
	}
}

// readLoop reads replies for the command worker until the connection
// fails or is closed. HANGUP lines are reported as they arrive.
func (c *Conn) readLoop() {
	for {
		r, err := readReply(c.reader, func() {
			c.hungUp.Store(true)
			c.emit(EventHangup, "")
		})
		select {
		case c.replies <- readResult{reply: r, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// roundTrip writes one command and waits for the reader to deliver its
// reply.
func (c *Conn) roundTrip(p pendingCommand) {
	if _, err := fmt.Fprintf(c.nc, "%s\n", p.text); err != nil {
		c.fail(p, fmt.Errorf("writing command: %w", err))
		return
	}

	var res readResult
	select {
	case res = <-c.replies:
	case <-c.done:
		p.done(StatusNoReply, "transport closed", "")
		return
	}
	if res.err != nil {
		c.fail(p, fmt.Errorf("reading reply: %w", res.err))
		return
	}

	r := res.reply
	c.tracer.Trace(c.nc.RemoteAddr().String(), p.text, r.code, r.result, r.data)
	p.done(r.code, r.result, r.data)
}

// fail completes p with StatusNoReply and tears the connection down.
func (c *Conn) fail(p pendingCommand, err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.logger.Warn("fastagi connection failed", "command", p.text, "error", err)
		c.emit(EventError, err.Error())
	}
	p.done(StatusNoReply, err.Error(), "")
	c.Close() //nolint:errcheck
}

func (c *Conn) emit(event, payload string) {
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h != nil {
		h(payload)
	}
}

// readEnvironment reads "agi_key: value" lines up to the first blank line.
func readEnvironment(r *bufio.Reader) (map[string]string, error) {
	env := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if len(env) == 0 {
				return nil, ErrEmptyEnvironment
			}
			return nil, fmt.Errorf("reading environment: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(env) == 0 {
				return nil, ErrEmptyEnvironment
			}
			return env, nil
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		env[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
}

var _ Transport = (*Conn)(nil)
