package agi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/flowpbx/fastagi/internal/database"
	"github.com/flowpbx/fastagi/internal/database/models"
	"github.com/flowpbx/fastagi/internal/ratelimit"
	"github.com/google/uuid"
)

const (
	// sessionStoreTimeout bounds each session history write.
	sessionStoreTimeout = 5 * time.Second

	// handshakeTimeout bounds how long a new connection may take to send
	// its environment block.
	handshakeTimeout = 10 * time.Second
)

// ActiveSession describes a session currently being served.
type ActiveSession struct {
	ID         string    `json:"id"`
	Script     string    `json:"script"`
	RemoteAddr string    `json:"remote_addr"`
	Channel    string    `json:"channel"`
	CallerID   string    `json:"caller_id"`
	StartedAt  time.Time `json:"started_at"`
	Commands   int64     `json:"commands"`
}

// Server accepts FastAGI connections from Asterisk and serves each one on
// its own goroutine with the configured Handler.
type Server struct {
	handler  Handler
	sessions database.SessionRepository
	limiter  *ratelimit.Limiter
	tracer   *Tracer
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	active   map[string]*Session
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a FastAGI server. sessions, limiter and tracer may be nil.
func NewServer(handler Handler, sessions database.SessionRepository, limiter *ratelimit.Limiter, tracer *Tracer, logger *slog.Logger) *Server {
	return &Server{
		handler:  handler,
		sessions: sessions,
		limiter:  limiter,
		tracer:   tracer,
		logger:   logger.With("component", "fastagi"),
		active:   make(map[string]*Session),
	}
}

// Start listens on addr and serves connections in the background until
// ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Serve(ctx, ln); err != nil {
			s.logger.Error("fastagi listener stopped", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections on ln until it is closed. It returns nil when
// the server was stopped deliberately.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("fastagi listener starting", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, s.Stop)
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		if s.limiter != nil && !s.limiter.AllowAddr(nc.RemoteAddr()) {
			s.logger.Warn("fastagi connection rate limited", "remote", nc.RemoteAddr().String())
			nc.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, nc)
		}()
	}
}

// Addr returns the listening address, or nil before Serve is running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every active channel. Use Wait to block
// until the session goroutines have returned.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	channels := make([]*Channel, 0, len(s.active))
	for _, sess := range s.active {
		channels = append(channels, sess.Channel)
	}
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Close() //nolint:errcheck
	}
}

// Wait blocks until the listener and all sessions have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// GetActiveCallCount returns the number of sessions being served.
func (s *Server) GetActiveCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// ActiveSessions returns a snapshot of the sessions being served, oldest
// first.
func (s *Server) ActiveSessions() []ActiveSession {
	s.mu.Lock()
	out := make([]ActiveSession, 0, len(s.active))
	for _, sess := range s.active {
		out = append(out, ActiveSession{
			ID:         sess.ID,
			Script:     sess.Script,
			RemoteAddr: sess.RemoteAddr,
			Channel:    sess.Channel.Param("agi_channel"),
			CallerID:   sess.Channel.Param("agi_callerid"),
			StartedAt:  sess.Channel.CreatedAt(),
			Commands:   sess.Channel.CommandCount(),
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// serveConn runs one FastAGI session from environment read to close.
func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	nc.SetReadDeadline(time.Now().Add(handshakeTimeout)) //nolint:errcheck
	conn, err := NewConn(nc, s.tracer, s.logger)
	if err != nil {
		s.logger.Warn("fastagi handshake failed", "remote", nc.RemoteAddr().String(), "error", err)
		nc.Close()
		return
	}
	nc.SetReadDeadline(time.Time{}) //nolint:errcheck

	env := conn.Environment()
	script, args := parseScript(env)
	id := uuid.NewString()
	logger := s.logger.With(
		"session_id", id,
		"script", script,
		"channel", env["agi_channel"],
	)

	sess := &Session{
		ID:         id,
		Script:     script,
		Args:       args,
		RemoteAddr: nc.RemoteAddr().String(),
		Channel:    NewChannel(conn, env, logger),
		Logger:     logger,
		StartedAt:  time.Now(),
	}

	if !s.track(sess) {
		conn.Close()
		return
	}
	defer s.untrack(sess)

	record := &models.Session{
		ID:         id,
		RemoteAddr: sess.RemoteAddr,
		Script:     script,
		Channel:    env["agi_channel"],
		UniqueID:   env["agi_uniqueid"],
		CallerID:   env["agi_callerid"],
		StartedAt:  sess.StartedAt,
		Outcome:    models.SessionActive,
	}
	s.storeSession(record, false)

	logger.Info("fastagi session started", "remote", sess.RemoteAddr)

	err = s.runHandler(ctx, sess)

	record.Outcome = outcomeOf(err, conn.HungUp())

	if err != nil {
		record.Error = err.Error()
		logger.Warn("fastagi session failed", "error", err, "outcome", record.Outcome)
	}

	sess.Channel.Close() //nolint:errcheck

	ended := time.Now()
	record.EndedAt = &ended
	record.Commands = sess.Channel.CommandCount()
	s.storeSession(record, true)

	logger.Info("fastagi session ended",
		"outcome", record.Outcome,
		"commands", record.Commands,
		"duration_ms", ended.Sub(sess.StartedAt).Milliseconds(),
	)
}

// runHandler invokes the handler, converting a panic into an error so one
// faulty script cannot take the server down.
func (s *Server) runHandler(ctx context.Context, sess *Session) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sess.Logger.Error("panic recovered",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return s.handler.ServeAGI(ctx, sess)
}

func (s *Server) track(sess *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.active[sess.ID] = sess
	return true
}

func (s *Server) untrack(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, sess.ID)
}

func (s *Server) storeSession(record *models.Session, finish bool) {
	if s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sessionStoreTimeout)
	defer cancel()

	var err error
	if finish {
		err = s.sessions.Finish(ctx, record)
	} else {
		err = s.sessions.Create(ctx, record)
	}
	if err != nil {
		s.logger.Error("failed to store session", "session_id", record.ID, "error", err)
	}
}

// outcomeOf classifies how a session ended.
func outcomeOf(err error, hungUp bool) string {
	switch {
	case err == nil:
		return models.SessionCompleted
	case hungUp:
		return models.SessionHangup
	default:
		return models.SessionFailed
	}
}
