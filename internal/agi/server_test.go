package agi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/fastagi/internal/database/models"
	"github.com/flowpbx/fastagi/internal/ratelimit"
	"golang.org/x/time/rate"
)

// mockSessionRepo keeps session records in memory.
type mockSessionRepo struct {
	mu       sync.Mutex
	created  []models.Session
	finished []models.Session
	done     chan struct{}
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{done: make(chan struct{}, 8)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, *s)
	return nil
}

func (m *mockSessionRepo) Finish(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	m.finished = append(m.finished, *s)
	m.mu.Unlock()
	m.done <- struct{}{}
	return nil
}

func (m *mockSessionRepo) GetByID(context.Context, string) (*models.Session, error) {
	return nil, nil
}

func (m *mockSessionRepo) ListRecent(context.Context, int) ([]models.Session, error) {
	return nil, nil
}

func (m *mockSessionRepo) CountByOutcome(context.Context) (map[string]int64, error) {
	return nil, nil
}

func (m *mockSessionRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (m *mockSessionRepo) waitFinished(t *testing.T) models.Session {
	t.Helper()
	select {
	case <-m.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session was not finished")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finished[len(m.finished)-1]
}

func startTestServer(t *testing.T, handler Handler, repo *mockSessionRepo, limiter *ratelimit.Limiter) (*Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv := NewServer(handler, repo, limiter, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln) //nolint:errcheck

	t.Cleanup(func() {
		cancel()
		srv.Stop()
		srv.Wait()
	})
	return srv, ln.Addr().String()
}

func dialAGI(t *testing.T, addr string, request string) (net.Conn, *bufio.Reader) {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { nc.Close() })

	env := "agi_network: yes\n" +
		"agi_request: " + request + "\n" +
		"agi_channel: SIP/200-00000002\n" +
		"agi_uniqueid: 1700000000.2\n" +
		"agi_callerid: 200\n" +
		"\n"
	if _, err := io.WriteString(nc, env); err != nil {
		t.Fatalf("writing env: %v", err)
	}
	nc.SetDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	return nc, bufio.NewReader(nc)
}

func readCommand(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("reading command: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func TestServerServesSession(t *testing.T) {
	repo := newMockSessionRepo()
	mux := NewMux()
	started := make(chan struct{})
	release := make(chan struct{})
	mux.HandleFunc("greet", func(ctx context.Context, s *Session) error {
		if s.Args.Get("name") != "bob" {
			return errors.New("missing name arg")
		}
		if _, err := s.Channel.Answer(ctx); err != nil {
			return err
		}
		close(started)
		<-release
		_, err := s.Channel.SayAlpha(ctx, s.Args.Get("name"), "")
		return err
	})

	srv, addr := startTestServer(t, mux, repo, nil)
	nc, r := dialAGI(t, addr, "agi://127.0.0.1/greet?name=bob")

	if got := readCommand(t, r); got != "ANSWER" {
		t.Fatalf("first command = %q", got)
	}
	io.WriteString(nc, "200 result=0\n") //nolint:errcheck

	<-started
	active := srv.ActiveSessions()
	if len(active) != 1 || active[0].Script != "greet" || active[0].Channel != "SIP/200-00000002" {
		t.Errorf("ActiveSessions() = %+v", active)
	}
	if len(active) == 1 && (active[0].StartedAt.IsZero() || active[0].StartedAt.After(time.Now())) {
		t.Errorf("active StartedAt = %v", active[0].StartedAt)
	}
	if srv.GetActiveCallCount() != 1 {
		t.Errorf("GetActiveCallCount() = %d", srv.GetActiveCallCount())
	}
	close(release)

	if got := readCommand(t, r); got != `SAY ALPHA "bob" ""` {
		t.Fatalf("second command = %q", got)
	}
	io.WriteString(nc, "200 result=0\n") //nolint:errcheck

	rec := repo.waitFinished(t)
	if rec.Outcome != models.SessionCompleted {
		t.Errorf("Outcome = %q, want completed (error %q)", rec.Outcome, rec.Error)
	}
	if rec.Script != "greet" || rec.UniqueID != "1700000000.2" || rec.CallerID != "200" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Commands != 2 {
		t.Errorf("Commands = %d, want 2", rec.Commands)
	}
	if rec.EndedAt == nil {
		t.Error("EndedAt not set")
	}

	repo.mu.Lock()
	if len(repo.created) != 1 || repo.created[0].Outcome != models.SessionActive {
		t.Errorf("created = %+v", repo.created)
	}
	repo.mu.Unlock()

	// The server closes the connection once the handler returns.
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection still open after session end")
	}
}

func TestServerUnknownScript(t *testing.T) {
	repo := newMockSessionRepo()
	_, addr := startTestServer(t, NewMux(), repo, nil)
	dialAGI(t, addr, "agi://127.0.0.1/nope")

	rec := repo.waitFinished(t)
	if rec.Outcome != models.SessionFailed {
		t.Errorf("Outcome = %q, want failed", rec.Outcome)
	}
	if !strings.Contains(rec.Error, ErrScriptNotFound.Error()) {
		t.Errorf("Error = %q", rec.Error)
	}
}

func TestServerHangupOutcome(t *testing.T) {
	repo := newMockSessionRepo()
	mux := NewMux()
	mux.HandleFunc("hold", func(ctx context.Context, s *Session) error {
		if _, err := s.Channel.PlayFile(ctx, "moh", ""); err != nil {
			return err
		}
		_, err := s.Channel.Answer(ctx)
		return err
	})

	_, addr := startTestServer(t, mux, repo, nil)
	nc, r := dialAGI(t, addr, "agi://127.0.0.1/hold")

	readCommand(t, r)
	io.WriteString(nc, "HANGUP\n200 result=0\n") //nolint:errcheck
	readCommand(t, r)
	io.WriteString(nc, "511 Command Not Permitted on a dead channel\n") //nolint:errcheck

	rec := repo.waitFinished(t)
	if rec.Outcome != models.SessionHangup {
		t.Errorf("Outcome = %q, want hangup", rec.Outcome)
	}
}

func TestServerRecoversPanic(t *testing.T) {
	repo := newMockSessionRepo()
	mux := NewMux()
	mux.HandleFunc("boom", func(context.Context, *Session) error {
		panic("kaboom")
	})

	_, addr := startTestServer(t, mux, repo, nil)
	dialAGI(t, addr, "agi://127.0.0.1/boom")

	rec := repo.waitFinished(t)
	if rec.Outcome != models.SessionFailed || !strings.Contains(rec.Error, "kaboom") {
		t.Errorf("record = %+v", rec)
	}
}

func TestServerRateLimitsPeers(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{
		Rate:            rate.Limit(0.001),
		Burst:           1,
		CleanupInterval: time.Minute,
		MaxAge:          time.Minute,
	})
	defer limiter.Stop()

	repo := newMockSessionRepo()
	mux := NewMux()
	mux.HandleFunc("ok", func(context.Context, *Session) error { return nil })
	_, addr := startTestServer(t, mux, repo, limiter)

	dialAGI(t, addr, "agi://127.0.0.1/ok")
	repo.waitFinished(t)

	_, r := dialAGI(t, addr, "agi://127.0.0.1/ok")
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("expected rate limited connection to be closed")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.created) != 1 {
		t.Errorf("created %d sessions, want 1", len(repo.created))
	}
}

func TestOutcomeOf(t *testing.T) {
	if got := outcomeOf(nil, true); got != models.SessionCompleted {
		t.Errorf("nil error = %q", got)
	}
	if got := outcomeOf(errors.New("x"), true); got != models.SessionHangup {
		t.Errorf("hung up = %q", got)
	}
	if got := outcomeOf(errors.New("x"), false); got != models.SessionFailed {
		t.Errorf("failed = %q", got)
	}
}
