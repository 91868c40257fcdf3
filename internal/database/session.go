package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/fastagi/internal/database/models"
)

const sessionColumns = `id, remote_addr, script, channel, unique_id, caller_id,
		 started_at, ended_at, commands, outcome, error`

// sessionRepo implements SessionRepository.
type sessionRepo struct {
	db *DB
}

// NewSessionRepository creates a new SessionRepository.
func NewSessionRepository(db *DB) SessionRepository {
	return &sessionRepo{db: db}
}

// Create inserts a session row when the session is accepted.
func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.Outcome == "" {
		s.Outcome = models.SessionActive
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, script, channel, unique_id, caller_id,
		 started_at, commands, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RemoteAddr, s.Script, s.Channel, s.UniqueID, s.CallerID,
		s.StartedAt.UTC(), s.Commands, s.Outcome, s.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// Finish records the end time, command count and outcome of a session.
func (r *sessionRepo) Finish(ctx context.Context, s *models.Session) error {
	var endedAt any
	if s.EndedAt != nil {
		endedAt = s.EndedAt.UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, commands = ?, outcome = ?, error = ?
		 WHERE id = ?`,
		endedAt, s.Commands, s.Outcome, s.Error, s.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return nil
}

// GetByID returns a session by ID, or nil if it does not exist.
func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id,
	)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return s, nil
}

// ListRecent returns the most recently started sessions.
func (r *sessionRepo) ListRecent(ctx context.Context, limit int) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// CountByOutcome returns the number of sessions per outcome.
func (r *sessionRepo) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM sessions GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting sessions by outcome: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}

// DeleteOlderThan removes finished sessions started before cutoff.
func (r *sessionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE started_at < ? AND outcome != ?`,
		cutoff.UTC(), models.SessionActive,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old sessions: %w", err)
	}
	return result.RowsAffected()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var endedAt sql.NullTime
	err := row.Scan(&s.ID, &s.RemoteAddr, &s.Script, &s.Channel, &s.UniqueID,
		&s.CallerID, &s.StartedAt, &endedAt, &s.Commands, &s.Outcome, &s.Error)
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		s.EndedAt = &t
	}
	return &s, nil
}
