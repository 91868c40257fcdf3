// Package pgstore implements the session history repositories on
// PostgreSQL, for deployments where several FastAGI servers share one
// history database.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/flowpbx/fastagi/internal/database"
	"github.com/flowpbx/fastagi/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store holds the PostgreSQL connection shared by its repositories.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql store opened")
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SchemaVersion returns the newest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (string, error) {
	var version sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return "", fmt.Errorf("reading schema version: %w", err)
	}
	return version.String, nil
}

// Sessions returns the session repository.
func (s *Store) Sessions() database.SessionRepository {
	return &sessionRepo{db: s.db}
}

// AssetEvents returns the asset event repository.
func (s *Store) AssetEvents() database.AssetEventRepository {
	return &assetEventRepo{db: s.db}
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}
	return nil
}

const sessionColumns = `id, remote_addr, script, channel, unique_id, caller_id,
		 started_at, ended_at, commands, outcome, error`

type sessionRepo struct {
	db *sql.DB
}

func (r *sessionRepo) Create(ctx context.Context, s *models.Session) error {
	if s.Outcome == "" {
		s.Outcome = models.SessionActive
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, remote_addr, script, channel, unique_id, caller_id,
		 started_at, commands, outcome, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		s.ID, s.RemoteAddr, s.Script, s.Channel, s.UniqueID, s.CallerID,
		s.StartedAt, s.Commands, s.Outcome, s.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

func (r *sessionRepo) Finish(ctx context.Context, s *models.Session) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = $1, commands = $2, outcome = $3, error = $4
		 WHERE id = $5`,
		s.EndedAt, s.Commands, s.Outcome, s.Error, s.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*models.Session, error) {
	var s models.Session
	err := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id,
	).Scan(&s.ID, &s.RemoteAddr, &s.Script, &s.Channel, &s.UniqueID,
		&s.CallerID, &s.StartedAt, &s.EndedAt, &s.Commands, &s.Outcome, &s.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &s, nil
}

func (r *sessionRepo) ListRecent(ctx context.Context, limit int) ([]models.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.RemoteAddr, &s.Script, &s.Channel, &s.UniqueID,
			&s.CallerID, &s.StartedAt, &s.EndedAt, &s.Commands, &s.Outcome, &s.Error); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

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

func (r *sessionRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE started_at < $1 AND outcome != $2`,
		cutoff, models.SessionActive,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old sessions: %w", err)
	}
	return result.RowsAffected()
}

type assetEventRepo struct {
	db *sql.DB
}

func (r *assetEventRepo) Create(ctx context.Context, e *models.AssetEvent) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO asset_events (session_id, asset, state, dir_created, downloaded, error)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		e.SessionID, e.Asset, e.State, e.DirCreated, e.Downloaded, e.Error,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting asset event: %w", err)
	}
	return nil
}

func (r *assetEventRepo) ListRecent(ctx context.Context, limit int) ([]models.AssetEvent, error) {
	return r.list(ctx,
		`SELECT id, session_id, asset, state, dir_created, downloaded, error, created_at
		 FROM asset_events ORDER BY id DESC LIMIT $1`, limit)
}

func (r *assetEventRepo) ListByAsset(ctx context.Context, asset string, limit int) ([]models.AssetEvent, error) {
	return r.list(ctx,
		`SELECT id, session_id, asset, state, dir_created, downloaded, error, created_at
		 FROM asset_events WHERE asset = $1 ORDER BY id DESC LIMIT $2`, asset, limit)
}

func (r *assetEventRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM asset_events WHERE created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting old asset events: %w", err)
	}
	return result.RowsAffected()
}

func (r *assetEventRepo) list(ctx context.Context, query string, args ...any) ([]models.AssetEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing asset events: %w", err)
	}
	defer rows.Close()

	var events []models.AssetEvent
	for rows.Next() {
		var e models.AssetEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Asset, &e.State,
			&e.DirCreated, &e.Downloaded, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning asset event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

var (
	_ database.SessionRepository    = (*sessionRepo)(nil)
	_ database.AssetEventRepository = (*assetEventRepo)(nil)
)
