package database

import (
	"context"
	"time"

	"github.com/flowpbx/fastagi/internal/database/models"
)

// SessionRepository manages FastAGI session history.
type SessionRepository interface {
	Create(ctx context.Context, s *models.Session) error
	Finish(ctx context.Context, s *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListRecent(ctx context.Context, limit int) ([]models.Session, error)
	CountByOutcome(ctx context.Context) (map[string]int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AssetEventRepository manages the audio provisioning log.
type AssetEventRepository interface {
	Create(ctx context.Context, e *models.AssetEvent) error
	ListRecent(ctx context.Context, limit int) ([]models.AssetEvent, error)
	ListByAsset(ctx context.Context, asset string, limit int) ([]models.AssetEvent, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
