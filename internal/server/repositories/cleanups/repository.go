package cleanups

import (
	"context"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	Upsert(ctx context.Context, entry *models.CleanupEntry) error
	Get(ctx context.Context, fileID int64) (*models.CleanupEntry, error)
	Delete(ctx context.Context, fileID int64) error
	ListForProject(ctx context.Context, projectID int64) ([]*models.CleanupEntry, error)
}
