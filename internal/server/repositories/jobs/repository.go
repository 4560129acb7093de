package jobs

import (
	"context"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

// Repository is the encryption queue, keyed by file id.
type Repository interface {
	Get(ctx context.Context, fileID int64) (*models.EncryptionJob, error)
	Upsert(ctx context.Context, job *models.EncryptionJob) error
	List(ctx context.Context) ([]*models.EncryptionJob, error)
	ListForProject(ctx context.Context, projectID int64) ([]*models.EncryptionJob, error)
	Delete(ctx context.Context, fileID int64, storageName string) (bool, error)
}
