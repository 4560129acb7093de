package files

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

// Repository persists FileRecords. Methods that change worker-owned state
// take the expected storage name and report whether the row still matched.
type Repository interface {
	Create(ctx context.Context, rec *models.FileRecord) error
	ReplaceUpload(ctx context.Context, rec *models.FileRecord) error
	GetByID(ctx context.Context, id int64) (*models.FileRecord, error)
	GetByToken(ctx context.Context, token string) (*models.FileRecord, error)
	LatestForProject(ctx context.Context, projectID int64) (*models.FileRecord, error)
	ListForProject(ctx context.Context, projectID int64) ([]*models.FileRecord, error)
	UpdateRoles(ctx context.Context, id int64, roles []string) error
	UpdateToken(ctx context.Context, id int64, token string) error
	SetStatusIfCurrent(ctx context.Context, id int64, storageName string, status models.EncryptionStatus) (bool, error)
	RestorePrevious(ctx context.Context, id int64, currentStorageName string, prev *models.CleanupEntry) (bool, error)
	IncrementDownloads(ctx context.Context, id int64, at time.Time) error
	DecrementDownloads(ctx context.Context, id int64) error
	DownloadCount(ctx context.Context, id int64) (int64, error)
	DeleteForProject(ctx context.Context, projectID int64) (int64, error)
}
