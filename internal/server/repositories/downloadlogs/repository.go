package downloadlogs

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, fileID int64, userID string, at time.Time) (int64, error)
	Get(ctx context.Context, id int64) (*models.DownloadLogEntry, error)
	List(ctx context.Context, fileID int64, limit, offset int) ([]*models.DownloadLogEntry, error)
	Delete(ctx context.Context, id int64) error
}
