package failures

import (
	"context"
	"time"

	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, f *models.EncryptionFailure) error
	List(ctx context.Context, limit int) ([]*models.EncryptionFailure, error)
	ListOlderThan(ctx context.Context, before time.Time) ([]*models.EncryptionFailure, error)
	Delete(ctx context.Context, id int64) error
	DeleteForFile(ctx context.Context, fileID int64) ([]string, error)
}
