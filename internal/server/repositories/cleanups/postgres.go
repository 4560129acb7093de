// Package cleanups stages blobs of superseded uploads until the replacement
// is safely encrypted.
package cleanups

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

const cleanupColumns = `file_id, old_blob_path, old_meta_path, previous_storage_name, previous_original_filename`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Upsert(ctx context.Context, e *models.CleanupEntry) error {
	query := `
		INSERT INTO pending_cleanups (` + cleanupColumns + `)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (file_id)
		DO UPDATE SET
			old_blob_path = EXCLUDED.old_blob_path,
			old_meta_path = EXCLUDED.old_meta_path,
			previous_storage_name = EXCLUDED.previous_storage_name,
			previous_original_filename = EXCLUDED.previous_original_filename`
	_, err := dbx.ExecAffected(ctx, r.db, query, e.FileID, e.OldBlobPath, e.OldMetaPath, e.PreviousStorageName, e.PreviousOriginalFilename)
	return err
}

func (r *PostgresRepository) Get(ctx context.Context, fileID int64) (*models.CleanupEntry, error) {
	query := `SELECT ` + cleanupColumns + ` FROM pending_cleanups WHERE file_id=$1`
	var e models.CleanupEntry
	err := r.db.QueryRowContext(ctx, query, fileID).
		Scan(&e.FileID, &e.OldBlobPath, &e.OldMetaPath, &e.PreviousStorageName, &e.PreviousOriginalFilename)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select cleanup: %w", err)
	}
	return &e, nil
}

// Delete is idempotent.
func (r *PostgresRepository) Delete(ctx context.Context, fileID int64) error {
	_, err := dbx.ExecAffected(ctx, r.db, `DELETE FROM pending_cleanups WHERE file_id=$1`, fileID)
	return err
}

func (r *PostgresRepository) ListForProject(ctx context.Context, projectID int64) ([]*models.CleanupEntry, error) {
	query := `
		SELECT c.file_id, c.old_blob_path, c.old_meta_path, c.previous_storage_name, c.previous_original_filename
		FROM pending_cleanups c JOIN file_records f ON f.id = c.file_id
		WHERE f.project_id=$1`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to select cleanups: %w", err)
	}
	defer rows.Close()

	var result []*models.CleanupEntry
	for rows.Next() {
		var e models.CleanupEntry
		if err := rows.Scan(&e.FileID, &e.OldBlobPath, &e.OldMetaPath, &e.PreviousStorageName, &e.PreviousOriginalFilename); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
