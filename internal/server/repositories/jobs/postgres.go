// Package jobs stores the encryption queue. There is at most one job per
// file; a newer intake replaces the older job in place.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, fileID int64) (*models.EncryptionJob, error) {
	query := `SELECT file_id, source_path, storage_name, enqueued_at FROM encryption_jobs WHERE file_id=$1`
	var j models.EncryptionJob
	err := r.db.QueryRowContext(ctx, query, fileID).Scan(&j.FileID, &j.SourcePath, &j.StorageName, &j.EnqueuedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select job: %w", err)
	}
	return &j, nil
}

// Upsert enqueues job, replacing any job already queued for the file.
func (r *PostgresRepository) Upsert(ctx context.Context, job *models.EncryptionJob) error {
	query := `
		INSERT INTO encryption_jobs (file_id, source_path, storage_name, enqueued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id)
		DO UPDATE SET
			source_path = EXCLUDED.source_path,
			storage_name = EXCLUDED.storage_name,
			enqueued_at = EXCLUDED.enqueued_at`
	_, err := dbx.ExecAffected(ctx, r.db, query, job.FileID, job.SourcePath, job.StorageName, job.EnqueuedAt)
	return err
}

func scanJobs(rows *sql.Rows) ([]*models.EncryptionJob, error) {
	defer rows.Close()

	var result []*models.EncryptionJob
	for rows.Next() {
		var j models.EncryptionJob
		if err := rows.Scan(&j.FileID, &j.SourcePath, &j.StorageName, &j.EnqueuedAt); err != nil {
			return nil, err
		}
		result = append(result, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns every queued job, oldest first.
func (r *PostgresRepository) List(ctx context.Context) ([]*models.EncryptionJob, error) {
	query := `SELECT file_id, source_path, storage_name, enqueued_at FROM encryption_jobs ORDER BY enqueued_at, file_id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}
	return scanJobs(rows)
}

func (r *PostgresRepository) ListForProject(ctx context.Context, projectID int64) ([]*models.EncryptionJob, error) {
	query := `
		SELECT j.file_id, j.source_path, j.storage_name, j.enqueued_at
		FROM encryption_jobs j JOIN file_records f ON f.id = j.file_id
		WHERE f.project_id=$1`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}
	return scanJobs(rows)
}

// Delete consumes the job only if it still targets storageName, so a worker
// finishing a superseded job cannot drop its replacement.
func (r *PostgresRepository) Delete(ctx context.Context, fileID int64, storageName string) (bool, error) {
	n, err := dbx.ExecAffected(ctx, r.db, `DELETE FROM encryption_jobs WHERE file_id=$1 AND storage_name=$2`, fileID, storageName)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
