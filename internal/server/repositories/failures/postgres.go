// Package failures records terminal encryption failures together with the
// temp source that was kept for inspection.
package failures

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, f *models.EncryptionFailure) error {
	query := `
		INSERT INTO encryption_failures (file_id, source_path, reason, failed_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`
	if err := r.db.QueryRowContext(ctx, query, f.FileID, f.SourcePath, f.Reason, f.FailedAt).Scan(&f.ID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func scanFailures(rows *sql.Rows) ([]*models.EncryptionFailure, error) {
	defer rows.Close()

	var result []*models.EncryptionFailure
	for rows.Next() {
		var f models.EncryptionFailure
		if err := rows.Scan(&f.ID, &f.FileID, &f.SourcePath, &f.Reason, &f.FailedAt); err != nil {
			return nil, err
		}
		result = append(result, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// List returns the newest failures first.
func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*models.EncryptionFailure, error) {
	query := `SELECT id, file_id, source_path, reason, failed_at FROM encryption_failures ORDER BY failed_at DESC, id DESC LIMIT $1`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select failures: %w", err)
	}
	return scanFailures(rows)
}

func (r *PostgresRepository) ListOlderThan(ctx context.Context, before time.Time) ([]*models.EncryptionFailure, error) {
	query := `SELECT id, file_id, source_path, reason, failed_at FROM encryption_failures WHERE failed_at < $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to select failures: %w", err)
	}
	return scanFailures(rows)
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	_, err := dbx.ExecAffected(ctx, r.db, `DELETE FROM encryption_failures WHERE id=$1`, id)
	return err
}

// DeleteForFile drops the file's markers and returns the source paths they
// referenced so the caller can remove them.
func (r *PostgresRepository) DeleteForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `DELETE FROM encryption_failures WHERE file_id=$1 RETURNING source_path`, fileID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paths, nil
}
