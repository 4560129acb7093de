// Package downloadlogs is the append-only audit trail of authorized downloads.
package downloadlogs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

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

func (r *PostgresRepository) Insert(ctx context.Context, fileID int64, userID string, at time.Time) (int64, error) {
	query := `INSERT INTO download_logs (file_id, user_id, downloaded_at) VALUES ($1, $2, $3) RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, query, fileID, userID, at).Scan(&id); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return id, nil
}

func (r *PostgresRepository) Get(ctx context.Context, id int64) (*models.DownloadLogEntry, error) {
	query := `SELECT id, file_id, user_id, downloaded_at FROM download_logs WHERE id=$1`
	var e models.DownloadLogEntry
	err := r.db.QueryRowContext(ctx, query, id).Scan(&e.ID, &e.FileID, &e.UserID, &e.DownloadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select download log: %w", err)
	}
	return &e, nil
}

// List pages through a file's log, newest first.
func (r *PostgresRepository) List(ctx context.Context, fileID int64, limit, offset int) ([]*models.DownloadLogEntry, error) {
	query := `
		SELECT id, file_id, user_id, downloaded_at FROM download_logs
		WHERE file_id=$1
		ORDER BY downloaded_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.QueryContext(ctx, query, fileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to select download logs: %w", err)
	}
	defer rows.Close()

	var result []*models.DownloadLogEntry
	for rows.Next() {
		var e models.DownloadLogEntry
		if err := rows.Scan(&e.ID, &e.FileID, &e.UserID, &e.DownloadedAt); err != nil {
			return nil, err
		}
		result = append(result, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	return dbx.ExecExactlyOne(ctx, r.db, `DELETE FROM download_logs WHERE id=$1`, id)
}
