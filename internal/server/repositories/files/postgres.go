package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/access"
	"github.com/dmitrijs2005/filevault/internal/server/models"
)

const recordColumns = `id, project_id, display_name, original_filename, storage_name, access_token,
		allowed_roles, encryption_status, download_count, last_download_at, created_at, updated_at`

// PostgresRepository implements file record storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func encodeRoles(roles []string) string {
	return strings.Join(access.NormalizeRoles(roles), ",")
}

func decodeRoles(s string) []string {
	if s == "" {
		return nil
	}
	return access.NormalizeRoles(strings.Split(s, ","))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*models.FileRecord, error) {
	var (
		rec    models.FileRecord
		roles  string
		status string
		last   sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.ProjectID, &rec.DisplayName, &rec.OriginalFilename, &rec.StorageName,
		&rec.AccessToken, &roles, &status, &rec.DownloadCount, &last, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.AllowedRoles = decodeRoles(roles)
	rec.EncryptionStatus = models.EncryptionStatus(status)
	if !rec.EncryptionStatus.Valid() {
		return nil, fmt.Errorf("unknown encryption status %q for file %d", status, rec.ID)
	}
	if last.Valid {
		t := last.Time
		rec.LastDownloadAt = &t
	}
	return &rec, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*models.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_records WHERE ` + where
	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file record: %w", err)
	}
	return rec, nil
}

// Create inserts rec and fills in its generated id and timestamps.
func (r *PostgresRepository) Create(ctx context.Context, rec *models.FileRecord) error {
	query := `
		INSERT INTO file_records (project_id, display_name, original_filename, storage_name, access_token,
			allowed_roles, encryption_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query, rec.ProjectID, rec.DisplayName, rec.OriginalFilename,
		rec.StorageName, rec.AccessToken, encodeRoles(rec.AllowedRoles), string(rec.EncryptionStatus)).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ReplaceUpload points an existing record at a new upload.
func (r *PostgresRepository) ReplaceUpload(ctx context.Context, rec *models.FileRecord) error {
	query := `
		UPDATE file_records SET display_name=$2, original_filename=$3, storage_name=$4, access_token=$5,
			allowed_roles=$6, encryption_status=$7, updated_at=now()
		WHERE id=$1`
	return dbx.ExecExactlyOne(ctx, r.db, query, rec.ID, rec.DisplayName, rec.OriginalFilename,
		rec.StorageName, rec.AccessToken, encodeRoles(rec.AllowedRoles), string(rec.EncryptionStatus))
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.FileRecord, error) {
	return r.getOne(ctx, `id=$1`, id)
}

// GetByToken is the gatekeeper lookup; the token is never logged.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*models.FileRecord, error) {
	if token == "" {
		return nil, common.ErrorNotFound
	}
	return r.getOne(ctx, `access_token=$1`, token)
}

// LatestForProject returns the project's most recent record by id.
func (r *PostgresRepository) LatestForProject(ctx context.Context, projectID int64) (*models.FileRecord, error) {
	return r.getOne(ctx, `project_id=$1 ORDER BY id DESC LIMIT 1`, projectID)
}

func (r *PostgresRepository) ListForProject(ctx context.Context, projectID int64) ([]*models.FileRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM file_records WHERE project_id=$1 ORDER BY id DESC`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to select file records: %w", err)
	}
	defer rows.Close()

	var result []*models.FileRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) UpdateRoles(ctx context.Context, id int64, roles []string) error {
	query := `UPDATE file_records SET allowed_roles=$2, updated_at=now() WHERE id=$1`
	return dbx.ExecExactlyOne(ctx, r.db, query, id, encodeRoles(roles))
}

func (r *PostgresRepository) UpdateToken(ctx context.Context, id int64, token string) error {
	query := `UPDATE file_records SET access_token=$2, updated_at=now() WHERE id=$1`
	return dbx.ExecExactlyOne(ctx, r.db, query, id, token)
}

// SetStatusIfCurrent moves the record to status only while it still points at
// storageName and sits in one of status.TransitionSources(). false means a
// newer upload superseded the caller's job or another drain already settled it.
func (r *PostgresRepository) SetStatusIfCurrent(ctx context.Context, id int64, storageName string, status models.EncryptionStatus) (bool, error) {
	from := status.TransitionSources()
	if len(from) == 0 {
		return false, fmt.Errorf("%w: no worker transition into %q", common.ErrValidation, status)
	}

	args := []any{id, storageName, string(status)}
	placeholders := make([]string, len(from))
	for i, s := range from {
		args = append(args, string(s))
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}

	query := `UPDATE file_records SET encryption_status=$3, updated_at=now() WHERE id=$1 AND storage_name=$2 AND encryption_status IN (` +
		strings.Join(placeholders, ", ") + `)`
	n, err := dbx.ExecAffected(ctx, r.db, query, args...)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RestorePrevious rolls a record back to its last complete upload. Only an
// in-flight record is rolled back.
func (r *PostgresRepository) RestorePrevious(ctx context.Context, id int64, currentStorageName string, prev *models.CleanupEntry) (bool, error) {
	query := `
		UPDATE file_records SET storage_name=$3, original_filename=$4, encryption_status='complete', updated_at=now()
		WHERE id=$1 AND storage_name=$2 AND encryption_status IN ('pending', 'processing')`
	n, err := dbx.ExecAffected(ctx, r.db, query, id, currentStorageName, prev.PreviousStorageName, prev.PreviousOriginalFilename)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementDownloads bumps the counter in a single statement.
func (r *PostgresRepository) IncrementDownloads(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE file_records SET download_count = download_count + 1, last_download_at=$2 WHERE id=$1`
	return dbx.ExecExactlyOne(ctx, r.db, query, id, at)
}

// DecrementDownloads lowers the counter, never below zero.
func (r *PostgresRepository) DecrementDownloads(ctx context.Context, id int64) error {
	query := `UPDATE file_records SET download_count = GREATEST(0, download_count - 1) WHERE id=$1`
	return dbx.ExecExactlyOne(ctx, r.db, query, id)
}

func (r *PostgresRepository) DownloadCount(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT download_count FROM file_records WHERE id=$1`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, common.ErrorNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to select download count: %w", err)
	}
	return n, nil
}

// DeleteForProject removes every record of the project. Jobs, cleanups and
// logs go with them through ON DELETE CASCADE.
func (r *PostgresRepository) DeleteForProject(ctx context.Context, projectID int64) (int64, error) {
	return dbx.ExecAffected(ctx, r.db, `DELETE FROM file_records WHERE project_id=$1`, projectID)
}
