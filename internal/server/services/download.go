package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/cryptox"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/access"
	"github.com/dmitrijs2005/filevault/internal/server/auth"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
)

// Prepared is a decrypted archive ready to stream. Close removes it.
type Prepared struct {
	File *os.File
	Name string
	Size int64
	path string
}

func (p *Prepared) Close() error {
	cerr := p.File.Close()
	if err := filex.RemoveIfExists(p.path); err != nil {
		return err
	}
	return cerr
}

// DownloadService implements the token-gated download checks.
type DownloadService struct {
	db              *sql.DB
	repomanager     repomanager.RepositoryManager
	layout          *filex.Layout
	cipher          cryptox.FileCipher
	keyContext      string
	strictAuthOrder bool
	logger          logging.Logger
	now             func() time.Time
}

func NewDownloadService(db *sql.DB, m repomanager.RepositoryManager, layout *filex.Layout, c cryptox.FileCipher,
	keyContext string, strictAuthOrder bool, l logging.Logger) *DownloadService {
	return &DownloadService{
		db:              db,
		repomanager:     m,
		layout:          layout,
		cipher:          c,
		keyContext:      keyContext,
		strictAuthOrder: strictAuthOrder,
		logger:          l.With("module", "download"),
		now:             time.Now,
	}
}

// Resolve finds the record behind a download token.
func (s *DownloadService) Resolve(ctx context.Context, token string) (*models.FileRecord, error) {
	rec, err := s.repomanager.Files(s.db).GetByToken(ctx, token)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, common.NewDownloadError(common.CodeInvalidToken, common.ErrorNotFound,
			"This download link is invalid or has expired.", nil)
	}
	if err != nil {
		return nil, common.NewDownloadError(common.CodeStore, common.ErrorInternal,
			"The download is temporarily unavailable.", err)
	}
	return rec, nil
}

func checkStatus(rec *models.FileRecord) error {
	switch rec.EncryptionStatus {
	case models.StatusComplete:
		return nil
	case models.StatusFailed:
		return common.NewDownloadError(common.CodeProcessingFailed, common.ErrProcessingFailed,
			"This file could not be processed. Please contact an administrator.", nil)
	default:
		return common.NewDownloadError(common.CodeNotReady, common.ErrNotReady,
			"This file is still being processed. Please try again in a few minutes.", nil)
	}
}

func checkAccess(rec *models.FileRecord, id *auth.Identity) error {
	if id == nil {
		return common.ErrorUnauthorized
	}
	if !access.CanDownload(id.Roles, rec.AllowedRoles) {
		return common.NewDownloadError(common.CodePermission, common.ErrPermissionDenied,
			"You do not have permission to download this file.", nil)
	}
	return nil
}

// Authorize runs the status and permission checks for rec. A nil identity
// yields common.ErrorUnauthorized; everything else is a *common.DownloadError.
// By default status is checked first; strict ordering authenticates first.
func (s *DownloadService) Authorize(rec *models.FileRecord, id *auth.Identity) error {
	if s.strictAuthOrder {
		if err := checkAccess(rec, id); err != nil {
			return err
		}
		return checkStatus(rec)
	}
	if err := checkStatus(rec); err != nil {
		return err
	}
	return checkAccess(rec, id)
}

// Prepare verifies the stored artifacts, accounts the download and decrypts
// the archive into a scratch file.
func (s *DownloadService) Prepare(ctx context.Context, rec *models.FileRecord, userID string) (*Prepared, error) {
	blob, err := s.layout.BlobPath(rec.StorageName)
	if err != nil || !filex.RegularFile(blob) {
		s.logger.Error(ctx, "blob missing", "file_id", rec.ID)
		return nil, common.NewDownloadError(common.CodeMissingBlob, common.ErrorNotFound,
			"The file could not be found.", err)
	}
	if !filex.RegularFile(filex.MetaPath(blob)) {
		s.logger.Error(ctx, "meta sidecar missing", "file_id", rec.ID)
		return nil, common.NewDownloadError(common.CodeMissingMeta, common.ErrStorage,
			"The file is damaged and cannot be downloaded.", nil)
	}

	s.account(ctx, rec.ID, userID)

	scratch := s.layout.NewScratchPath(rec.ID, userID)
	if err := s.cipher.Decrypt(ctx, blob, scratch, s.keyContext); err != nil {
		_ = filex.RemoveIfExists(scratch)
		s.logger.Error(ctx, "decrypt failed", "file_id", rec.ID, "error", err)
		return nil, common.NewDownloadError(common.CodeDecrypt, common.ErrCipher,
			"The file could not be decrypted.", err)
	}

	f, err := os.Open(scratch)
	if err != nil {
		_ = filex.RemoveIfExists(scratch)
		return nil, common.NewDownloadError(common.CodeEmptyResult, common.ErrStorage,
			"The file could not be prepared.", err)
	}
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		_ = f.Close()
		_ = filex.RemoveIfExists(scratch)
		return nil, common.NewDownloadError(common.CodeEmptyResult, common.ErrStorage,
			"The file could not be prepared.", err)
	}

	return &Prepared{File: f, Name: rec.DownloadName(), Size: st.Size(), path: scratch}, nil
}

// account bumps the counter and appends a log entry. Failures are logged only.
func (s *DownloadService) account(ctx context.Context, fileID int64, userID string) {
	now := s.now()
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Files(tx).IncrementDownloads(ctx, fileID, now); err != nil {
			return fmt.Errorf("increment: %w", err)
		}
		if _, err := s.repomanager.DownloadLogs(tx).Insert(ctx, fileID, userID, now); err != nil {
			return fmt.Errorf("log: %w", err)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn(ctx, "download accounting failed", "file_id", fileID, "error", err)
	}
}
