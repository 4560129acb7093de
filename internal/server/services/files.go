package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/randx"
	"github.com/dmitrijs2005/filevault/internal/server/access"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/offsite"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
)

const (
	DefaultLogLimit = 10
	MaxLogLimit     = 100
	failureLimit    = 50
)

// DeleteReport lists what DeleteProjectFiles removed.
type DeleteReport struct {
	Records      int64
	FilesRemoved int
}

// FileService exposes administrative operations on project files.
type FileService struct {
	db            *sql.DB
	repomanager   repomanager.RepositoryManager
	layout        *filex.Layout
	locks         *ProjectLocks
	replicator    offsite.Replicator
	publicBaseURL string
	logger        logging.Logger
}

func NewFileService(db *sql.DB, m repomanager.RepositoryManager, layout *filex.Layout, locks *ProjectLocks,
	r offsite.Replicator, publicBaseURL string, l logging.Logger) *FileService {
	if r == nil {
		r = offsite.Nop{}
	}
	return &FileService{
		db:            db,
		repomanager:   m,
		layout:        layout,
		locks:         locks,
		replicator:    r,
		publicBaseURL: publicBaseURL,
		logger:        l.With("module", "files"),
	}
}

// GetProjectFile returns the most recent record of a project.
func (s *FileService) GetProjectFile(ctx context.Context, projectID int64) (*models.FileRecord, error) {
	return s.repomanager.Files(s.db).LatestForProject(ctx, projectID)
}

func (s *FileService) GetFile(ctx context.Context, fileID int64) (*models.FileRecord, error) {
	return s.repomanager.Files(s.db).GetByID(ctx, fileID)
}

// DownloadURL builds the shareable link for rec.
func (s *FileService) DownloadURL(rec *models.FileRecord) (string, error) {
	u, err := url.Parse(s.publicBaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: public base url: %v", common.ErrValidation, err)
	}
	q := u.Query()
	q.Set(common.DownloadTokenParam, rec.AccessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *FileService) DownloadCount(ctx context.Context, fileID int64) (int64, error) {
	return s.repomanager.Files(s.db).DownloadCount(ctx, fileID)
}

// ListDownloadLogs pages through the log of a file, newest first.
func (s *FileService) ListDownloadLogs(ctx context.Context, fileID int64, limit, offset int) ([]*models.DownloadLogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repomanager.DownloadLogs(s.db).List(ctx, fileID, limit, offset)
}

// DeleteDownloadLog removes one entry and decrements the counter, floored at 0.
func (s *FileService) DeleteDownloadLog(ctx context.Context, logID int64) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		logs := s.repomanager.DownloadLogs(tx)
		entry, err := logs.Get(ctx, logID)
		if err != nil {
			return err
		}
		if err := logs.Delete(ctx, logID); err != nil {
			return err
		}
		return s.repomanager.Files(tx).DecrementDownloads(ctx, entry.FileID)
	})
}

// RegenerateToken issues a new access token; links with the old one stop working.
func (s *FileService) RegenerateToken(ctx context.Context, fileID int64) (*models.FileRecord, error) {
	repo := s.repomanager.Files(s.db)
	rec, err := repo.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	token, err := randx.Token()
	if err != nil {
		return nil, err
	}
	if err := repo.UpdateToken(ctx, rec.ID, token); err != nil {
		return nil, err
	}
	rec.AccessToken = token
	s.logger.Info(ctx, "access token regenerated", "file_id", rec.ID)
	return rec, nil
}

func (s *FileService) SecurityLevels() []access.Level {
	return access.SecurityLevels()
}

// RecentFailures lists the newest encryption failures.
func (s *FileService) RecentFailures(ctx context.Context) ([]*models.EncryptionFailure, error) {
	return s.repomanager.Failures(s.db).List(ctx, failureLimit)
}

// PendingJobs lists the queued jobs of a project.
func (s *FileService) PendingJobs(ctx context.Context, projectID int64) ([]*models.EncryptionJob, error) {
	return s.repomanager.Jobs(s.db).ListForProject(ctx, projectID)
}

// DeleteProjectFiles removes every record of a project with its blobs,
// sidecars, queued sources and offsite copies. Rows go first; file removal
// is best effort and failures are joined into the returned error.
func (s *FileService) DeleteProjectFiles(ctx context.Context, projectID int64) (*DeleteReport, error) {
	release, ok := s.locks.TryAcquire(projectID)
	if !ok {
		return nil, common.ErrIntakeInProgress
	}
	defer release()

	var (
		paths       []string
		storageKeys []string
		report      = &DeleteReport{}
	)

	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		files := s.repomanager.Files(tx)
		recs, err := files.ListForProject(ctx, projectID)
		if err != nil {
			return err
		}
		jobList, err := s.repomanager.Jobs(tx).ListForProject(ctx, projectID)
		if err != nil {
			return err
		}
		cleanupList, err := s.repomanager.Cleanups(tx).ListForProject(ctx, projectID)
		if err != nil {
			return err
		}

		for _, rec := range recs {
			if blob, err := s.layout.BlobPath(rec.StorageName); err == nil {
				paths = append(paths, blob, filex.MetaPath(blob))
				storageKeys = append(storageKeys, offsite.BlobKeys(rec.StorageName)...)
			}
			sources, err := s.repomanager.Failures(tx).DeleteForFile(ctx, rec.ID)
			if err != nil {
				return err
			}
			paths = append(paths, sources...)
		}
		for _, j := range jobList {
			paths = append(paths, j.SourcePath)
			if blob, err := s.layout.BlobPath(j.StorageName); err == nil {
				paths = append(paths, blob, filex.MetaPath(blob))
			}
		}
		for _, c := range cleanupList {
			paths = append(paths, c.OldBlobPath, c.OldMetaPath)
			if c.PreviousStorageName != "" {
				storageKeys = append(storageKeys, offsite.BlobKeys(c.PreviousStorageName)...)
			}
		}

		report.Records, err = files.DeleteForProject(ctx, projectID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete project files: %w", err)
	}

	var errs []error
	for _, p := range paths {
		if !s.owns(p) {
			continue
		}
		existed := filex.RegularFile(p)
		if err := filex.RemoveIfExists(p); err != nil {
			errs = append(errs, err)
			continue
		}
		if existed {
			report.FilesRemoved++
		}
	}
	if len(storageKeys) > 0 {
		if err := s.replicator.Delete(ctx, storageKeys...); err != nil {
			errs = append(errs, err)
		}
	}

	s.logger.Info(ctx, "project files deleted", "project_id", projectID, "records", report.Records,
		"files_removed", report.FilesRemoved)
	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("%w: partial cleanup: %v", common.ErrStorage, err)
	}
	return report, nil
}

// owns reports whether p lies under the storage root.
func (s *FileService) owns(p string) bool {
	if p == "" {
		return false
	}
	rel, err := filepath.Rel(s.layout.Root(), p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
