package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/randx"
	"github.com/dmitrijs2005/filevault/internal/server/access"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
)

// allowedExtensions is the upload allow-list.
var allowedExtensions = map[string]struct{}{".zip": {}}

// Upload is an incoming archive. Filename is client-supplied and only used
// for display metadata.
type Upload struct {
	Filename string
	Body     io.Reader
}

// SubmitRequest is one intake call for a project.
type SubmitRequest struct {
	ProjectID       int64
	Upload          *Upload
	SecurityLevel   string
	ProjectNameHint string
	RegenerateToken bool
}

// SubmitResult reports what the intake did.
type SubmitResult struct {
	Record *models.FileRecord
	// Accepted is true when a file was queued or the policy changed.
	Accepted      bool
	Queued        bool
	PolicyChanged bool
}

// IntakeService stages uploads and queues them for encryption.
type IntakeService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	layout      *filex.Layout
	locks       *ProjectLocks
	logger      logging.Logger
	trigger     func()
	now         func() time.Time
}

// NewIntakeService wires the intake. trigger is called after every queued
// upload and must not block; nil disables it.
func NewIntakeService(db *sql.DB, m repomanager.RepositoryManager, layout *filex.Layout, locks *ProjectLocks, l logging.Logger, trigger func()) *IntakeService {
	if trigger == nil {
		trigger = func() {}
	}
	return &IntakeService{
		db:          db,
		repomanager: m,
		layout:      layout,
		locks:       locks,
		logger:      l.With("module", "intake"),
		trigger:     trigger,
		now:         time.Now,
	}
}

// DisplayName builds the record title from the project name.
func DisplayName(projectID int64, hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		hint = "Project " + strconv.FormatInt(projectID, 10)
	}
	return hint + " - Files"
}

func checkExtension(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := allowedExtensions[ext]; !ok {
		return fmt.Errorf("%w: only .zip archives are accepted", common.ErrValidation)
	}
	return nil
}

// Submit handles one intake for a project. Concurrent calls for the same
// project fail with common.ErrIntakeInProgress.
func (s *IntakeService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.ProjectID <= 0 {
		return nil, fmt.Errorf("%w: invalid project id", common.ErrValidation)
	}

	release, ok := s.locks.TryAcquire(req.ProjectID)
	if !ok {
		return nil, common.ErrIntakeInProgress
	}
	defer release()

	if req.Upload == nil {
		return s.updatePolicy(ctx, req)
	}
	return s.queueUpload(ctx, req)
}

// updatePolicy is the metadata-only path: no file, maybe a new security level.
func (s *IntakeService) updatePolicy(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	res := &SubmitResult{}
	if strings.TrimSpace(req.SecurityLevel) == "" {
		return res, nil
	}

	repo := s.repomanager.Files(s.db)
	rec, err := repo.LatestForProject(ctx, req.ProjectID)
	if errors.Is(err, common.ErrorNotFound) {
		return res, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	res.Record = rec

	roles := access.SecurityLevelToRoles(req.SecurityLevel)
	if access.EqualRoles(roles, rec.AllowedRoles) {
		return res, nil
	}
	if err := repo.UpdateRoles(ctx, rec.ID, roles); err != nil {
		return nil, fmt.Errorf("update roles: %w", err)
	}
	rec.AllowedRoles = roles
	res.Accepted = true
	res.PolicyChanged = true

	s.logger.Info(ctx, "security level updated", "project_id", req.ProjectID, "file_id", rec.ID,
		"level", access.RolesToSecurityLevel(roles))
	return res, nil
}

// stage streams the upload into temp and returns its path.
func (s *IntakeService) stage(u *Upload) (string, error) {
	path := s.layout.NewUploadPath(u.Filename)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("%w: create staging file: %v", common.ErrStorage, err)
	}
	n, err := io.Copy(f, u.Body)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = filex.RemoveIfExists(path)
		return "", fmt.Errorf("%w: write staging file: %v", common.ErrStorage, err)
	}
	if n == 0 {
		_ = filex.RemoveIfExists(path)
		return "", fmt.Errorf("%w: empty upload", common.ErrValidation)
	}
	return path, nil
}

func (s *IntakeService) queueUpload(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := checkExtension(req.Upload.Filename); err != nil {
		return nil, err
	}

	sourcePath, err := s.stage(req.Upload)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var (
		rec              *models.FileRecord
		supersededSource string
	)

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		filesRepo := s.repomanager.Files(tx)

		existing, err := filesRepo.LatestForProject(ctx, req.ProjectID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("load record: %w", err)
		}

		storageName, err := randx.StorageName(now)
		if err != nil {
			return err
		}

		if existing == nil {
			roles := access.SecurityLevelToRoles(req.SecurityLevel)
			token, err := randx.Token()
			if err != nil {
				return err
			}
			rec = &models.FileRecord{
				ProjectID:        req.ProjectID,
				DisplayName:      DisplayName(req.ProjectID, req.ProjectNameHint),
				OriginalFilename: req.Upload.Filename,
				StorageName:      storageName,
				AccessToken:      token,
				AllowedRoles:     roles,
				EncryptionStatus: models.StatusPending,
			}
			if err := filesRepo.Create(ctx, rec); err != nil {
				return fmt.Errorf("create record: %w", err)
			}
		} else {
			if existing.EncryptionStatus == models.StatusComplete {
				oldBlob, err := s.layout.BlobPath(existing.StorageName)
				if err != nil {
					return err
				}
				err = s.repomanager.Cleanups(tx).Upsert(ctx, &models.CleanupEntry{
					FileID:                   existing.ID,
					OldBlobPath:              oldBlob,
					OldMetaPath:              filex.MetaPath(oldBlob),
					PreviousStorageName:      existing.StorageName,
					PreviousOriginalFilename: existing.OriginalFilename,
				})
				if err != nil {
					return fmt.Errorf("stage cleanup: %w", err)
				}
			}

			prev, err := s.repomanager.Jobs(tx).Get(ctx, existing.ID)
			switch {
			case err == nil:
				supersededSource = prev.SourcePath
			case !errors.Is(err, common.ErrorNotFound):
				return fmt.Errorf("load job: %w", err)
			}

			rec = existing
			rec.DisplayName = DisplayName(req.ProjectID, req.ProjectNameHint)
			rec.OriginalFilename = req.Upload.Filename
			rec.StorageName = storageName
			rec.EncryptionStatus = models.StatusPending
			if strings.TrimSpace(req.SecurityLevel) != "" {
				rec.AllowedRoles = access.SecurityLevelToRoles(req.SecurityLevel)
			}
			if req.RegenerateToken {
				if rec.AccessToken, err = randx.Token(); err != nil {
					return err
				}
			}
			if err := filesRepo.ReplaceUpload(ctx, rec); err != nil {
				return fmt.Errorf("update record: %w", err)
			}
		}

		return s.repomanager.Jobs(tx).Upsert(ctx, &models.EncryptionJob{
			FileID:      rec.ID,
			SourcePath:  sourcePath,
			StorageName: storageName,
			EnqueuedAt:  now,
		})
	})
	if err != nil {
		_ = filex.RemoveIfExists(sourcePath)
		return nil, fmt.Errorf("queue upload: %w", err)
	}

	if supersededSource != "" && supersededSource != sourcePath && s.layout.InTemp(supersededSource) {
		if err := filex.RemoveIfExists(supersededSource); err != nil {
			s.logger.Warn(ctx, "failed to remove superseded source", "file_id", rec.ID, "error", err)
		}
	}

	s.logger.Info(ctx, "upload queued", "project_id", rec.ProjectID, "file_id", rec.ID, "status", rec.EncryptionStatus)
	s.trigger()

	return &SubmitResult{Record: rec, Accepted: true, Queued: true}, nil
}
