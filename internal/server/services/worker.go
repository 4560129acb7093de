package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/cryptox"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/offsite"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/repomanager"
)

// DrainStats summarises one pass over the job queue.
type DrainStats struct {
	Processed  int
	Completed  int
	Failed     int
	Superseded int
	Swept      int
	// Skipped is true when another drain was already running.
	Skipped bool
}

// WorkerOption customises an EncryptionWorker.
type WorkerOption func(*EncryptionWorker)

// WithReplicator mirrors completed blobs offsite.
func WithReplicator(r offsite.Replicator) WorkerOption {
	return func(w *EncryptionWorker) { w.replicator = r }
}

// WithFailedSourceRetention enables the sweep of failed temp sources
// older than d. Zero keeps them forever.
func WithFailedSourceRetention(d time.Duration) WorkerOption {
	return func(w *EncryptionWorker) { w.retention = d }
}

// WithDrainHook is called after every completed drain.
func WithDrainHook(fn func(*DrainStats, error)) WorkerOption {
	return func(w *EncryptionWorker) { w.onDrain = fn }
}

// EncryptionWorker turns queued uploads into encrypted blobs.
type EncryptionWorker struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	layout      *filex.Layout
	cipher      cryptox.FileCipher
	keyContext  string
	logger      logging.Logger
	replicator  offsite.Replicator
	retention   time.Duration
	onDrain     func(*DrainStats, error)
	now         func() time.Time

	running sync.Mutex
	trigger chan struct{}
}

func NewEncryptionWorker(db *sql.DB, m repomanager.RepositoryManager, layout *filex.Layout, c cryptox.FileCipher,
	keyContext string, l logging.Logger, opts ...WorkerOption) *EncryptionWorker {
	w := &EncryptionWorker{
		db:          db,
		repomanager: m,
		layout:      layout,
		cipher:      c,
		keyContext:  keyContext,
		logger:      l.With("module", "worker"),
		replicator:  offsite.Nop{},
		now:         time.Now,
		trigger:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Trigger asks Run for a drain as soon as possible. It never blocks.
func (w *EncryptionWorker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every tick and on every Trigger until ctx is done.
func (w *EncryptionWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info(ctx, "worker started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "worker stopped")
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error(ctx, "drain failed", "error", err)
		}
	}
}

// Drain processes every queued job once. Overlapping calls return
// immediately with Skipped set.
func (w *EncryptionWorker) Drain(ctx context.Context) (*DrainStats, error) {
	if !w.running.TryLock() {
		return &DrainStats{Skipped: true}, nil
	}
	defer w.running.Unlock()

	stats := &DrainStats{}
	err := w.drain(ctx, stats)
	if w.onDrain != nil {
		w.onDrain(stats, err)
	}
	return stats, err
}

func (w *EncryptionWorker) drain(ctx context.Context, stats *DrainStats) error {
	jobs, err := w.repomanager.Jobs(w.db).List(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stats.Processed++
		outcome, err := w.process(ctx, job)
		switch outcome {
		case outcomeComplete:
			stats.Completed++
		case outcomeFailed:
			stats.Failed++
		case outcomeSuperseded:
			stats.Superseded++
		}
		if err != nil {
			w.logger.Error(ctx, "job left queued", "file_id", job.FileID, "error", err)
			errs = append(errs, err)
		}
	}

	if w.retention > 0 {
		n, err := w.sweepFailedSources(ctx)
		stats.Swept = n
		if err != nil {
			errs = append(errs, err)
		}
	}

	if stats.Processed > 0 {
		w.logger.Info(ctx, "drain finished", "processed", stats.Processed, "completed", stats.Completed,
			"failed", stats.Failed, "superseded", stats.Superseded)
	}
	return errors.Join(errs...)
}

type outcome int

const (
	outcomeRetry outcome = iota
	outcomeComplete
	outcomeFailed
	outcomeSuperseded
)

// process runs one job. An error with outcomeRetry leaves the job queued
// for the next drain.
func (w *EncryptionWorker) process(ctx context.Context, job *models.EncryptionJob) (outcome, error) {
	blob, err := w.layout.BlobPath(job.StorageName)
	if err != nil {
		return w.fail(ctx, job, "invalid storage name", "", "")
	}
	meta := filex.MetaPath(blob)

	if !filex.RegularFile(job.SourcePath) {
		return w.fail(ctx, job, "source file missing", "", "")
	}

	files := w.repomanager.Files(w.db)
	current, err := files.SetStatusIfCurrent(ctx, job.FileID, job.StorageName, models.StatusProcessing)
	if err != nil {
		return outcomeRetry, fmt.Errorf("mark processing: %w", err)
	}
	if !current {
		return w.discard(ctx, job, blob, meta)
	}

	if err := w.cipher.Encrypt(ctx, job.SourcePath, blob, w.keyContext); err != nil {
		if ctx.Err() != nil {
			_ = filex.RemoveIfExists(blob)
			_ = filex.RemoveIfExists(meta)
			return outcomeRetry, ctx.Err()
		}
		w.logger.Warn(ctx, "encryption failed", "file_id", job.FileID, "error", err)
		return w.fail(ctx, job, "encryption failed", blob, meta)
	}
	if !filex.NonEmptyFile(blob) || !filex.NonEmptyFile(meta) {
		return w.fail(ctx, job, "encryption produced no output", blob, meta)
	}

	current, err = files.SetStatusIfCurrent(ctx, job.FileID, job.StorageName, models.StatusComplete)
	if err != nil {
		return outcomeRetry, fmt.Errorf("mark complete: %w", err)
	}
	if !current {
		return w.discard(ctx, job, blob, meta)
	}

	if err := filex.RemoveIfExists(job.SourcePath); err != nil {
		w.logger.Warn(ctx, "failed to remove source", "file_id", job.FileID, "error", err)
	}
	w.runCleanup(ctx, job.FileID)
	w.replicate(ctx, job, blob, meta)

	if _, err := w.repomanager.Jobs(w.db).Delete(ctx, job.FileID, job.StorageName); err != nil {
		return outcomeComplete, fmt.Errorf("delete job: %w", err)
	}
	w.logger.Info(ctx, "file encrypted", "file_id", job.FileID)
	return outcomeComplete, nil
}

// settled reports whether the record already finished the upload behind job
// in another drain. Its artifacts and source then belong to that outcome.
// A lookup error counts as settled so nothing is removed on a guess.
func (w *EncryptionWorker) settled(ctx context.Context, job *models.EncryptionJob) bool {
	rec, err := w.repomanager.Files(w.db).GetByID(ctx, job.FileID)
	if errors.Is(err, common.ErrorNotFound) {
		return false
	}
	if err != nil {
		w.logger.Warn(ctx, "failed to reload record", "file_id", job.FileID, "error", err)
		return true
	}
	return rec.StorageName == job.StorageName && !rec.EncryptionStatus.InFlight()
}

// dropArtifacts removes what a job left behind, unless another drain already
// settled the same upload.
func (w *EncryptionWorker) dropArtifacts(ctx context.Context, job *models.EncryptionJob, blob, meta string) {
	if w.settled(ctx, job) {
		return
	}
	if w.layout.InTemp(job.SourcePath) {
		_ = filex.RemoveIfExists(job.SourcePath)
	}
	if blob != "" {
		_ = filex.RemoveIfExists(blob)
		_ = filex.RemoveIfExists(meta)
	}
}

// discard drops a job whose record has moved on to a newer upload or was
// already settled by another drain.
func (w *EncryptionWorker) discard(ctx context.Context, job *models.EncryptionJob, blob, meta string) (outcome, error) {
	w.dropArtifacts(ctx, job, blob, meta)

	if _, err := w.repomanager.Jobs(w.db).Delete(ctx, job.FileID, job.StorageName); err != nil {
		return outcomeSuperseded, fmt.Errorf("delete stale job: %w", err)
	}
	w.logger.Info(ctx, "stale job discarded", "file_id", job.FileID)
	return outcomeSuperseded, nil
}

// fail records a terminal failure. When the record replaced a complete
// upload whose artifacts are still intact, the previous copy is restored
// instead of marking the record failed. The source is kept.
func (w *EncryptionWorker) fail(ctx context.Context, job *models.EncryptionJob, reason, blob, meta string) (outcome, error) {
	restored := false
	stale := false
	err := dbx.WithTx(ctx, w.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		files := w.repomanager.Files(tx)
		cleanups := w.repomanager.Cleanups(tx)

		entry, err := cleanups.Get(ctx, job.FileID)
		if err != nil && !errors.Is(err, common.ErrorNotFound) {
			return fmt.Errorf("load cleanup: %w", err)
		}

		if entry != nil && filex.NonEmptyFile(entry.OldBlobPath) && filex.NonEmptyFile(entry.OldMetaPath) {
			ok, err := files.RestorePrevious(ctx, job.FileID, job.StorageName, entry)
			if err != nil {
				return fmt.Errorf("restore previous: %w", err)
			}
			if ok {
				restored = true
				if err := cleanups.Delete(ctx, job.FileID); err != nil {
					return fmt.Errorf("delete cleanup: %w", err)
				}
			} else {
				stale = true
			}
		} else {
			ok, err := files.SetStatusIfCurrent(ctx, job.FileID, job.StorageName, models.StatusFailed)
			if err != nil {
				return fmt.Errorf("mark failed: %w", err)
			}
			stale = !ok
		}

		if _, err := w.repomanager.Jobs(tx).Delete(ctx, job.FileID, job.StorageName); err != nil {
			return fmt.Errorf("delete job: %w", err)
		}
		if stale {
			return nil
		}
		return w.repomanager.Failures(tx).Insert(ctx, &models.EncryptionFailure{
			FileID:     job.FileID,
			SourcePath: job.SourcePath,
			Reason:     reason,
			FailedAt:   w.now(),
		})
	})
	if err != nil {
		if blob != "" && !w.settled(ctx, job) {
			_ = filex.RemoveIfExists(blob)
			_ = filex.RemoveIfExists(meta)
		}
		return outcomeRetry, err
	}

	if stale {
		w.dropArtifacts(ctx, job, blob, meta)
		w.logger.Info(ctx, "stale job discarded", "file_id", job.FileID)
		return outcomeSuperseded, nil
	}

	if blob != "" {
		_ = filex.RemoveIfExists(blob)
		_ = filex.RemoveIfExists(meta)
	}
	if restored {
		w.logger.Warn(ctx, "encryption failed, previous file restored", "file_id", job.FileID, "reason", reason)
	} else {
		w.logger.Error(ctx, "encryption failed", "file_id", job.FileID, "reason", reason)
	}
	return outcomeFailed, nil
}

// runCleanup removes the superseded artifacts of a file, locally and offsite.
func (w *EncryptionWorker) runCleanup(ctx context.Context, fileID int64) {
	cleanups := w.repomanager.Cleanups(w.db)
	entry, err := cleanups.Get(ctx, fileID)
	if errors.Is(err, common.ErrorNotFound) {
		return
	}
	if err != nil {
		w.logger.Warn(ctx, "failed to load cleanup", "file_id", fileID, "error", err)
		return
	}

	var errs []error
	errs = append(errs, filex.RemoveIfExists(entry.OldBlobPath), filex.RemoveIfExists(entry.OldMetaPath))
	if entry.PreviousStorageName != "" {
		if err := w.replicator.Delete(ctx, offsite.BlobKeys(entry.PreviousStorageName)...); err != nil {
			w.logger.Warn(ctx, "failed to delete offsite copy", "file_id", fileID, "error", err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		w.logger.Warn(ctx, "failed to remove old files", "file_id", fileID, "error", err)
		return
	}
	if err := cleanups.Delete(ctx, fileID); err != nil {
		w.logger.Warn(ctx, "failed to delete cleanup", "file_id", fileID, "error", err)
	}
}

func (w *EncryptionWorker) replicate(ctx context.Context, job *models.EncryptionJob, blob, meta string) {
	keys := offsite.BlobKeys(job.StorageName)
	for i, p := range []string{blob, meta} {
		if err := w.replicator.Put(ctx, keys[i], p); err != nil {
			w.logger.Warn(ctx, "offsite replication failed", "file_id", job.FileID, "error", err)
			return
		}
	}
}

// sweepFailedSources deletes temp sources of failures older than the
// retention and drops their markers.
func (w *EncryptionWorker) sweepFailedSources(ctx context.Context) (int, error) {
	repo := w.repomanager.Failures(w.db)
	old, err := repo.ListOlderThan(ctx, w.now().Add(-w.retention))
	if err != nil {
		return 0, fmt.Errorf("list failures: %w", err)
	}

	swept := 0
	var errs []error
	for _, f := range old {
		if w.layout.InTemp(f.SourcePath) {
			if err := filex.RemoveIfExists(f.SourcePath); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := repo.Delete(ctx, f.ID); err != nil && !errors.Is(err, common.ErrorNotFound) {
			errs = append(errs, err)
			continue
		}
		swept++
	}
	return swept, errors.Join(errs...)
}
