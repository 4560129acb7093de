package services

import (
	"bytes"
	"context"
	"database/sql"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/cryptox"
	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/cleanups"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/downloadlogs"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/failures"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/files"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/jobs"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// memStore keeps every table in memory. Transactions run against a real
// sqlite handle but the fakes ignore it.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	nextLog  int64
	nextFail int64
	files    map[int64]*models.FileRecord
	jobs     map[int64]*models.EncryptionJob
	cleanups map[int64]*models.CleanupEntry
	failures []*models.EncryptionFailure
	logs     []*models.DownloadLogEntry

	incrementErr error
	listJobsErr  error
	setStatusErr error
	jobUpsertErr error
	getTokenErr  error
}

func newMemStore() *memStore {
	return &memStore{
		files:    map[int64]*models.FileRecord{},
		jobs:     map[int64]*models.EncryptionJob{},
		cleanups: map[int64]*models.CleanupEntry{},
	}
}

func cloneRecord(r *models.FileRecord) *models.FileRecord {
	c := *r
	c.AllowedRoles = append([]string(nil), r.AllowedRoles...)
	return &c
}

func (s *memStore) record(id int64) *models.FileRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.files[id]; ok {
		return cloneRecord(r)
	}
	return nil
}

func (s *memStore) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type memFiles struct{ s *memStore }

func (f memFiles) Create(_ context.Context, rec *models.FileRecord) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.nextID++
	rec.ID = f.s.nextID
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	f.s.files[rec.ID] = cloneRecord(rec)
	return nil
}

func (f memFiles) ReplaceUpload(_ context.Context, rec *models.FileRecord) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	if _, ok := f.s.files[rec.ID]; !ok {
		return common.ErrorNotFound
	}
	f.s.files[rec.ID] = cloneRecord(rec)
	return nil
}

func (f memFiles) get(match func(*models.FileRecord) bool) (*models.FileRecord, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var best *models.FileRecord
	for _, r := range f.s.files {
		if match(r) && (best == nil || r.ID > best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil, common.ErrorNotFound
	}
	return cloneRecord(best), nil
}

func (f memFiles) GetByID(_ context.Context, id int64) (*models.FileRecord, error) {
	return f.get(func(r *models.FileRecord) bool { return r.ID == id })
}

func (f memFiles) GetByToken(_ context.Context, token string) (*models.FileRecord, error) {
	if f.s.getTokenErr != nil {
		return nil, f.s.getTokenErr
	}
	if token == "" {
		return nil, common.ErrorNotFound
	}
	return f.get(func(r *models.FileRecord) bool { return r.AccessToken == token })
}

func (f memFiles) LatestForProject(_ context.Context, projectID int64) (*models.FileRecord, error) {
	return f.get(func(r *models.FileRecord) bool { return r.ProjectID == projectID })
}

func (f memFiles) ListForProject(_ context.Context, projectID int64) ([]*models.FileRecord, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*models.FileRecord
	for _, r := range f.s.files {
		if r.ProjectID == projectID {
			out = append(out, cloneRecord(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (f memFiles) update(id int64, fn func(*models.FileRecord)) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.files[id]
	if !ok {
		return common.ErrorNotFound
	}
	fn(r)
	return nil
}

func (f memFiles) UpdateRoles(_ context.Context, id int64, roles []string) error {
	return f.update(id, func(r *models.FileRecord) { r.AllowedRoles = append([]string(nil), roles...) })
}

func (f memFiles) UpdateToken(_ context.Context, id int64, token string) error {
	return f.update(id, func(r *models.FileRecord) { r.AccessToken = token })
}

func (f memFiles) SetStatusIfCurrent(_ context.Context, id int64, storageName string, status models.EncryptionStatus) (bool, error) {
	if f.s.setStatusErr != nil {
		return false, f.s.setStatusErr
	}
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.files[id]
	if !ok || r.StorageName != storageName || !slices.Contains(status.TransitionSources(), r.EncryptionStatus) {
		return false, nil
	}
	r.EncryptionStatus = status
	return true, nil
}

func (f memFiles) RestorePrevious(_ context.Context, id int64, current string, prev *models.CleanupEntry) (bool, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	r, ok := f.s.files[id]
	if !ok || r.StorageName != current || !r.EncryptionStatus.InFlight() {
		return false, nil
	}
	r.StorageName = prev.PreviousStorageName
	r.OriginalFilename = prev.PreviousOriginalFilename
	r.EncryptionStatus = models.StatusComplete
	return true, nil
}

func (f memFiles) IncrementDownloads(_ context.Context, id int64, at time.Time) error {
	if f.s.incrementErr != nil {
		return f.s.incrementErr
	}
	return f.update(id, func(r *models.FileRecord) {
		r.DownloadCount++
		r.LastDownloadAt = &at
	})
}

func (f memFiles) DecrementDownloads(_ context.Context, id int64) error {
	return f.update(id, func(r *models.FileRecord) {
		if r.DownloadCount > 0 {
			r.DownloadCount--
		}
	})
}

func (f memFiles) DownloadCount(_ context.Context, id int64) (int64, error) {
	r, err := f.GetByID(context.Background(), id)
	if err != nil {
		return 0, err
	}
	return r.DownloadCount, nil
}

func (f memFiles) DeleteForProject(_ context.Context, projectID int64) (int64, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var n int64
	for id, r := range f.s.files {
		if r.ProjectID != projectID {
			continue
		}
		delete(f.s.files, id)
		delete(f.s.jobs, id)
		delete(f.s.cleanups, id)
		kept := f.s.logs[:0]
		for _, l := range f.s.logs {
			if l.FileID != id {
				kept = append(kept, l)
			}
		}
		f.s.logs = kept
		n++
	}
	return n, nil
}

type memJobs struct{ s *memStore }

func (j memJobs) Get(_ context.Context, fileID int64) (*models.EncryptionJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[fileID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *job
	return &c, nil
}

func (j memJobs) Upsert(_ context.Context, job *models.EncryptionJob) error {
	if j.s.jobUpsertErr != nil {
		return j.s.jobUpsertErr
	}
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	c := *job
	j.s.jobs[job.FileID] = &c
	return nil
}

func (j memJobs) list(match func(*models.EncryptionJob) bool) []*models.EncryptionJob {
	var out []*models.EncryptionJob
	for _, job := range j.s.jobs {
		if match(job) {
			c := *job
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].EnqueuedAt.Equal(out[b].EnqueuedAt) {
			return out[a].EnqueuedAt.Before(out[b].EnqueuedAt)
		}
		return out[a].FileID < out[b].FileID
	})
	return out
}

func (j memJobs) List(context.Context) ([]*models.EncryptionJob, error) {
	if j.s.listJobsErr != nil {
		return nil, j.s.listJobsErr
	}
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.list(func(*models.EncryptionJob) bool { return true }), nil
}

func (j memJobs) ListForProject(_ context.Context, projectID int64) ([]*models.EncryptionJob, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	return j.list(func(job *models.EncryptionJob) bool {
		r, ok := j.s.files[job.FileID]
		return ok && r.ProjectID == projectID
	}), nil
}

func (j memJobs) Delete(_ context.Context, fileID int64, storageName string) (bool, error) {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	job, ok := j.s.jobs[fileID]
	if !ok || job.StorageName != storageName {
		return false, nil
	}
	delete(j.s.jobs, fileID)
	return true, nil
}

type memCleanups struct{ s *memStore }

func (c memCleanups) Upsert(_ context.Context, e *models.CleanupEntry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cp := *e
	c.s.cleanups[e.FileID] = &cp
	return nil
}

func (c memCleanups) Get(_ context.Context, fileID int64) (*models.CleanupEntry, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	e, ok := c.s.cleanups[fileID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *e
	return &cp, nil
}

func (c memCleanups) Delete(_ context.Context, fileID int64) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	delete(c.s.cleanups, fileID)
	return nil
}

func (c memCleanups) ListForProject(_ context.Context, projectID int64) ([]*models.CleanupEntry, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []*models.CleanupEntry
	for id, e := range c.s.cleanups {
		if r, ok := c.s.files[id]; ok && r.ProjectID == projectID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memFailures struct{ s *memStore }

func (f memFailures) Insert(_ context.Context, m *models.EncryptionFailure) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	f.s.nextFail++
	m.ID = f.s.nextFail
	cp := *m
	f.s.failures = append(f.s.failures, &cp)
	return nil
}

func (f memFailures) List(_ context.Context, limit int) ([]*models.EncryptionFailure, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*models.EncryptionFailure
	for i := len(f.s.failures) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *f.s.failures[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (f memFailures) ListOlderThan(_ context.Context, before time.Time) ([]*models.EncryptionFailure, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var out []*models.EncryptionFailure
	for _, m := range f.s.failures {
		if m.FailedAt.Before(before) {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f memFailures) Delete(_ context.Context, id int64) error {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	for i, m := range f.s.failures {
		if m.ID == id {
			f.s.failures = append(f.s.failures[:i], f.s.failures[i+1:]...)
			return nil
		}
	}
	return common.ErrorNotFound
}

func (f memFailures) DeleteForFile(_ context.Context, fileID int64) ([]string, error) {
	f.s.mu.Lock()
	defer f.s.mu.Unlock()
	var sources []string
	kept := f.s.failures[:0]
	for _, m := range f.s.failures {
		if m.FileID == fileID {
			sources = append(sources, m.SourcePath)
			continue
		}
		kept = append(kept, m)
	}
	f.s.failures = kept
	return sources, nil
}

type memLogs struct{ s *memStore }

func (l memLogs) Insert(_ context.Context, fileID int64, userID string, at time.Time) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.nextLog++
	l.s.logs = append(l.s.logs, &models.DownloadLogEntry{ID: l.s.nextLog, FileID: fileID, UserID: userID, DownloadedAt: at})
	return l.s.nextLog, nil
}

func (l memLogs) Get(_ context.Context, id int64) (*models.DownloadLogEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, e := range l.s.logs {
		if e.ID == id {
			cp := *e
			return &cp, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (l memLogs) List(_ context.Context, fileID int64, limit, offset int) ([]*models.DownloadLogEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var all []*models.DownloadLogEntry
	for i := len(l.s.logs) - 1; i >= 0; i-- {
		if l.s.logs[i].FileID == fileID {
			cp := *l.s.logs[i]
			all = append(all, &cp)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (l memLogs) Delete(_ context.Context, id int64) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for i, e := range l.s.logs {
		if e.ID == id {
			l.s.logs = append(l.s.logs[:i], l.s.logs[i+1:]...)
			return nil
		}
	}
	return common.ErrorNotFound
}

type memManager struct{ s *memStore }

func (m memManager) RunMigrations(context.Context, *sql.DB) error  { return nil }
func (m memManager) Files(dbx.DBTX) files.Repository               { return memFiles{m.s} }
func (m memManager) Jobs(dbx.DBTX) jobs.Repository                 { return memJobs{m.s} }
func (m memManager) Cleanups(dbx.DBTX) cleanups.Repository         { return memCleanups{m.s} }
func (m memManager) Failures(dbx.DBTX) failures.Repository         { return memFailures{m.s} }
func (m memManager) DownloadLogs(dbx.DBTX) downloadlogs.Repository { return memLogs{m.s} }

// flakyCipher wraps a real cipher and can be told to break Encrypt.
type flakyCipher struct {
	cryptox.FileCipher
	encryptErr   error
	emptyOutput  bool
	decryptErr   error
	encryptCalls int
	decryptCalls int
}

func (c *flakyCipher) Encrypt(ctx context.Context, src, dst, keyContext string) error {
	c.encryptCalls++
	if c.encryptErr != nil {
		return c.encryptErr
	}
	if c.emptyOutput {
		return nil
	}
	return c.FileCipher.Encrypt(ctx, src, dst, keyContext)
}

func (c *flakyCipher) Decrypt(ctx context.Context, src, dst, keyContext string) error {
	c.decryptCalls++
	if c.decryptErr != nil {
		return c.decryptErr
	}
	return c.FileCipher.Decrypt(ctx, src, dst, keyContext)
}

type harness struct {
	store     *memStore
	db        *sql.DB
	layout    *filex.Layout
	locks     *ProjectLocks
	cipher    *flakyCipher
	intake    *IntakeService
	worker    *EncryptionWorker
	downloads *DownloadService
	files     *FileService
	triggers  int
}

const testKeyContext = "production-goals"

func newHarness(t *testing.T, opts ...WorkerOption) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	layout, err := filex.NewLayout(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, layout.Ensure())

	aesCipher, err := cryptox.NewAESFileCipher(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)

	h := &harness{
		store:  newMemStore(),
		db:     db,
		layout: layout,
		locks:  NewProjectLocks(),
		cipher: &flakyCipher{FileCipher: aesCipher},
	}
	m := memManager{h.store}
	l := logging.NopLogger{}
	h.worker = NewEncryptionWorker(db, m, layout, h.cipher, testKeyContext, l, opts...)
	h.intake = NewIntakeService(db, m, layout, h.locks, l, func() { h.triggers++ })
	h.downloads = NewDownloadService(db, m, layout, h.cipher, testKeyContext, false, l)
	h.files = NewFileService(db, m, layout, h.locks, nil, "https://vault.example.com/", l)
	return h
}

func zipUpload(name string, body []byte) *Upload {
	return &Upload{Filename: name, Body: bytes.NewReader(body)}
}

// submit queues body for a project and returns the record.
func (h *harness) submit(t *testing.T, projectID int64, name string, body []byte, level string) *models.FileRecord {
	t.Helper()
	res, err := h.intake.Submit(context.Background(), SubmitRequest{
		ProjectID:     projectID,
		Upload:        zipUpload(name, body),
		SecurityLevel: level,
	})
	require.NoError(t, err)
	require.True(t, res.Queued)
	return res.Record
}

func (h *harness) drain(t *testing.T) *DrainStats {
	t.Helper()
	stats, err := h.worker.Drain(context.Background())
	require.NoError(t, err)
	return stats
}
