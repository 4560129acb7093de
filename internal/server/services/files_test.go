package services

import (
	"context"
	"testing"

	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/dmitrijs2005/filevault/internal/filex"
	"github.com/dmitrijs2005/filevault/internal/logging"
	"github.com/dmitrijs2005/filevault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileService_DownloadURL(t *testing.T) {
	h := newHarness(t)

	u, err := h.files.DownloadURL(&models.FileRecord{AccessToken: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "https://vault.example.com/?download_token=abc123", u)

	other := NewFileService(h.db, memManager{h.store}, h.layout, h.locks, nil, "https://x.test/vault?lang=en", logging.NopLogger{})
	u, err = other.DownloadURL(&models.FileRecord{AccessToken: "t"})
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/vault?download_token=t&lang=en", u)
}

func TestFileService_GetProjectFileAndCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.files.GetProjectFile(ctx, 9)
	require.ErrorIs(t, err, common.ErrorNotFound)

	rec := h.submit(t, 9, "a.zip", []byte("x"), "")
	got, err := h.files.GetProjectFile(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	n, err := h.files.DownloadCount(ctx, rec.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFileService_ListDownloadLogsLimits(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.submit(t, 1, "a.zip", []byte("x"), "")
	for i := 0; i < 120; i++ {
		_, err := memLogs{h.store}.Insert(ctx, rec.ID, "u", rec.CreatedAt)
		require.NoError(t, err)
	}

	logs, err := h.files.ListDownloadLogs(ctx, rec.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, logs, DefaultLogLimit)
	assert.Equal(t, int64(120), logs[0].ID, "newest first")

	logs, err = h.files.ListDownloadLogs(ctx, rec.ID, 500, 0)
	require.NoError(t, err)
	assert.Len(t, logs, MaxLogLimit)

	logs, err = h.files.ListDownloadLogs(ctx, rec.ID, 10, 115)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestFileService_DeleteDownloadLog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.submit(t, 1, "a.zip", []byte("x"), "")
	h.drain(t)
	rec = h.store.record(rec.ID)

	downloadBytes(t, h, rec)
	downloadBytes(t, h, rec)
	logs, _ := h.files.ListDownloadLogs(ctx, rec.ID, 0, 0)
	require.Len(t, logs, 2)

	require.NoError(t, h.files.DeleteDownloadLog(ctx, logs[0].ID))
	assert.Equal(t, int64(1), h.store.record(rec.ID).DownloadCount)

	// counter already at zero stays at zero
	h.store.files[rec.ID].DownloadCount = 0
	require.NoError(t, h.files.DeleteDownloadLog(ctx, logs[1].ID))
	assert.Zero(t, h.store.record(rec.ID).DownloadCount)

	require.ErrorIs(t, h.files.DeleteDownloadLog(ctx, logs[1].ID), common.ErrorNotFound)
}

func TestFileService_RegenerateToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rec := h.submit(t, 1, "a.zip", []byte("x"), "")

	updated, err := h.files.RegenerateToken(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotEqual(t, rec.AccessToken, updated.AccessToken)

	_, err = h.downloads.Resolve(ctx, rec.AccessToken)
	requireDownloadError(t, err, common.CodeInvalidToken, common.ErrorNotFound)
	_, err = h.downloads.Resolve(ctx, updated.AccessToken)
	require.NoError(t, err)

	_, err = h.files.RegenerateToken(ctx, 999)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestFileService_DeleteProjectFiles(t *testing.T) {
	rep := &fakeReplicator{}
	h := newHarness(t)
	h.files = NewFileService(h.db, memManager{h.store}, h.layout, h.locks, rep, "https://vault.example.com/", logging.NopLogger{})
	ctx := context.Background()

	v1 := h.submit(t, 1, "a.zip", []byte("one"), "")
	h.drain(t)
	oldBlob := blobOf(t, h, v1)
	h.submit(t, 1, "b.zip", []byte("two"), "")
	job, err := memJobs{h.store}.Get(ctx, v1.ID)
	require.NoError(t, err)

	other := h.submit(t, 2, "c.zip", []byte("three"), "")

	report, err := h.files.DeleteProjectFiles(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Records)
	assert.Equal(t, 3, report.FilesRemoved)

	assert.NoFileExists(t, oldBlob)
	assert.NoFileExists(t, filex.MetaPath(oldBlob))
	assert.NoFileExists(t, job.SourcePath)
	assert.Nil(t, h.store.record(v1.ID))
	assert.Contains(t, rep.deletes, v1.StorageName)

	assert.NotNil(t, h.store.record(other.ID))
	assert.Equal(t, 1, h.store.jobCount())
}

func TestFileService_DeleteProjectFilesRemovesFailedSources(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cipher.encryptErr = common.ErrCipher

	rec := h.submit(t, 1, "a.zip", []byte("one"), "")
	job, _ := memJobs{h.store}.Get(ctx, rec.ID)
	h.drain(t)
	require.FileExists(t, job.SourcePath)

	_, err := h.files.DeleteProjectFiles(ctx, 1)
	require.NoError(t, err)
	assert.NoFileExists(t, job.SourcePath)
	assert.Empty(t, h.store.failures)
}

func TestFileService_DeleteProjectFilesRespectsGuard(t *testing.T) {
	h := newHarness(t)
	release, ok := h.locks.TryAcquire(1)
	require.True(t, ok)
	defer release()

	_, err := h.files.DeleteProjectFiles(context.Background(), 1)
	require.ErrorIs(t, err, common.ErrIntakeInProgress)
}

func TestFileService_SecurityLevels(t *testing.T) {
	h := newHarness(t)
	levels := h.files.SecurityLevels()
	require.Len(t, levels, 3)
	assert.Equal(t, "wb1", levels[0].Value)
}

func TestFileService_PendingJobs(t *testing.T) {
	h := newHarness(t)
	h.submit(t, 4, "a.zip", []byte("x"), "")

	jobs, err := h.files.PendingJobs(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}
