package downloadlogs

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/filevault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cols = []string{"id", "file_id", "user_id", "downloaded_at"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestInsert(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO download_logs \(file_id, user_id, downloaded_at\) VALUES \(\$1, \$2, \$3\) RETURNING id`).
		WithArgs(int64(1), "42", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	id, err := repo.Insert(context.Background(), 1, "42", at)
	require.NoError(t, err)
	assert.Equal(t, int64(9), id)
}

func TestGet(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	at := time.Now()
	mock.ExpectQuery(`FROM download_logs WHERE id=\$1`).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(int64(9), int64(1), "42", at))

	e, err := repo.Get(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "42", e.UserID)

	mock.ExpectQuery(`FROM download_logs WHERE id=\$1`).WithArgs(int64(10)).WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), 10)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestList_Paging(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	at := time.Now()
	mock.ExpectQuery(`(?s)FROM download_logs\s+WHERE file_id=\$1\s+ORDER BY downloaded_at DESC, id DESC\s+LIMIT \$2 OFFSET \$3`).
		WithArgs(int64(1), 10, 20).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), int64(1), "a", at).
			AddRow(int64(2), int64(1), "b", at.Add(-time.Minute)))

	got, err := repo.List(context.Background(), 1, 10, 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)

	mock.ExpectQuery(`FROM download_logs`).WillReturnError(errors.New("db err"))
	_, err = repo.List(context.Background(), 1, 10, 0)
	require.ErrorContains(t, err, "failed to select download logs")
}

func TestDelete(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`DELETE FROM download_logs WHERE id=\$1`).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), 9))

	mock.ExpectExec(`DELETE FROM download_logs WHERE id=\$1`).WithArgs(int64(9)).WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, repo.Delete(context.Background(), 9), common.ErrorNotFound)
}
