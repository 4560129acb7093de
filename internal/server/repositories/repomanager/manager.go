package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/filevault/internal/dbx"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/cleanups"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/downloadlogs"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/failures"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/files"
	"github.com/dmitrijs2005/filevault/internal/server/repositories/jobs"
)

// RepositoryManager vends repositories bound to either the pool or a
// transaction, so services can compose them inside dbx.WithTx.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Files(db dbx.DBTX) files.Repository
	Jobs(db dbx.DBTX) jobs.Repository
	Cleanups(db dbx.DBTX) cleanups.Repository
	Failures(db dbx.DBTX) failures.Repository
	DownloadLogs(db dbx.DBTX) downloadlogs.Repository
}
