// Package models defines server-side data models persisted in the database.
package models

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/filevault/internal/filex"
)

// EncryptionStatus tracks a record through pending → processing → complete|failed.
type EncryptionStatus string

const (
	StatusPending    EncryptionStatus = "pending"
	StatusProcessing EncryptionStatus = "processing"
	StatusComplete   EncryptionStatus = "complete"
	StatusFailed     EncryptionStatus = "failed"
)

// Valid reports whether s is one of the four known states.
func (s EncryptionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusComplete, StatusFailed:
		return true
	}
	return false
}

// TransitionSources lists the states the worker may move a record out of to
// reach s. complete and failed are terminal; only a new upload leaves them.
// Nil means the worker never sets s.
func (s EncryptionStatus) TransitionSources() []EncryptionStatus {
	switch s {
	case StatusProcessing:
		return []EncryptionStatus{StatusPending, StatusProcessing}
	case StatusComplete:
		return []EncryptionStatus{StatusProcessing}
	case StatusFailed:
		return []EncryptionStatus{StatusPending, StatusProcessing}
	}
	return nil
}

// InFlight reports whether the record is still waiting for the worker.
func (s EncryptionStatus) InFlight() bool {
	return s == StatusPending || s == StatusProcessing
}

// FileRecord is the single downloadable archive of a project.
type FileRecord struct {
	ID        int64
	ProjectID int64
	// DisplayName is shown in listings, e.g. "Apollo - Files".
	DisplayName string
	// OriginalFilename is client-supplied and used for display only.
	OriginalFilename string
	// StorageName is the random blob name under the storage root.
	StorageName string
	// AccessToken is the opaque download capability. Never log it.
	AccessToken string
	// AllowedRoles is sorted and de-duplicated.
	AllowedRoles     []string
	EncryptionStatus EncryptionStatus
	DownloadCount    int64
	LastDownloadAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DownloadName is the attachment name offered to browsers: the original
// name, sanitized, with the extension forced to .zip.
func (f *FileRecord) DownloadName() string {
	name := filex.SanitizeFileName(f.OriginalFilename)
	if f.OriginalFilename == "" {
		name = "download"
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if name == "" {
		name = "download"
	}
	return name + ".zip"
}

// EncryptionJob is the queued unit of worker input; at most one per file.
type EncryptionJob struct {
	FileID      int64
	SourcePath  string
	StorageName string
	EnqueuedAt  time.Time
}

// CleanupEntry stages the artifacts of a superseded complete upload. The
// previous names let a failed re-encryption fall back to the old copy.
type CleanupEntry struct {
	FileID                   int64
	OldBlobPath              string
	OldMetaPath              string
	PreviousStorageName      string
	PreviousOriginalFilename string
}

// DownloadLogEntry is one successful authorization to download.
type DownloadLogEntry struct {
	ID           int64
	FileID       int64
	UserID       string
	DownloadedAt time.Time
}

// EncryptionFailure marks a job that failed terminally. The source file is
// left in temp for inspection.
type EncryptionFailure struct {
	ID         int64
	FileID     int64
	SourcePath string
	Reason     string
	FailedAt   time.Time
}
