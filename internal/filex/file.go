// Package filex resolves and hardens the vault directory tree: the blob root
// holding ciphertext and sidecars, and the temp directory for uploads and
// decryption scratch files.
package filex

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// MetaSuffix is appended to a blob path to get its sidecar.
const MetaSuffix = ".meta"

const (
	tempDirName  = "temp"
	dirPerm      = 0o770
	denyFileName = ".htaccess"
	indexName    = "index.html"
	denyRules    = "<IfModule mod_authz_core.c>\n    Require all denied\n</IfModule>\n<IfModule !mod_authz_core.c>\n    Deny from all\n</IfModule>\nOptions -Indexes\n"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ErrBadName is returned when a storage name would escape the blob root.
var ErrBadName = errors.New("invalid storage name")

// Layout is the resolved directory tree. The root is injected configuration;
// there is no fallback chain.
type Layout struct {
	root string
	temp string
}

// NewLayout validates root (non-empty, absolute) without touching the disk.
func NewLayout(root string) (*Layout, error) {
	if root == "" {
		return nil, errors.New("storage root is empty")
	}
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("storage root must be absolute: %s", root)
	}
	root = filepath.Clean(root)
	return &Layout{root: root, temp: filepath.Join(root, tempDirName)}, nil
}

func (l *Layout) Root() string { return l.root }
func (l *Layout) Temp() string { return l.temp }

// Ensure creates root and temp and drops deny-all markers into both.
// It is meant to run once at startup; a failure should stop the process.
func (l *Layout) Ensure() error {
	for _, dir := range []string{l.root, l.temp} {
		if err := EnsureDir(dir); err != nil {
			return err
		}
		if err := Harden(dir); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDir creates dir (and parents) and fails if a non-directory is in the way.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	return nil
}

// Harden writes a deny-all .htaccess and an empty index into dir, so a web
// server pointed at the tree neither serves nor lists it. Existing files are kept.
func Harden(dir string) error {
	files := map[string]string{
		denyFileName: denyRules,
		indexName:    "",
	}
	for name, content := range files {
		p := filepath.Join(dir, name)
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("harden %s: %w", dir, err)
		}
		_, werr := f.WriteString(content)
		cerr := f.Close()
		if werr != nil {
			return fmt.Errorf("harden %s: %w", dir, werr)
		}
		if cerr != nil {
			return fmt.Errorf("harden %s: %w", dir, cerr)
		}
	}
	return nil
}

// BlobPath maps a storage name to its location under the root.
func (l *Layout) BlobPath(storageName string) (string, error) {
	if storageName == "" || storageName == "." || storageName == ".." ||
		strings.ContainsAny(storageName, `/\`) || filepath.Base(storageName) != storageName {
		return "", ErrBadName
	}
	return filepath.Join(l.root, storageName), nil
}

// MetaPath returns the sidecar path for a blob.
func MetaPath(blobPath string) string {
	return blobPath + MetaSuffix
}

// NewUploadPath returns a unique temp path for an incoming upload. The client
// name only contributes a sanitized suffix.
func (l *Layout) NewUploadPath(originalName string) string {
	return filepath.Join(l.temp, "upload_"+uuid.NewString()+"_"+SanitizeFileName(originalName))
}

// NewScratchPath returns a unique temp path for a decrypted download.
func (l *Layout) NewScratchPath(fileID int64, userID string) string {
	name := "decrypted_" + strconv.FormatInt(fileID, 10) + "_" + SanitizeFileName(userID) + "_" + uuid.NewString() + ".zip"
	return filepath.Join(l.temp, name)
}

// InTemp reports whether p lies directly inside the temp directory.
func (l *Layout) InTemp(p string) bool {
	return filepath.Dir(filepath.Clean(p)) == l.temp
}

// SanitizeFileName reduces a client-supplied name to a safe base name.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, ".-")
	if name == "" {
		return "file"
	}
	return name
}

// RemoveIfExists deletes p, treating "already gone" as success.
func RemoveIfExists(p string) error {
	if p == "" {
		return nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// RegularFile reports whether p is an existing regular file.
func RegularFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// NonEmptyFile reports whether p is a regular file with at least one byte.
func NonEmptyFile(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular() && fi.Size() > 0
}
