// Package common defines shared constants and sentinel errors used across
// the vault components. Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal       = errors.New("internal error")
	ErrorUnauthorized   = errors.New("unauthorized")
	ErrPermissionDenied = errors.New("permission denied")

	// Intake errors.
	ErrValidation       = errors.New("validation error")
	ErrIntakeInProgress = errors.New("intake already in progress")

	// Processing state errors.
	ErrNotReady         = errors.New("file not ready")
	ErrProcessingFailed = errors.New("file processing failed")

	// Infrastructure errors.
	ErrStorage = errors.New("storage error")
	ErrCipher  = errors.New("cipher error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Download error codes surfaced to users for support correlation.
const (
	CodeInvalidToken     = "T1"
	CodeNotReady         = "E1"
	CodeProcessingFailed = "E2"
	CodePermission       = "P1"
	CodeMissingBlob      = "F1"
	CodeMissingMeta      = "F2"
	CodeDecrypt          = "D1"
	CodeEmptyResult      = "D2"
	CodeStore            = "DB1"
)

// DownloadError is a terminal gatekeeper failure. Kind is one of the
// sentinels above and drives the protocol status; Message is safe to show.
type DownloadError struct {
	Code    string
	Kind    error
	Message string
	Err     error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s [%s]", e.Kind, e.Code)
}

// Is reports whether target matches the error kind.
func (e *DownloadError) Is(target error) bool {
	return target == e.Kind
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// UserMessage returns the message with its support code appended.
func (e *DownloadError) UserMessage() string {
	return fmt.Sprintf("%s [Code: %s]", e.Message, e.Code)
}

// NewDownloadError builds a DownloadError, wrapping an optional cause.
func NewDownloadError(code string, kind error, msg string, cause error) *DownloadError {
	return &DownloadError{Code: code, Kind: kind, Message: msg, Err: cause}
}
