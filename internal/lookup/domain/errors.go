package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Concrete errors wrap these sentinels so
// callers can classify failures with errors.Is.
var (
	// ErrConfigInvalid marks malformed or missing required settings.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrDatasetUnavailable marks any failure to read the dataset file.
	ErrDatasetUnavailable = errors.New("dataset unavailable")

	// ErrCertificateUnavailable marks missing or unreadable TLS material.
	ErrCertificateUnavailable = errors.New("certificate unavailable")

	// ErrConnectionFault marks a reset or incomplete read/write mid-session.
	ErrConnectionFault = errors.New("connection fault")

	// ErrInvalidEncoding marks client input that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid utf-8 input")
)

// Dataset failure kinds. Each DatasetError matches exactly one of these and
// ErrDatasetUnavailable.
var (
	ErrDatasetNotFound    = errors.New("file not found")
	ErrDatasetPermission  = errors.New("permission denied")
	ErrDatasetIsDirectory = errors.New("is a directory")
	ErrDatasetIO          = errors.New("i/o failure")
)

// DatasetError reports why the dataset at Path could not be loaded.
type DatasetError struct {
	Path string
	Kind error // one of the ErrDataset* kind sentinels
	Err  error // underlying cause, may be nil
}

// NewDatasetError builds a DatasetError for path.
func NewDatasetError(path string, kind, cause error) *DatasetError {
	return &DatasetError{Path: path, Kind: kind, Err: cause}
}

func (e *DatasetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dataset %s: %v: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("dataset %s: %v", e.Path, e.Kind)
}

// Unwrap exposes the umbrella sentinel, the kind and the cause to errors.Is/As.
func (e *DatasetError) Unwrap() []error {
	errs := []error{ErrDatasetUnavailable, e.Kind}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ConnectionFault wraps an I/O error observed on a client connection.
func ConnectionFault(client string, op string, err error) error {
	return fmt.Errorf("%w: %s from %s: %w", ErrConnectionFault, op, client, err)
}
