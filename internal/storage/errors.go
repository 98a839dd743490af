package storage

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrNotFound    = errors.New("no such file or directory")
	ErrExists      = errors.New("file already exists")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrIsDir       = errors.New("is a directory")
	ErrReadOnly    = errors.New("device is read-only")
	ErrHandleBusy  = errors.New("file handle is held by another session")
	ErrInvalidPath = errors.New("invalid path")
	ErrNoDevice    = errors.New("no device mounted for path")
)

// StorageError is a device-level failure. It is reported to callers as a
// typed failure response, never thrown across the worker boundary.
type StorageError struct {
	Op     string
	Path   string
	Device string
	Err    error
}

func (e *StorageError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Path, e.Device, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap returns err as a StorageError unless it is nil or already one.
// io/fs sentinels are translated to the storage sentinels.
func Wrap(op, device, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist) && !errors.Is(err, ErrNotFound):
		err = fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, fs.ErrExist) && !errors.Is(err, ErrExists):
		err = fmt.Errorf("%w: %v", ErrExists, err)
	}
	return &StorageError{Op: op, Path: path, Device: device, Err: err}
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
