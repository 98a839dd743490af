// Package storage defines the Device interface implemented by the local and
// remote storage devices, the optional capabilities a device may offer, and
// the storage error taxonomy.
package storage

import (
	"context"
	"time"
)

// Entry is a file or directory a device reports about itself. Paths are
// device-relative, slash separated, without a leading slash.
type Entry struct {
	Path    string
	Size    int64
	IsDir   bool
	ModTime time.Time
	Lazy    bool
}

// Device is the interface for storage devices mounted into the virtual
// filesystem. Devices only ever see device-relative paths.
type Device interface {
	// Name identifies the device kind ("local", "remote").
	Name() string

	// Init prepares the device. It is called once before the first List.
	Init(ctx context.Context) error

	// List discovers every entry on the device without reading content.
	List(ctx context.Context) ([]Entry, error)

	// Read returns the full content of a file.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write replaces the content of a file, creating parents as needed.
	Write(ctx context.Context, path string, data []byte) error

	// Remove deletes a file.
	Remove(ctx context.Context, path string) error

	// Mkdir creates a directory and any missing parents.
	Mkdir(ctx context.Context, path string) error

	// Rmdir removes a directory and everything beneath it.
	Rmdir(ctx context.Context, path string) error

	// Rename moves a file or directory to a new path on the same device.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Move moves a file into dstDir on the same device, keeping its name.
	Move(ctx context.Context, src, dstDir string) error

	// Close releases any resources held by the device.
	Close() error
}

// RangeReader is implemented by devices that can read part of a file without
// materializing all of it. SupportsRange reports whether the capability is
// currently usable; it may turn false after a downgrade.
type RangeReader interface {
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	SupportsRange() bool
}

// Suspender is implemented by devices holding exclusive handles that must be
// released while idle.
type Suspender interface {
	Suspend() error
	Resume(ctx context.Context) error
}

// Prefetcher is implemented by devices with lazy entries. Prefetch makes a
// file ready and holds it locally until the matching Release.
type Prefetcher interface {
	Prefetch(ctx context.Context, path string) error
	Release(path string)
	IsLazy(path string) bool
}
