package engine

import (
	"context"

	"github.com/fruitsalade/cellbridge/pkg/models"
)

// FileSystem is the view of the virtual filesystem the engine needs.
type FileSystem interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ReadRange(ctx context.Context, path string, offset, length int64) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Exists(path string) bool
	Size(path string) (int64, bool)
	Snapshot() []models.FileEntry
	EnsureFileReady(ctx context.Context, path string) error
	ReleaseFile(path string)
	LazyFilePaths() []string
	SupportsRange(path string) bool
}
