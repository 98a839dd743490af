// Package vfs mounts storage devices under subpaths of a fixed root and
// routes file operations to the owning device. It also keeps a synchronous
// presence index so files discovered on any device "exist" before their
// content has been read.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/pkg/models"
)

// Root is the fixed prefix every absolute path lives under.
const Root = "/data"

// ErrAlreadyMounted is returned when mounting an occupied subpath.
var ErrAlreadyMounted = errors.New("subpath already mounted")

type mount struct {
	prefix string // root-relative, "" for the root
	dev    storage.Device
}

// covers reports whether the root-relative path p falls under the mount.
func (m mount) covers(p string) bool {
	return m.prefix == "" || p == m.prefix || strings.HasPrefix(p, m.prefix+"/")
}

// rel strips the mount prefix from p.
func (m mount) rel(p string) string {
	if m.prefix == "" {
		return p
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, m.prefix), "/")
}

// abs joins a device-relative path onto the mount prefix.
func (m mount) abs(rel string) string {
	if m.prefix == "" {
		return rel
	}
	if rel == "" {
		return m.prefix
	}
	return m.prefix + "/" + rel
}

// FS is the virtual filesystem.
type FS struct {
	log *zap.Logger

	mu     sync.RWMutex
	mounts []mount                     // longest prefix first
	index  map[string]models.FileEntry // root-relative path -> entry
}

// New returns an empty filesystem.
func New() *FS {
	return &FS{
		log:   logging.Named("vfs"),
		index: make(map[string]models.FileEntry),
	}
}

// Normalize turns an absolute (/data/...) or root-relative path into a clean
// root-relative path. The root itself is "".
func Normalize(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(p, "/") {
		if p != Root && !strings.HasPrefix(p, Root+"/") {
			return "", fmt.Errorf("%w: %s is outside %s", storage.ErrInvalidPath, p, Root)
		}
		p = strings.TrimPrefix(p, Root)
	}
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", nil
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %s escapes %s", storage.ErrInvalidPath, p, Root)
	}
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

// Absolute returns the absolute form of a root-relative path.
func Absolute(rel string) string {
	if rel == "" {
		return Root
	}
	return Root + "/" + rel
}

// Mount initializes dev, registers it at subpath and indexes its entries.
func (v *FS) Mount(ctx context.Context, subpath string, dev storage.Device) error {
	prefix, err := Normalize(subpath)
	if err != nil {
		return err
	}

	v.mu.RLock()
	for _, m := range v.mounts {
		if m.prefix == prefix {
			v.mu.RUnlock()
			return fmt.Errorf("%w: %s", ErrAlreadyMounted, Absolute(prefix))
		}
	}
	v.mu.RUnlock()

	if err := dev.Init(ctx); err != nil {
		return fmt.Errorf("init %s device: %w", dev.Name(), err)
	}
	entries, err := dev.List(ctx)
	if err != nil {
		return fmt.Errorf("list %s device: %w", dev.Name(), err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, m := range v.mounts {
		if m.prefix == prefix {
			return fmt.Errorf("%w: %s", ErrAlreadyMounted, Absolute(prefix))
		}
	}
	m := mount{prefix: prefix, dev: dev}
	v.mounts = append(v.mounts, m)
	sort.SliceStable(v.mounts, func(i, j int) bool {
		return len(v.mounts[i].prefix) > len(v.mounts[j].prefix)
	})
	v.replaceLocked(m, entries)

	v.log.Info("mounted device",
		zap.String("device", dev.Name()), zap.String("at", Absolute(prefix)), zap.Int("entries", len(entries)))
	return nil
}

// IsMounted reports whether a device is mounted at subpath.
func (v *FS) IsMounted(subpath string) bool {
	prefix, err := Normalize(subpath)
	if err != nil {
		return false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, m := range v.mounts {
		if m.prefix == prefix {
			return true
		}
	}
	return false
}

// resolveLocked returns the mount owning the root-relative path p.
func (v *FS) resolveLocked(p string) (mount, bool) {
	for _, m := range v.mounts {
		if m.covers(p) {
			return m, true
		}
	}
	return mount{}, false
}

// Resolve returns the owning device and the device-relative remainder of p.
func (v *FS) Resolve(p string) (storage.Device, string, error) {
	m, rp, err := v.resolve(p)
	if err != nil {
		return nil, "", err
	}
	return m.dev, m.rel(rp), nil
}

func (v *FS) resolve(p string) (mount, string, error) {
	rp, err := Normalize(p)
	if err != nil {
		return mount{}, "", err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	m, ok := v.resolveLocked(rp)
	if !ok {
		return mount{}, "", fmt.Errorf("%w: %s", storage.ErrNoDevice, Absolute(rp))
	}
	return m, rp, nil
}

// replaceLocked swaps the index entries owned by m for a fresh listing.
// Entries under a nested mount are shadowed and skipped.
func (v *FS) replaceLocked(m mount, entries []storage.Entry) {
	for p := range v.index {
		if owner, ok := v.resolveLocked(p); ok && owner.prefix == m.prefix {
			delete(v.index, p)
		}
	}
	for _, e := range entries {
		p := m.abs(e.Path)
		if owner, ok := v.resolveLocked(p); !ok || owner.prefix != m.prefix || p == "" {
			continue
		}
		v.index[p] = toFileEntry(p, e, m.dev.Name())
	}
	v.addMountPointsLocked()
}

// addMountPointsLocked makes every nested mount point and its parents
// visible as directories.
func (v *FS) addMountPointsLocked() {
	for _, m := range v.mounts {
		if m.prefix == "" {
			continue
		}
		for p := m.prefix; p != "."; p = path.Dir(p) {
			if _, ok := v.index[p]; ok {
				continue
			}
			owner := m
			if p != m.prefix {
				owner, _ = v.resolveLocked(p)
			}
			name := "?"
			if owner.dev != nil {
				name = owner.dev.Name()
			}
			v.index[p] = models.FileEntry{Name: path.Base(p), Path: p, IsDir: true, Device: name}
		}
	}
}

func toFileEntry(p string, e storage.Entry, device string) models.FileEntry {
	return models.FileEntry{
		Name:    path.Base(p),
		Path:    p,
		Size:    e.Size,
		IsDir:   e.IsDir,
		Device:  device,
		Lazy:    e.Lazy && !e.IsDir,
		ModTime: e.ModTime,
	}
}

// ListAllFiles lists every device concurrently and returns the merged
// listing, directories first. A device that fails to list keeps its last
// known entries.
func (v *FS) ListAllFiles(ctx context.Context) ([]models.FileEntry, error) {
	v.mu.RLock()
	mounts := append([]mount(nil), v.mounts...)
	v.mu.RUnlock()

	results := make([][]storage.Entry, len(mounts))
	failed := make([]error, len(mounts))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range mounts {
		g.Go(func() error {
			entries, err := m.dev.List(gctx)
			if err != nil {
				failed[i] = err
				return nil
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	for i, m := range mounts {
		if failed[i] != nil {
			v.log.Warn("device listing failed, using cached entries",
				zap.String("device", m.dev.Name()), zap.Error(failed[i]))
			continue
		}
		v.replaceLocked(m, results[i])
	}
	v.mu.Unlock()

	return v.Snapshot(), nil
}

// Snapshot returns the presence index without contacting devices.
func (v *FS) Snapshot() []models.FileEntry {
	v.mu.RLock()
	out := make([]models.FileEntry, 0, len(v.index))
	for _, e := range v.index {
		out = append(out, e)
	}
	v.mu.RUnlock()
	SortEntries(out)
	return out
}

// SortEntries orders directories before files, then by path.
func SortEntries(entries []models.FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Path < entries[j].Path
	})
}

// Exists consults the presence index only.
func (v *FS) Exists(p string) bool {
	rp, err := Normalize(p)
	if err != nil {
		return false
	}
	if rp == "" {
		return true
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.index[rp]
	return ok
}

// Stat returns the index entry for p.
func (v *FS) Stat(p string) (models.FileEntry, bool) {
	rp, err := Normalize(p)
	if err != nil {
		return models.FileEntry{}, false
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	e, ok := v.index[rp]
	return e, ok
}

// LazyFilePaths returns the root-relative paths of files whose content is
// not held locally: never fetched, or dropped by the device since.
func (v *FS) LazyFilePaths() []string {
	v.mu.RLock()
	var out []string
	for p, e := range v.index {
		if e.IsDir {
			continue
		}
		if e.Lazy {
			out = append(out, p)
			continue
		}
		m, ok := v.resolveLocked(p)
		if !ok {
			continue
		}
		if pf, ok := m.dev.(storage.Prefetcher); ok && pf.IsLazy(m.rel(p)) {
			out = append(out, p)
		}
	}
	v.mu.RUnlock()
	sort.Strings(out)
	return out
}

// EnsureFileReady fetches a lazy file so later reads are local, and keeps
// it local until ReleaseFile. Files on devices without lazy entries are
// always ready.
func (v *FS) EnsureFileReady(ctx context.Context, p string) error {
	m, rp, err := v.resolve(p)
	if err != nil {
		return err
	}
	if pf, ok := m.dev.(storage.Prefetcher); ok {
		if err := pf.Prefetch(ctx, m.rel(rp)); err != nil {
			return err
		}
	}
	v.markReady(rp)
	return nil
}

// ReleaseFile ends the hold taken by EnsureFileReady.
func (v *FS) ReleaseFile(p string) {
	m, rp, err := v.resolve(p)
	if err != nil {
		return
	}
	if pf, ok := m.dev.(storage.Prefetcher); ok {
		pf.Release(m.rel(rp))
	}
}

func (v *FS) markReady(rp string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.index[rp]; ok && e.Lazy {
		e.Lazy = false
		v.index[rp] = e
	}
}

// ReadFile returns the content of p. Lazy files are fetched first.
func (v *FS) ReadFile(ctx context.Context, p string) ([]byte, error) {
	m, rp, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if e, ok := v.Stat(rp); ok && e.IsDir {
		return nil, storage.Wrap("read", m.dev.Name(), rp, storage.ErrIsDir)
	}
	data, err := m.dev.Read(ctx, m.rel(rp))
	if err != nil {
		return nil, err
	}
	v.markReady(rp)
	return data, nil
}

// ReadRange reads part of p, using the device's range capability when it
// has one.
func (v *FS) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	m, rp, err := v.resolve(p)
	if err != nil {
		return nil, err
	}
	if rr, ok := m.dev.(storage.RangeReader); ok {
		return rr.ReadRange(ctx, m.rel(rp), offset, length)
	}
	data, err := v.ReadFile(ctx, rp)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(data)) {
		return []byte{}, nil
	}
	end := offset + length
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[offset:end], nil
}

// SupportsRange reports whether p can be read by range without a full fetch.
func (v *FS) SupportsRange(p string) bool {
	m, _, err := v.resolve(p)
	if err != nil {
		return false
	}
	rr, ok := m.dev.(storage.RangeReader)
	return ok && rr.SupportsRange()
}

// Size returns the size of p from the index.
func (v *FS) Size(p string) (int64, bool) {
	e, ok := v.Stat(p)
	if !ok || e.IsDir {
		return 0, false
	}
	return e.Size, true
}

// WriteFile writes p on its owning device and indexes it.
func (v *FS) WriteFile(ctx context.Context, p string, data []byte) error {
	m, rp, err := v.resolve(p)
	if err != nil {
		return err
	}
	if rp == m.prefix {
		return storage.Wrap("write", m.dev.Name(), rp, storage.ErrIsDir)
	}
	if err := m.dev.Write(ctx, m.rel(rp), data); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.index[rp] = models.FileEntry{
		Name:   path.Base(rp),
		Path:   rp,
		Size:   int64(len(data)),
		Device: m.dev.Name(),
	}
	v.addParentsLocked(m, rp)
	return nil
}

func (v *FS) addParentsLocked(m mount, rp string) {
	for dir := path.Dir(rp); dir != "." && dir != m.prefix; dir = path.Dir(dir) {
		if _, ok := v.index[dir]; ok {
			break
		}
		v.index[dir] = models.FileEntry{Name: path.Base(dir), Path: dir, IsDir: true, Device: m.dev.Name()}
	}
}

// DeleteFile removes a file.
func (v *FS) DeleteFile(ctx context.Context, p string) error {
	m, rp, err := v.resolve(p)
	if err != nil {
		return err
	}
	if err := m.dev.Remove(ctx, m.rel(rp)); err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.index, rp)
	v.mu.Unlock()
	return nil
}

// Mkdir creates a directory and its parents.
func (v *FS) Mkdir(ctx context.Context, p string) error {
	m, rp, err := v.resolve(p)
	if err != nil {
		return err
	}
	if rp == m.prefix {
		return nil
	}
	if err := m.dev.Mkdir(ctx, m.rel(rp)); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.index[rp] = models.FileEntry{Name: path.Base(rp), Path: rp, IsDir: true, Device: m.dev.Name()}
	v.addParentsLocked(m, rp)
	return nil
}

// Rmdir removes a directory and everything beneath it.
func (v *FS) Rmdir(ctx context.Context, p string) error {
	m, rp, err := v.resolve(p)
	if err != nil {
		return err
	}
	if rp == m.prefix {
		return fmt.Errorf("%w: cannot remove mount point %s", storage.ErrInvalidPath, Absolute(rp))
	}
	if err := m.dev.Rmdir(ctx, m.rel(rp)); err != nil {
		return err
	}
	v.dropTree(m, rp)
	return nil
}

func (v *FS) dropTree(m mount, rp string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for p := range v.index {
		if p != rp && !strings.HasPrefix(p, rp+"/") {
			continue
		}
		if owner, ok := v.resolveLocked(p); ok && owner.prefix == m.prefix {
			delete(v.index, p)
		}
	}
}

// refresh relists one device after a structural change.
func (v *FS) refresh(ctx context.Context, m mount) error {
	entries, err := m.dev.List(ctx)
	if err != nil {
		return err
	}
	v.mu.Lock()
	v.replaceLocked(m, entries)
	v.mu.Unlock()
	return nil
}

// RenameDir renames a directory. Directories on different devices are moved
// file by file.
func (v *FS) RenameDir(ctx context.Context, oldPath, newPath string) error {
	src, srcPath, err := v.resolve(oldPath)
	if err != nil {
		return err
	}
	dst, dstPath, err := v.resolve(newPath)
	if err != nil {
		return err
	}
	if srcPath == src.prefix {
		return fmt.Errorf("%w: cannot rename mount point %s", storage.ErrInvalidPath, Absolute(srcPath))
	}
	if v.Exists(dstPath) {
		return storage.Wrap("rename", dst.dev.Name(), dstPath, storage.ErrExists)
	}

	if src.prefix == dst.prefix {
		if err := src.dev.Rename(ctx, src.rel(srcPath), dst.rel(dstPath)); err != nil {
			return err
		}
		return v.refresh(ctx, src)
	}

	var files []models.FileEntry
	for _, e := range v.Snapshot() {
		if !e.IsDir && strings.HasPrefix(e.Path, srcPath+"/") {
			files = append(files, e)
		}
	}
	if err := v.Mkdir(ctx, dstPath); err != nil {
		return err
	}
	for _, f := range files {
		target := dstPath + strings.TrimPrefix(f.Path, srcPath)
		if err := v.copyAcross(ctx, src, f.Path, dst, target); err != nil {
			return err
		}
	}
	return v.Rmdir(ctx, srcPath)
}

// MoveFile moves src into dstDir, keeping its name. Moves between devices
// are read, write, then delete.
func (v *FS) MoveFile(ctx context.Context, src, dstDir string) error {
	sm, srcPath, err := v.resolve(src)
	if err != nil {
		return err
	}
	dirPath, err := Normalize(dstDir)
	if err != nil {
		return err
	}
	target := path.Join(dirPath, path.Base(srcPath))
	dm, targetPath, err := v.resolve(target)
	if err != nil {
		return err
	}
	if targetPath == srcPath {
		return nil
	}
	if v.Exists(targetPath) {
		return storage.Wrap("move", dm.dev.Name(), targetPath, storage.ErrExists)
	}
	if e, ok := v.Stat(srcPath); ok && e.IsDir && sm.prefix != dm.prefix {
		return v.RenameDir(ctx, srcPath, targetPath)
	}

	if sm.prefix == dm.prefix {
		if err := sm.dev.Move(ctx, sm.rel(srcPath), sm.rel(dirPath)); err != nil {
			return err
		}
		return v.refresh(ctx, sm)
	}
	if err := v.copyAcross(ctx, sm, srcPath, dm, targetPath); err != nil {
		return err
	}
	return nil
}

func (v *FS) copyAcross(ctx context.Context, sm mount, srcPath string, dm mount, dstPath string) error {
	data, err := v.ReadFile(ctx, srcPath)
	if err != nil {
		return err
	}
	if err := v.WriteFile(ctx, dstPath, data); err != nil {
		return err
	}
	if err := v.DeleteFile(ctx, srcPath); err != nil {
		return fmt.Errorf("copied %s to %s (%s) but failed to delete source: %w",
			Absolute(srcPath), Absolute(dstPath), dm.dev.Name(), err)
	}
	v.log.Debug("moved across devices",
		zap.String("from", sm.dev.Name()), zap.String("to", dm.dev.Name()), zap.String("path", dstPath))
	return nil
}

// RenameFile renames a file within its directory.
func (v *FS) RenameFile(ctx context.Context, p, newName string) error {
	if newName == "" || strings.ContainsAny(newName, "/\\") || newName == "." || newName == ".." {
		return fmt.Errorf("%w: bad file name %q", storage.ErrInvalidPath, newName)
	}
	m, rp, err := v.resolve(p)
	if err != nil {
		return err
	}
	target := path.Join(path.Dir(rp), newName)
	if v.Exists(target) {
		return storage.Wrap("rename", m.dev.Name(), target, storage.ErrExists)
	}
	if err := m.dev.Rename(ctx, m.rel(rp), m.rel(target)); err != nil {
		return err
	}

	v.mu.Lock()
	e, ok := v.index[rp]
	if ok && !e.IsDir {
		delete(v.index, rp)
		e.Name = newName
		e.Path = target
		v.index[target] = e
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()
	return v.refresh(ctx, m)
}

// Devices returns the mounted devices, longest prefix first.
func (v *FS) Devices() []storage.Device {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]storage.Device, len(v.mounts))
	for i, m := range v.mounts {
		out[i] = m.dev
	}
	return out
}

// Close closes every mounted device.
func (v *FS) Close() error {
	v.mu.Lock()
	mounts := v.mounts
	v.mounts = nil
	v.index = make(map[string]models.FileEntry)
	v.mu.Unlock()

	var errs []error
	for _, m := range mounts {
		if err := m.dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", m.dev.Name(), err))
		}
	}
	return errors.Join(errs...)
}
