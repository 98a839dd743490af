// Package local provides the durable local storage device.
//
// Files are accessed through exclusive read-write handles that are opened on
// first touch and kept open. Only one session may hold a file's handle at a
// time, so the device releases every handle after an idle window and
// reacquires them on the next operation.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/hack-pad/hackpadfs"
	"github.com/hack-pad/hackpadfs/mem"
	osfs "github.com/hack-pad/hackpadfs/os"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/lease"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/storage"
)

const (
	deviceName = "local"
	lockDir    = ".cellbridge-locks"
)

// Config holds local device settings.
type Config struct {
	RootPath    string        `json:"root_path"`
	InMemory    bool          `json:"in_memory"`
	CreateDirs  bool          `json:"create_dirs"`
	IdleTimeout time.Duration `json:"idle_timeout"`
	LockTimeout time.Duration `json:"lock_timeout"`
}

type handle struct {
	file hackpadfs.File
	lock *flock.Flock
}

// Device implements storage.Device and storage.Suspender.
type Device struct {
	cfg     Config
	fs      hackpadfs.FS
	lockDir string // host directory for handle locks, empty for in-memory roots
	lease   *lease.Lease
	log     *zap.Logger

	mu        sync.Mutex
	handles   map[string]*handle
	suspended []string
}

var (
	_ storage.Device    = (*Device)(nil)
	_ storage.Suspender = (*Device)(nil)
)

// New creates a local device rooted at cfg.RootPath, or in memory.
func New(cfg Config) (*Device, error) {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}

	d := &Device{
		cfg:     cfg,
		handles: make(map[string]*handle),
		log:     logging.Named("local"),
	}

	if cfg.InMemory {
		fsys, err := mem.NewFS()
		if err != nil {
			return nil, fmt.Errorf("create memory fs: %w", err)
		}
		d.fs = fsys
	} else {
		if cfg.RootPath == "" {
			return nil, fmt.Errorf("root_path is required")
		}
		info, err := os.Stat(cfg.RootPath)
		if err != nil {
			if os.IsNotExist(err) && cfg.CreateDirs {
				if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
					return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
				}
			} else {
				return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
			}
		} else if !info.IsDir() {
			return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
		}

		abs, err := filepath.Abs(cfg.RootPath)
		if err != nil {
			return nil, fmt.Errorf("resolve root path: %w", err)
		}
		sub, err := osfs.NewFS().Sub(strings.TrimLeft(filepath.ToSlash(abs), "/"))
		if err != nil {
			return nil, fmt.Errorf("open root path %s: %w", cfg.RootPath, err)
		}
		d.fs = sub
		d.lockDir = filepath.Join(abs, lockDir)
		if err := os.MkdirAll(d.lockDir, 0755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}

	d.lease = lease.New(cfg.IdleTimeout, d.Resume, d.Suspend)
	return d, nil
}

// Name returns "local".
func (d *Device) Name() string { return deviceName }

// Init arms the idle timer. Nothing is held yet, so the first release is a no-op.
func (d *Device) Init(ctx context.Context) error {
	d.lease.Arm()
	return nil
}

// clean validates a device-relative path. The root is ".".
func clean(p string) (string, error) {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return ".", nil
	}
	if p == lockDir || strings.HasPrefix(p, lockDir+"/") {
		return "", storage.ErrInvalidPath
	}
	return p, nil
}

// do runs fn inside a lease operation with the device lock held. The lease
// is entered before the device lock so an idle release never waits on it.
func (d *Device) do(ctx context.Context, op, p string, fn func(p string) error) error {
	cp, err := clean(p)
	if err != nil {
		return storage.Wrap(op, deviceName, p, err)
	}
	if err := d.lease.Begin(ctx); err != nil {
		return storage.Wrap(op, deviceName, p, err)
	}
	defer d.lease.End()

	d.mu.Lock()
	defer d.mu.Unlock()
	return storage.Wrap(op, deviceName, cp, fn(cp))
}

func lockName(p string) string {
	sum := sha256.Sum256([]byte(p))
	return hex.EncodeToString(sum[:16]) + ".lock"
}

// open returns the handle for p, opening and locking it on first use.
// Must be called with d.mu held.
func (d *Device) open(ctx context.Context, p string, create bool) (*handle, error) {
	return d.openWithin(ctx, p, create, d.cfg.LockTimeout)
}

// openWithin is open with an explicit lock wait. A zero wait makes a single
// attempt. Must be called with d.mu held.
func (d *Device) openWithin(ctx context.Context, p string, create bool, wait time.Duration) (*handle, error) {
	if h, ok := d.handles[p]; ok {
		return h, nil
	}

	var lk *flock.Flock
	if d.lockDir != "" {
		lk = flock.New(filepath.Join(d.lockDir, lockName(p)))
		var (
			locked bool
			err    error
		)
		if wait > 0 {
			lockCtx, cancel := context.WithTimeout(ctx, wait)
			locked, err = lk.TryLockContext(lockCtx, 25*time.Millisecond)
			cancel()
		} else {
			locked, err = lk.TryLock()
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock %s: %w", p, err)
		}
		if !locked {
			return nil, storage.ErrHandleBusy
		}
	}

	flags := hackpadfs.FlagReadWrite
	if create {
		flags |= hackpadfs.FlagCreate
	}
	f, err := hackpadfs.OpenFile(d.fs, p, flags, 0644)
	if err != nil {
		if lk != nil {
			_ = lk.Unlock()
		}
		return nil, err
	}

	h := &handle{file: f, lock: lk}
	d.handles[p] = h
	return h, nil
}

// closeHandle releases the handle for p if open. Must be called with d.mu held.
func (d *Device) closeHandle(p string) {
	h, ok := d.handles[p]
	if !ok {
		return
	}
	_ = h.file.Close()
	if h.lock != nil {
		_ = h.lock.Unlock()
	}
	delete(d.handles, p)
}

// closeUnder releases handles for p and everything beneath it.
func (d *Device) closeUnder(p string) {
	for hp := range d.handles {
		if p == "." || hp == p || strings.HasPrefix(hp, p+"/") {
			d.closeHandle(hp)
		}
	}
}

// Suspend closes every open handle and remembers which paths were held.
func (d *Device) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	paths := make([]string, 0, len(d.handles))
	for p := range d.handles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		d.closeHandle(p)
	}
	d.suspended = paths
	if len(paths) > 0 {
		d.log.Debug("released local handles", zap.Int("count", len(paths)))
	}
	return nil
}

// Resume reacquires the handles closed by Suspend. Paths removed meanwhile
// or now held by another session are skipped; open takes them again on
// their next use.
func (d *Device) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, p := range d.suspended {
		if _, err := d.openWithin(ctx, p, false, 0); err != nil {
			if storage.IsNotFound(err) || errors.Is(err, storage.ErrHandleBusy) {
				continue
			}
			d.log.Debug("reacquire handle", zap.String("path", p), zap.Error(err))
		}
	}
	d.suspended = nil
	return nil
}

// HandleCount returns the number of open handles.
func (d *Device) HandleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handles)
}

// Lease exposes the idle lease.
func (d *Device) Lease() *lease.Lease { return d.lease }

// List walks the device and returns every file and directory.
func (d *Device) List(ctx context.Context) ([]storage.Entry, error) {
	var entries []storage.Entry
	err := d.do(ctx, "list", ".", func(string) error {
		return d.walk(".", &entries)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func (d *Device) walk(dir string, out *[]storage.Entry) error {
	dirEntries, err := hackpadfs.ReadDir(d.fs, dir)
	if err != nil {
		return err
	}
	for _, de := range dirEntries {
		name := de.Name()
		p := name
		if dir != "." {
			p = dir + "/" + name
		}
		if p == lockDir {
			continue
		}
		info, err := de.Info()
		if err != nil {
			return err
		}
		e := storage.Entry{Path: p, IsDir: de.IsDir(), ModTime: info.ModTime()}
		if !e.IsDir {
			e.Size = info.Size()
		}
		*out = append(*out, e)
		if e.IsDir {
			if err := d.walk(p, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read returns the full content of a file through its handle.
func (d *Device) Read(ctx context.Context, p string) ([]byte, error) {
	var data []byte
	err := d.do(ctx, "read", p, func(p string) error {
		info, err := hackpadfs.Stat(d.fs, p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return storage.ErrIsDir
		}
		h, err := d.open(ctx, p, false)
		if err != nil {
			return err
		}
		data, err = readAll(h.file)
		return err
	})
	return data, err
}

// ReadRange reads part of a file through its handle.
func (d *Device) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	var data []byte
	err := d.do(ctx, "read_range", p, func(p string) error {
		h, err := d.open(ctx, p, false)
		if err != nil {
			return err
		}
		buf := make([]byte, length)
		n, err := hackpadfs.ReadAtFile(h.file, buf, offset)
		if err != nil && err != io.EOF {
			return err
		}
		data = buf[:n]
		return nil
	})
	return data, err
}

// SupportsRange is always true for local files.
func (d *Device) SupportsRange() bool { return true }

func readAll(f hackpadfs.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	n, err := hackpadfs.ReadAtFile(f, buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// Write replaces the content of a file.
func (d *Device) Write(ctx context.Context, p string, data []byte) error {
	return d.do(ctx, "write", p, func(p string) error {
		if p == "." {
			return storage.ErrIsDir
		}
		if info, err := hackpadfs.Stat(d.fs, p); err == nil && info.IsDir() {
			return storage.ErrIsDir
		}
		if dir := path.Dir(p); dir != "." {
			if err := hackpadfs.MkdirAll(d.fs, dir, 0755); err != nil {
				return err
			}
		}
		h, err := d.open(ctx, p, true)
		if err != nil {
			return err
		}
		if err := hackpadfs.TruncateFile(h.file, 0); err != nil {
			return err
		}
		if len(data) > 0 {
			if _, err := hackpadfs.WriteAtFile(h.file, data, 0); err != nil {
				return err
			}
		}
		if err := hackpadfs.SyncFile(h.file); err != nil && !errors.Is(err, hackpadfs.ErrNotImplemented) {
			return err
		}
		return nil
	})
}

// Remove deletes a file.
func (d *Device) Remove(ctx context.Context, p string) error {
	return d.do(ctx, "remove", p, func(p string) error {
		info, err := hackpadfs.Stat(d.fs, p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return storage.ErrIsDir
		}
		d.closeHandle(p)
		return hackpadfs.Remove(d.fs, p)
	})
}

// Mkdir creates a directory and any missing parents.
func (d *Device) Mkdir(ctx context.Context, p string) error {
	return d.do(ctx, "mkdir", p, func(p string) error {
		if info, err := hackpadfs.Stat(d.fs, p); err == nil && !info.IsDir() {
			return storage.ErrExists
		}
		return hackpadfs.MkdirAll(d.fs, p, 0755)
	})
}

// Rmdir removes a directory and its contents.
func (d *Device) Rmdir(ctx context.Context, p string) error {
	return d.do(ctx, "rmdir", p, func(p string) error {
		if p == "." {
			return storage.ErrInvalidPath
		}
		info, err := hackpadfs.Stat(d.fs, p)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("not a directory")
		}
		d.closeUnder(p)
		return hackpadfs.RemoveAll(d.fs, p)
	})
}

// Rename moves a file or directory.
func (d *Device) Rename(ctx context.Context, oldPath, newPath string) error {
	cNew, err := clean(newPath)
	if err != nil {
		return storage.Wrap("rename", deviceName, newPath, err)
	}
	return d.do(ctx, "rename", oldPath, func(p string) error {
		return d.renameLocked(p, cNew)
	})
}

func (d *Device) renameLocked(oldPath, newPath string) error {
	if oldPath == "." || newPath == "." {
		return storage.ErrInvalidPath
	}
	if oldPath == newPath {
		return nil
	}
	if strings.HasPrefix(newPath, oldPath+"/") {
		return fmt.Errorf("%w: cannot move a directory into itself", storage.ErrInvalidPath)
	}
	if _, err := hackpadfs.Stat(d.fs, oldPath); err != nil {
		return err
	}
	if _, err := hackpadfs.Stat(d.fs, newPath); err == nil {
		return storage.ErrExists
	}
	if dir := path.Dir(newPath); dir != "." {
		if err := hackpadfs.MkdirAll(d.fs, dir, 0755); err != nil {
			return err
		}
	}
	d.closeUnder(oldPath)
	return hackpadfs.Rename(d.fs, oldPath, newPath)
}

// Move moves src into dstDir.
func (d *Device) Move(ctx context.Context, src, dstDir string) error {
	cDst, err := clean(dstDir)
	if err != nil {
		return storage.Wrap("move", deviceName, dstDir, err)
	}
	return d.do(ctx, "move", src, func(p string) error {
		target := path.Base(p)
		if cDst != "." {
			target = cDst + "/" + target
		}
		return d.renameLocked(p, target)
	})
}

// Close releases all handles and stops the idle timer.
func (d *Device) Close() error {
	return d.lease.Close()
}
