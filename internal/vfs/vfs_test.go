package vfs

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/internal/storage/local"
)

// lazyDevice is an in-memory device whose files start out unfetched.
type lazyDevice struct {
	mu      sync.Mutex
	files   map[string][]byte
	fetched map[string]bool
	pins    map[string]int
	fetches int
}

func newLazyDevice(files map[string]string) *lazyDevice {
	d := &lazyDevice{files: map[string][]byte{}, fetched: map[string]bool{}, pins: map[string]int{}}
	for k, v := range files {
		d.files[k] = []byte(v)
	}
	return d
}

func (d *lazyDevice) Name() string                   { return "remote" }
func (d *lazyDevice) Init(ctx context.Context) error { return nil }
func (d *lazyDevice) Close() error                   { return nil }

func (d *lazyDevice) List(ctx context.Context) ([]storage.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []storage.Entry
	dirs := map[string]bool{}
	for p, b := range d.files {
		out = append(out, storage.Entry{Path: p, Size: int64(len(b)), Lazy: !d.fetched[p]})
		for dir := parentOf(p); dir != ""; dir = parentOf(dir) {
			dirs[dir] = true
		}
	}
	for dir := range dirs {
		out = append(out, storage.Entry{Path: dir, IsDir: true})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

func (d *lazyDevice) IsLazy(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[p]
	return ok && !d.fetched[p]
}

func (d *lazyDevice) Prefetch(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[p]; !ok {
		return storage.Wrap("prefetch", "remote", p, storage.ErrNotFound)
	}
	if !d.fetched[p] {
		d.fetches++
		d.fetched[p] = true
	}
	d.pins[p]++
	return nil
}

func (d *lazyDevice) Release(p string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pins[p] > 0 {
		d.pins[p]--
	}
}

func (d *lazyDevice) Read(ctx context.Context, p string) ([]byte, error) {
	d.mu.Lock()
	_, ok := d.files[p]
	if ok && !d.fetched[p] {
		d.fetches++
		d.fetched[p] = true
	}
	d.mu.Unlock()
	if !ok {
		return nil, storage.Wrap("read", "remote", p, storage.ErrNotFound)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files[p], nil
}

func (d *lazyDevice) Write(ctx context.Context, p string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[p] = data
	d.fetched[p] = true
	return nil
}

func (d *lazyDevice) Remove(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.files[p]; !ok {
		return storage.Wrap("remove", "remote", p, storage.ErrNotFound)
	}
	delete(d.files, p)
	return nil
}

func (d *lazyDevice) Mkdir(ctx context.Context, p string) error { return nil }

func (d *lazyDevice) Rmdir(ctx context.Context, p string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k := range d.files {
		if strings.HasPrefix(k, p+"/") {
			delete(d.files, k)
		}
	}
	return nil
}

func (d *lazyDevice) Rename(ctx context.Context, oldPath, newPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	data, ok := d.files[oldPath]
	if !ok {
		return storage.Wrap("rename", "remote", oldPath, storage.ErrNotFound)
	}
	delete(d.files, oldPath)
	d.files[newPath] = data
	return nil
}

func (d *lazyDevice) Move(ctx context.Context, src, dstDir string) error {
	name := src[strings.LastIndex(src, "/")+1:]
	return d.Rename(ctx, src, strings.TrimPrefix(dstDir+"/"+name, "/"))
}

func newLocal(t *testing.T) *local.Device {
	t.Helper()
	dev, err := local.New(local.Config{InMemory: true, IdleTimeout: time.Hour})
	require.NoError(t, err)
	return dev
}

func newMounted(t *testing.T, remote *lazyDevice) *FS {
	t.Helper()
	ctx := context.Background()
	v := New()
	require.NoError(t, v.Mount(ctx, "", newLocal(t)))
	if remote != nil {
		require.NoError(t, v.Mount(ctx, "/data/remote", remote))
	}
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"a.csv":             "a.csv",
		"/data/a.csv":       "a.csv",
		"/data":             "",
		"/data/":            "",
		"./x/../y.csv":      "y.csv",
		"remote//q/x.csv":   "remote/q/x.csv",
		"/data/remote/z.db": "remote/z.db",
	}
	for in, want := range cases {
		got, err := Normalize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"/etc/passwd", "../x", "/data/../etc", "/datax/y"} {
		_, err := Normalize(bad)
		assert.ErrorIs(t, err, storage.ErrInvalidPath, bad)
	}
}

func TestResolveLongestPrefix(t *testing.T) {
	remote := newLazyDevice(nil)
	v := newMounted(t, remote)

	dev, rel, err := v.Resolve("/data/remote/sales/q1.csv")
	require.NoError(t, err)
	assert.Equal(t, "remote", dev.Name())
	assert.Equal(t, "sales/q1.csv", rel)

	dev, rel, err = v.Resolve("remote-notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "local", dev.Name())
	assert.Equal(t, "remote-notes.txt", rel)

	assert.ErrorIs(t, v.Mount(context.Background(), "remote", newLazyDevice(nil)), ErrAlreadyMounted)
}

func TestLocalOnlyScenario(t *testing.T) {
	ctx := context.Background()
	v := newMounted(t, nil)

	files, err := v.ListAllFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	payload := []byte("id,amount\n1,9.5\n")
	require.NoError(t, v.WriteFile(ctx, "a.csv", payload))

	files, err = v.ListAllFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.csv", files[0].Path)
	assert.Equal(t, int64(len(payload)), files[0].Size)

	got, err := v.ReadFile(ctx, "/data/a.csv")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, v.DeleteFile(ctx, "a.csv"))
	files, err = v.ListAllFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMergedListingOrder(t *testing.T) {
	ctx := context.Background()
	remote := newLazyDevice(map[string]string{"big/events.csv": "e\n1\n"})
	v := newMounted(t, remote)
	require.NoError(t, v.WriteFile(ctx, "b.txt", []byte("b")))
	require.NoError(t, v.WriteFile(ctx, "notes/a.txt", []byte("a")))

	files, err := v.ListAllFiles(ctx)
	require.NoError(t, err)
	var got []string
	for _, f := range files {
		got = append(got, f.Path)
	}
	assert.Equal(t, []string{"notes", "remote", "remote/big", "b.txt", "notes/a.txt", "remote/big/events.csv"}, got)
}

func TestLazyFileLifecycle(t *testing.T) {
	ctx := context.Background()
	remote := newLazyDevice(map[string]string{"events.csv": "a\n1\n"})
	v := newMounted(t, remote)

	assert.True(t, v.Exists("/data/remote/events.csv"), "discovered files exist before any read")
	e, ok := v.Stat("remote/events.csv")
	require.True(t, ok)
	assert.True(t, e.Lazy)
	assert.Equal(t, int64(4), e.Size)
	assert.Equal(t, []string{"remote/events.csv"}, v.LazyFilePaths())

	require.NoError(t, v.EnsureFileReady(ctx, "remote/events.csv"))
	assert.Empty(t, v.LazyFilePaths())
	assert.Equal(t, 1, remote.pins["events.csv"], "ready files are held until released")

	for i := 0; i < 3; i++ {
		data, err := v.ReadFile(ctx, "remote/events.csv")
		require.NoError(t, err)
		assert.Equal(t, "a\n1\n", string(data))
	}
	assert.Equal(t, 1, remote.fetches)

	v.ReleaseFile("/data/remote/events.csv")
	assert.Zero(t, remote.pins["events.csv"])

	// content the device dropped is lazy again
	remote.mu.Lock()
	remote.fetched["events.csv"] = false
	remote.mu.Unlock()
	assert.Equal(t, []string{"remote/events.csv"}, v.LazyFilePaths())
}

func TestCrossDeviceMove(t *testing.T) {
	ctx := context.Background()
	remote := newLazyDevice(map[string]string{"in/raw.csv": "x\n"})
	v := newMounted(t, remote)
	require.NoError(t, v.Mkdir(ctx, "staging"))

	require.NoError(t, v.MoveFile(ctx, "/data/remote/in/raw.csv", "/data/staging"))

	data, err := v.ReadFile(ctx, "staging/raw.csv")
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
	assert.False(t, v.Exists("remote/in/raw.csv"))
	_, ok := remote.files["in/raw.csv"]
	assert.False(t, ok)
}

func TestSameDeviceRenames(t *testing.T) {
	ctx := context.Background()
	v := newMounted(t, nil)
	require.NoError(t, v.WriteFile(ctx, "d1/x.txt", []byte("x")))
	require.NoError(t, v.WriteFile(ctx, "y.txt", []byte("y")))

	require.NoError(t, v.RenameDir(ctx, "d1", "d2"))
	assert.True(t, v.Exists("d2/x.txt"))
	assert.False(t, v.Exists("d1/x.txt"))

	require.NoError(t, v.RenameFile(ctx, "d2/x.txt", "z.txt"))
	assert.True(t, v.Exists("d2/z.txt"))

	require.NoError(t, v.MoveFile(ctx, "y.txt", "d2"))
	assert.True(t, v.Exists("d2/y.txt"))

	assert.ErrorIs(t, v.RenameFile(ctx, "d2/y.txt", "z.txt"), storage.ErrExists)
	assert.ErrorIs(t, v.RenameFile(ctx, "d2/y.txt", "../evil"), storage.ErrInvalidPath)

	require.NoError(t, v.Rmdir(ctx, "d2"))
	assert.False(t, v.Exists("d2/y.txt"))
}

func TestShadowedEntriesHidden(t *testing.T) {
	ctx := context.Background()
	dev := newLocal(t)
	require.NoError(t, dev.Write(ctx, "remote/hidden.txt", []byte("h")))

	v := New()
	require.NoError(t, v.Mount(ctx, "", dev))
	require.NoError(t, v.Mount(ctx, "remote", newLazyDevice(map[string]string{"seen.txt": "s"})))
	defer v.Close()

	assert.False(t, v.Exists("remote/hidden.txt"))
	assert.True(t, v.Exists("remote/seen.txt"))
}
