// Package s3 provides the remote storage device backed by an S3-compatible
// object store. Objects are enumerated cheaply and reported as lazy; content
// is fetched on first read and kept in a local cache. Range reads go through
// the sync bridge when it is available.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/cellbridge/internal/bridge"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/pkg/cache"
	"github.com/fruitsalade/cellbridge/pkg/retry"
)

const deviceName = "remote"

// Options configures a remote device.
type Options struct {
	Config Config
	Client ObjectClient
	Cache  *cache.Cache
	Bridge bridge.Config

	// BridgeClient creates the client owned by the bridge fetcher. Nil
	// reuses Client.
	BridgeClient func() (ObjectClient, error)

	Retry retry.Config
}

// Device implements storage.Device for an object store.
type Device struct {
	obj    *objects
	prefix string
	cache  *cache.Cache
	opts   Options
	log    *zap.Logger

	bridge  *bridge.Bridge
	rangeOK atomic.Bool
	group   singleflight.Group

	mu    sync.RWMutex
	files map[string]int64 // known file paths and sizes
}

var (
	_ storage.Device      = (*Device)(nil)
	_ storage.RangeReader = (*Device)(nil)
	_ storage.Prefetcher  = (*Device)(nil)
)

// New creates a remote device. Nothing is contacted until Init.
func New(opts Options) (*Device, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("s3 client is required")
	}
	if opts.Config.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if opts.Cache == nil {
		c, err := cache.NewMemory(512 << 20)
		if err != nil {
			return nil, err
		}
		opts.Cache = c
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.InitialWait == 0 {
		opts.Retry = retry.DefaultConfig()
	}

	prefix := strings.Trim(opts.Config.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Device{
		obj:    newObjects(opts.Client, opts.Config.Bucket, opts.Retry),
		prefix: prefix,
		cache:  opts.Cache,
		opts:   opts,
		log:    logging.Named("remote"),
		files:  make(map[string]int64),
	}, nil
}

// Name returns "remote".
func (d *Device) Name() string { return deviceName }

// Init verifies bucket access and sets up the sync bridge. A bridge that
// cannot be built only disables range reads.
func (d *Device) Init(ctx context.Context) error {
	if err := d.obj.headBucket(ctx); err != nil {
		return storage.Wrap("init", deviceName, "", err)
	}

	b, err := bridge.New(d.opts.Bridge, d.fetcherFactory())
	if err != nil {
		if !errors.Is(err, bridge.ErrDisabled) {
			metrics.RecordBridgeDowngrade()
		}
		d.log.Debug("range reads unavailable, using full fetch", zap.Error(err))
		return nil
	}
	d.bridge = b
	d.rangeOK.Store(true)
	return nil
}

func (d *Device) fetcherFactory() bridge.Factory {
	return func() (bridge.FetchFunc, error) {
		client := d.opts.Client
		if d.opts.BridgeClient != nil {
			c, err := d.opts.BridgeClient()
			if err != nil {
				return nil, err
			}
			client = c
		}
		o := newObjects(client, d.opts.Config.Bucket, d.opts.Retry)
		return func(ctx context.Context, key string, offset, length int64) ([]byte, error) {
			return o.get(ctx, key, offset, length)
		}, nil
	}
}

func (d *Device) key(p string) string {
	return d.prefix + p
}

func clean(p string) (string, error) {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return "", storage.ErrInvalidPath
	}
	return p, nil
}

// List enumerates objects under the prefix. Files are lazy until cached.
func (d *Device) List(ctx context.Context) ([]storage.Entry, error) {
	objs, err := d.obj.list(ctx, d.prefix)
	if err != nil {
		return nil, storage.Wrap("list", deviceName, "", err)
	}

	dirs := make(map[string]bool)
	files := make(map[string]int64)
	var entries []storage.Entry

	addParents := func(p string) {
		for dir := path.Dir(p); dir != "." && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}

	for _, o := range objs {
		rel := strings.TrimPrefix(deref(o.Key), d.prefix)
		if rel == "" {
			continue
		}
		if strings.HasSuffix(rel, "/") {
			rel = strings.TrimSuffix(rel, "/")
			dirs[rel] = true
			addParents(rel)
			continue
		}
		size := derefInt(o.Size)
		files[rel] = size
		addParents(rel)
		e := storage.Entry{Path: rel, Size: size, Lazy: !d.cache.IsCached(d.key(rel))}
		if o.LastModified != nil {
			e.ModTime = *o.LastModified
		}
		entries = append(entries, e)
	}
	for dir := range dirs {
		entries = append(entries, storage.Entry{Path: dir, IsDir: true})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	d.mu.Lock()
	d.files = files
	d.mu.Unlock()
	return entries, nil
}

// IsLazy reports whether p is a known file whose content is not cached.
func (d *Device) IsLazy(p string) bool {
	cp, err := clean(p)
	if err != nil {
		return false
	}
	d.mu.RLock()
	_, known := d.files[cp]
	d.mu.RUnlock()
	return known && !d.cache.IsCached(d.key(cp))
}

// Prefetch fetches p into the cache and pins it there until Release.
func (d *Device) Prefetch(ctx context.Context, p string) error {
	if _, err := d.Read(ctx, p); err != nil {
		return err
	}
	cp, _ := clean(p)
	if err := d.cache.Pin(d.key(cp)); err != nil {
		// the cache could not hold it; reads fall back to fetching
		d.log.Debug("pin prefetched object", zap.String("path", cp), zap.Error(err))
	}
	return nil
}

// Release drops the pin taken by Prefetch.
func (d *Device) Release(p string) {
	cp, err := clean(p)
	if err != nil {
		return
	}
	_ = d.cache.Unpin(d.key(cp))
}

func (d *Device) reportCache() {
	size, _, count := d.cache.Stats()
	metrics.SetCacheUsage(size, count)
}

// Read returns the full content of p, fetching it on a cache miss.
// Concurrent first reads share one fetch.
func (d *Device) Read(ctx context.Context, p string) ([]byte, error) {
	cp, err := clean(p)
	if err != nil {
		return nil, storage.Wrap("read", deviceName, p, err)
	}
	data, err := d.fetchFull(ctx, cp)
	return data, storage.Wrap("read", deviceName, cp, err)
}

func (d *Device) fetchFull(ctx context.Context, p string) ([]byte, error) {
	k := d.key(p)
	if data, ok, err := d.cache.Bytes(k); ok && err == nil {
		metrics.RecordCacheHit()
		return data, nil
	}
	metrics.RecordCacheMiss()

	v, err, _ := d.group.Do(k, func() (interface{}, error) {
		data, err := d.obj.get(ctx, k, 0, 0)
		if err != nil {
			return nil, err
		}
		metrics.RecordRemoteFetch("full", int64(len(data)))
		if _, err := d.cache.Put(k, bytes.NewReader(data)); err != nil {
			d.log.Warn("failed to cache object", zap.String("key", k), zap.Error(err))
		}
		d.reportCache()
		d.mu.Lock()
		d.files[p] = int64(len(data))
		d.mu.Unlock()
		d.log.Debug("fetched object", zap.String("key", k), zap.Int("size", len(data)))
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SupportsRange reports whether reads can use the sync bridge.
func (d *Device) SupportsRange() bool {
	return d.rangeOK.Load() && d.bridge.Available()
}

// ReadRange reads length bytes of p at offset. Cached objects are served
// locally; otherwise the bridge is used when available, falling back to a
// full fetch.
func (d *Device) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	cp, err := clean(p)
	if err != nil {
		return nil, storage.Wrap("read_range", deviceName, p, err)
	}
	if length <= 0 {
		return []byte{}, nil
	}
	k := d.key(cp)

	if d.cache.IsCached(k) {
		buf := make([]byte, length)
		n, err := d.cache.ReadAt(k, buf, offset)
		if err == nil || err == io.EOF {
			metrics.RecordCacheHit()
			return buf[:n], nil
		}
	}

	if d.SupportsRange() {
		data, err := d.bridge.ReadRange(ctx, k, offset, length)
		if err != nil {
			d.downgrade(err)
			return nil, storage.Wrap("read_range", deviceName, cp, err)
		}
		metrics.RecordRemoteFetch("range", int64(len(data)))
		return data, nil
	}

	data, err := d.fetchFull(ctx, cp)
	if err != nil {
		return nil, storage.Wrap("read_range", deviceName, cp, err)
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

func (d *Device) downgrade(cause error) {
	if d.rangeOK.CompareAndSwap(true, false) {
		metrics.RecordBridgeDowngrade()
		d.log.Warn("range reads downgraded to full fetch", zap.Error(cause))
	}
}

// Write uploads data and refreshes the cache.
func (d *Device) Write(ctx context.Context, p string, data []byte) error {
	cp, err := clean(p)
	if err != nil {
		return storage.Wrap("write", deviceName, p, err)
	}
	k := d.key(cp)
	if err := d.obj.put(ctx, k, data); err != nil {
		return storage.Wrap("write", deviceName, cp, err)
	}
	if _, err := d.cache.Put(k, bytes.NewReader(data)); err != nil {
		d.cache.Forget(k)
	}
	d.reportCache()
	d.mu.Lock()
	d.files[cp] = int64(len(data))
	d.mu.Unlock()
	return nil
}

// Remove deletes one object.
func (d *Device) Remove(ctx context.Context, p string) error {
	cp, err := clean(p)
	if err != nil {
		return storage.Wrap("remove", deviceName, p, err)
	}
	k := d.key(cp)
	if err := d.obj.delete(ctx, k); err != nil {
		return storage.Wrap("remove", deviceName, cp, err)
	}
	d.forget(k)
	return nil
}

// Mkdir writes a directory marker object.
func (d *Device) Mkdir(ctx context.Context, p string) error {
	cp, err := clean(p)
	if err != nil {
		return storage.Wrap("mkdir", deviceName, p, err)
	}
	return storage.Wrap("mkdir", deviceName, cp, d.obj.put(ctx, d.key(cp)+"/", nil))
}

// Rmdir deletes every object under the directory.
func (d *Device) Rmdir(ctx context.Context, p string) error {
	cp, err := clean(p)
	if err != nil {
		return storage.Wrap("rmdir", deviceName, p, err)
	}
	objs, err := d.obj.list(ctx, d.key(cp)+"/")
	if err != nil {
		return storage.Wrap("rmdir", deviceName, cp, err)
	}
	if len(objs) == 0 {
		return storage.Wrap("rmdir", deviceName, cp, storage.ErrNotFound)
	}
	for _, o := range objs {
		k := deref(o.Key)
		if err := d.obj.delete(ctx, k); err != nil {
			return storage.Wrap("rmdir", deviceName, cp, err)
		}
		d.forget(k)
	}
	return nil
}

func (d *Device) forget(k string) {
	d.cache.Forget(k)
	d.reportCache()
	d.mu.Lock()
	delete(d.files, strings.TrimPrefix(k, d.prefix))
	d.mu.Unlock()
}

// Rename copies every object under oldPath to newPath and deletes the
// originals. A plain object is renamed as a file.
func (d *Device) Rename(ctx context.Context, oldPath, newPath string) error {
	src, err := clean(oldPath)
	if err != nil {
		return storage.Wrap("rename", deviceName, oldPath, err)
	}
	dst, err := clean(newPath)
	if err != nil {
		return storage.Wrap("rename", deviceName, newPath, err)
	}
	if src == dst {
		return nil
	}
	if strings.HasPrefix(dst, src+"/") {
		return storage.Wrap("rename", deviceName, src,
			fmt.Errorf("%w: cannot move a directory into itself", storage.ErrInvalidPath))
	}

	existing, err := d.obj.list(ctx, d.key(dst))
	if err != nil {
		return storage.Wrap("rename", deviceName, dst, err)
	}
	for _, o := range existing {
		k := deref(o.Key)
		if k == d.key(dst) || strings.HasPrefix(k, d.key(dst)+"/") {
			return storage.Wrap("rename", deviceName, dst, storage.ErrExists)
		}
	}

	objs, err := d.obj.list(ctx, d.key(src))
	if err != nil {
		return storage.Wrap("rename", deviceName, src, err)
	}
	moved := 0
	for _, o := range objs {
		k := deref(o.Key)
		var target string
		switch {
		case k == d.key(src):
			target = d.key(dst)
		case strings.HasPrefix(k, d.key(src)+"/"):
			target = d.key(dst) + strings.TrimPrefix(k, d.key(src))
		default:
			continue
		}
		if err := d.obj.copy(ctx, k, target); err != nil {
			return storage.Wrap("rename", deviceName, src, err)
		}
		if err := d.obj.delete(ctx, k); err != nil {
			return storage.Wrap("rename", deviceName, src, err)
		}
		d.forget(k)
		if !strings.HasSuffix(target, "/") {
			d.mu.Lock()
			d.files[strings.TrimPrefix(target, d.prefix)] = derefInt(o.Size)
			d.mu.Unlock()
		}
		moved++
	}
	if moved == 0 {
		return storage.Wrap("rename", deviceName, src, storage.ErrNotFound)
	}
	return nil
}

// Move moves src into dstDir.
func (d *Device) Move(ctx context.Context, src, dstDir string) error {
	target := path.Base(src)
	if dir := strings.Trim(path.Clean("/"+dstDir), "/"); dir != "" {
		target = dir + "/" + target
	}
	return d.Rename(ctx, src, target)
}

// Close stops the bridge fetcher.
func (d *Device) Close() error {
	return d.bridge.Close()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(n *int64) int64 {
	if n == nil {
		return 0
	}
	return *n
}
