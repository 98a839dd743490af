// Package controller is the caller-facing side of a session. It correlates
// requests with worker responses, memoizes init, and projects worker
// status and file-list messages into change events.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/cellbridge/internal/events"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/internal/worker"
	"github.com/fruitsalade/cellbridge/pkg/models"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

var (
	// ErrWorkerCrashed rejects every pending request when the worker faults.
	ErrWorkerCrashed = errors.New("worker crashed")

	// ErrWorkerReset rejects every pending request when the session is reset.
	ErrWorkerReset = fmt.Errorf("%w: session reset", ErrWorkerCrashed)

	// ErrDisposed is returned by every call after Dispose.
	ErrDisposed = errors.New("controller disposed")
)

// RequestError is a failure response from the worker.
type RequestError struct {
	Kind    protocol.ErrorKind
	Message string
}

func (e *RequestError) Error() string { return e.Message }

// Backend is a worker as seen by the controller.
type Backend interface {
	Post(env protocol.Envelope)
	Terminate()
}

// StartFunc creates a backend that reports every message through emit.
type StartFunc func(emit func(protocol.Message)) Backend

// reply is what a pending entry receives exactly once.
type reply struct {
	result any
	err    error
}

// Controller owns one worker at a time and the ledger of its in-flight
// requests. A crashed or reset worker is replaced lazily on the next call.
type Controller struct {
	id     string
	start  StartFunc
	events *events.Broadcaster
	log    *zap.Logger
	nextID atomic.Uint64
	group  singleflight.Group

	mu       sync.Mutex
	backend  Backend
	inited   Backend // backend whose init succeeded
	pending  map[uint64]chan reply
	status   protocol.Status
	files    []models.FileEntry
	disposed bool
}

// New creates a controller whose workers run in-process with cfg.
func New(cfg worker.Config) *Controller {
	return NewWithBackend(func(emit func(protocol.Message)) Backend {
		return worker.Start(cfg, emit)
	})
}

// NewWithBackend creates a controller over an arbitrary backend factory.
func NewWithBackend(start StartFunc) *Controller {
	id := uuid.NewString()
	return &Controller{
		id:      id,
		start:   start,
		events:  events.NewBroadcaster(),
		log:     logging.Named("controller").With(zap.String("session", id)),
		pending: make(map[uint64]chan reply),
		status:  protocol.StatusIdle,
	}
}

// ID identifies the session in logs.
func (c *Controller) ID() string { return c.id }

// ensureBackend returns the live backend, starting one if needed. Callers
// hold c.mu.
func (c *Controller) ensureBackend() Backend {
	if c.backend != nil {
		return c.backend
	}
	var b Backend
	b = c.start(func(msg protocol.Message) { c.receive(b, msg) })
	c.backend = b
	return b
}

// send posts req and waits for its response. Giving up on ctx leaves the
// request running in the worker; its late response is discarded.
func (c *Controller) send(ctx context.Context, req protocol.Request) (any, Backend, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, nil, ErrDisposed
	}
	b := c.ensureBackend()
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	metrics.AddPendingRequests(1)
	c.mu.Unlock()

	b.Post(protocol.Envelope{ID: id, Request: req})

	select {
	case r := <-ch:
		return r.result, b, r.err
	case <-ctx.Done():
		c.mu.Lock()
		if _, ok := c.pending[id]; ok {
			delete(c.pending, id)
			metrics.AddPendingRequests(-1)
		}
		c.mu.Unlock()
		return nil, b, ctx.Err()
	}
}

// receive handles one message from backend b. Messages from a replaced
// backend are ignored.
func (c *Controller) receive(b Backend, msg protocol.Message) {
	c.mu.Lock()
	if b == nil || b != c.backend {
		c.mu.Unlock()
		return
	}
	switch m := msg.(type) {
	case protocol.Response:
		ch, ok := c.pending[m.ID]
		if ok {
			delete(c.pending, m.ID)
			metrics.AddPendingRequests(-1)
		}
		c.mu.Unlock()
		if !ok {
			c.log.Debug("response without pending request", zap.Uint64("id", m.ID))
			return
		}
		if m.OK {
			ch <- reply{result: m.Result}
		} else {
			ch <- reply{err: &RequestError{Kind: m.ErrorKind, Message: m.Error}}
		}

	case protocol.StatusEvent:
		c.status = m.Status
		c.mu.Unlock()
		c.events.PublishStatus(m.Status, m.Detail)

	case protocol.FileListEvent:
		c.files = m.Files
		c.mu.Unlock()
		c.events.PublishFiles(m.Files)

	case protocol.Fault:
		c.log.Error("worker fault", zap.String("fault", m.Message))
		c.dropBackendLocked(fmt.Errorf("%w: %s", ErrWorkerCrashed, m.Message))
		c.status = protocol.StatusErrored
		c.mu.Unlock()
		go b.Terminate()
		c.events.PublishStatus(protocol.StatusErrored, m.Message)

	default:
		c.mu.Unlock()
	}
}

// dropBackendLocked forgets the current backend and rejects every pending
// request with err.
func (c *Controller) dropBackendLocked(err error) {
	metrics.AddPendingRequests(-len(c.pending))
	for id, ch := range c.pending {
		ch <- reply{err: err}
		delete(c.pending, id)
	}
	c.backend = nil
	c.inited = nil
}

// Init starts the session. It is idempotent: concurrent callers share one
// in-flight attempt, and a failed or crashed attempt is retried by the
// next call.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	done := c.backend != nil && c.inited == c.backend
	c.mu.Unlock()
	if done {
		return nil
	}

	ch := c.group.DoChan("init", func() (any, error) {
		_, b, err := c.send(context.WithoutCancel(ctx), protocol.Init{})
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.backend == b {
			c.inited = b
		}
		c.mu.Unlock()
		return nil, nil
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do sends any request. Everything but Init starts the session first.
func (c *Controller) Do(ctx context.Context, req protocol.Request) (any, error) {
	if req != nil && req.Kind() == protocol.KindInit {
		return nil, c.Init(ctx)
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	res, _, err := c.send(ctx, req)
	return res, err
}

func call[T any](ctx context.Context, c *Controller, req protocol.Request) (T, error) {
	var zero T
	res, err := c.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %s result %T", req.Kind(), res)
	}
	return v, nil
}

// RunCode runs one cell. viewName is only meaningful for SQL.
func (c *Controller) RunCode(ctx context.Context, lang, source, viewName string) (*models.ExecutionResult, error) {
	return call[*models.ExecutionResult](ctx, c, protocol.RunCode{Lang: lang, Source: source, ViewName: viewName})
}

func (c *Controller) Introspect(ctx context.Context, what string) (*models.IntrospectResult, error) {
	return call[*models.IntrospectResult](ctx, c, protocol.Introspect{What: what})
}

func (c *Controller) ListFiles(ctx context.Context) ([]models.FileEntry, error) {
	return call[[]models.FileEntry](ctx, c, protocol.ListFiles{})
}

func (c *Controller) ReadFile(ctx context.Context, path string) ([]byte, error) {
	return call[[]byte](ctx, c, protocol.ReadFile{Path: path})
}

func (c *Controller) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := c.Do(ctx, protocol.WriteFile{Path: path, Data: data})
	return err
}

func (c *Controller) DeleteFile(ctx context.Context, path string) error {
	_, err := c.Do(ctx, protocol.DeleteFile{Path: path})
	return err
}

func (c *Controller) FileExists(ctx context.Context, path string) (bool, error) {
	return call[bool](ctx, c, protocol.FileExists{Path: path})
}

func (c *Controller) Mkdir(ctx context.Context, path string) error {
	_, err := c.Do(ctx, protocol.Mkdir{Path: path})
	return err
}

func (c *Controller) Rmdir(ctx context.Context, path string) error {
	_, err := c.Do(ctx, protocol.Rmdir{Path: path})
	return err
}

func (c *Controller) RenameDir(ctx context.Context, oldPath, newPath string) error {
	_, err := c.Do(ctx, protocol.RenameDir{Old: oldPath, New: newPath})
	return err
}

func (c *Controller) MoveFile(ctx context.Context, src, dstDir string) error {
	_, err := c.Do(ctx, protocol.MoveFile{Src: src, DstDir: dstDir})
	return err
}

func (c *Controller) RenameFile(ctx context.Context, path, newName string) error {
	_, err := c.Do(ctx, protocol.RenameFile{Path: path, NewName: newName})
	return err
}

// Reset terminates the worker. Pending requests fail with ErrWorkerReset
// and the next call starts a fresh session.
func (c *Controller) Reset() {
	c.mu.Lock()
	b := c.backend
	c.dropBackendLocked(ErrWorkerReset)
	c.status = protocol.StatusIdle
	c.files = nil
	c.mu.Unlock()
	if b != nil {
		b.Terminate()
	}
	c.log.Info("session reset")
	c.events.PublishStatus(protocol.StatusIdle, "")
}

// Dispose terminates the worker for good.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	b := c.backend
	c.dropBackendLocked(ErrDisposed)
	c.mu.Unlock()
	if b != nil {
		b.Terminate()
	}
}

// OnChange calls fn for every status and file-list event until the
// returned function is called.
func (c *Controller) OnChange(fn func(events.Event)) (cancel func()) {
	return c.events.Listen(fn)
}

// Status returns the last projected status.
func (c *Controller) Status() protocol.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Files returns the last file listing pushed by the worker.
func (c *Controller) Files() []models.FileEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.FileEntry(nil), c.files...)
}

// Pending returns the number of requests awaiting a response.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
