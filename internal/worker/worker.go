// Package worker hosts one notebook session: an execution engine and a
// virtual filesystem driven by protocol requests. A worker talks to its
// controller only through messages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/engine"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/internal/vfs"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

// ErrNotInitialized is returned for requests that arrive before init.
var ErrNotInitialized = errors.New("worker not initialized")

// Config describes the devices and engine of a session.
type Config struct {
	Engine engine.Config

	// NewLocal creates the device mounted at the root.
	NewLocal func() (storage.Device, error)

	// NewRemote creates the remote device. Nil means no remote mount.
	NewRemote func(ctx context.Context) (storage.Device, error)

	// RemoteMount is the subpath the remote device is mounted at.
	RemoteMount string
}

// Worker receives envelopes, handles each on its own goroutine and emits
// responses and events through the emit callback.
type Worker struct {
	session *Session
	emit    func(protocol.Message)
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	dead   atomic.Bool
	closed sync.Once
}

// Start creates a worker. Nothing is initialized until an Init request.
func Start(cfg Config, emit func(protocol.Message)) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		emit:   emit,
		log:    logging.Named("worker"),
		ctx:    ctx,
		cancel: cancel,
	}
	w.session = newSession(cfg, w.send)
	return w
}

// send forwards a message unless the worker has been terminated or crashed.
func (w *Worker) send(msg protocol.Message) {
	if w.dead.Load() {
		return
	}
	w.emit(msg)
}

// Post delivers a request. It never blocks on the request's execution.
func (w *Worker) Post(env protocol.Envelope) {
	if w.dead.Load() {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.handle(env)
	}()
}

func (w *Worker) handle(env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			w.crash(fmt.Sprint(r), debug.Stack())
		}
	}()

	kind := protocol.Kind("")
	if env.Request != nil {
		kind = env.Request.Kind()
	}
	start := time.Now()
	result, err := w.session.dispatch(w.ctx, env.Request)
	metrics.RecordRequest(string(kind), time.Since(start), err == nil)

	resp := protocol.Response{ID: env.ID, OK: err == nil, Result: result}
	if err != nil {
		resp.ErrorKind = classify(err)
		resp.Error = err.Error()
		resp.Result = nil
		w.log.Debug("request failed",
			zap.Uint64("id", env.ID),
			zap.String("kind", string(kind)),
			zap.String("error_kind", string(resp.ErrorKind)),
			zap.Error(err))
	}
	w.send(resp)

	if kind == protocol.KindInit && err == nil && w.session.claimStartup() {
		w.session.afterInit(w.ctx, &w.wg)
	}
}

// crash reports an uncaught failure. The worker accepts nothing afterwards.
func (w *Worker) crash(msg string, stack []byte) {
	if w.dead.Load() {
		return
	}
	metrics.RecordWorkerCrash()
	w.log.Error("worker crashed", zap.String("fault", msg), zap.ByteString("stack", stack))
	w.emit(protocol.Fault{Message: msg})
	w.dead.Store(true)
	w.cancel()
}

// Terminate stops the worker and releases the session. Late results of
// requests still running are dropped.
func (w *Worker) Terminate() {
	w.dead.Store(true)
	w.cancel()
	w.closed.Do(func() {
		if err := w.session.close(); err != nil {
			w.log.Debug("close session", zap.Error(err))
		}
	})
}

// Wait blocks until every handler goroutine has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// classify maps an error to the response error kind.
func classify(err error) protocol.ErrorKind {
	var (
		initErr *engine.InitializationError
		engErr  *engine.EngineError
		stErr   *storage.StorageError
	)
	switch {
	case errors.As(err, &initErr), errors.Is(err, ErrNotInitialized), errors.Is(err, engine.ErrClosed):
		return protocol.ErrInitialization
	case errors.As(err, &engErr):
		return protocol.ErrEngine
	case errors.As(err, &stErr),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrExists),
		errors.Is(err, storage.ErrInvalidPath),
		errors.Is(err, storage.ErrIsDir),
		errors.Is(err, storage.ErrNoDevice),
		errors.Is(err, storage.ErrNotEmpty),
		errors.Is(err, storage.ErrReadOnly),
		errors.Is(err, storage.ErrHandleBusy),
		errors.Is(err, vfs.ErrAlreadyMounted):
		return protocol.ErrStorage
	case errors.Is(err, protocol.ErrUnknownKind), errors.Is(err, errBadRequest):
		return protocol.ErrProtocol
	}
	return protocol.ErrExecution
}
