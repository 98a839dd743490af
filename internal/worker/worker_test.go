package worker

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/engine"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/internal/storage/local"
	"github.com/fruitsalade/cellbridge/pkg/models"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

func TestMain(m *testing.M) {
	// handler panics log stack traces at error level
	logging.UseLogger(zap.NewNop())
	os.Exit(m.Run())
}

// recorder collects every message a worker emits.
type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) emit(m protocol.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.msgs...)
}

func (r *recorder) statuses() []protocol.Status {
	var out []protocol.Status
	for _, m := range r.snapshot() {
		if ev, ok := m.(protocol.StatusEvent); ok {
			out = append(out, ev.Status)
		}
	}
	return out
}

// waitFor polls until match finds a message or the deadline passes.
func (r *recorder) waitFor(t *testing.T, match func(protocol.Message) bool) protocol.Message {
	t.Helper()
	var found protocol.Message
	require.Eventually(t, func() bool {
		for _, m := range r.snapshot() {
			if match(m) {
				found = m
				return true
			}
		}
		return false
	}, 10*time.Second, 5*time.Millisecond)
	return found
}

func (r *recorder) hasStatus(st protocol.Status) bool {
	for _, s := range r.statuses() {
		if s == st {
			return true
		}
	}
	return false
}

func memLocal() (storage.Device, error) {
	return local.New(local.Config{InMemory: true, IdleTimeout: time.Hour})
}

func startWorker(t *testing.T, cfg Config) (*Worker, *recorder) {
	t.Helper()
	if cfg.NewLocal == nil {
		cfg.NewLocal = memLocal
	}
	rec := newRecorder()
	w := Start(cfg, rec.emit)
	t.Cleanup(func() {
		w.Terminate()
		w.Wait()
	})
	return w, rec
}

func call(t *testing.T, w *Worker, rec *recorder, id uint64, req protocol.Request) protocol.Response {
	t.Helper()
	w.Post(protocol.Envelope{ID: id, Request: req})
	m := rec.waitFor(t, func(m protocol.Message) bool {
		r, ok := m.(protocol.Response)
		return ok && r.ID == id
	})
	return m.(protocol.Response)
}

func TestRequestBeforeInit(t *testing.T) {
	w, rec := startWorker(t, Config{})

	resp := call(t, w, rec, 1, protocol.RunCode{Lang: protocol.LangJS, Source: "1"})
	assert.False(t, resp.OK)
	assert.Equal(t, protocol.ErrInitialization, resp.ErrorKind)
}

func TestInitThenRun(t *testing.T) {
	w, rec := startWorker(t, Config{})

	resp := call(t, w, rec, 1, protocol.Init{})
	require.True(t, resp.OK, resp.Error)
	rec.waitFor(t, func(m protocol.Message) bool {
		ev, ok := m.(protocol.StatusEvent)
		return ok && ev.Status == protocol.StatusDBReady
	})
	st := rec.statuses()
	require.GreaterOrEqual(t, len(st), 3)
	assert.Equal(t, protocol.StatusLoading, st[0])
	assert.Equal(t, protocol.StatusReady, st[1])

	resp = call(t, w, rec, 2, protocol.RunCode{Lang: protocol.LangJS, Source: "var n = 20; n + 22"})
	require.True(t, resp.OK, resp.Error)
	res := resp.Result.(*models.ExecutionResult)
	assert.Equal(t, "42", res.Value)

	resp = call(t, w, rec, 3, protocol.RunCode{Lang: protocol.LangSQL, Source: "SELECT 1 AS one"})
	require.True(t, resp.OK, resp.Error)
	res = resp.Result.(*models.ExecutionResult)
	assert.Equal(t, []string{"one"}, res.Columns)

	// a second init is a no-op and emits nothing new
	before := len(rec.statuses())
	resp = call(t, w, rec, 4, protocol.Init{})
	assert.True(t, resp.OK)
	assert.Len(t, rec.statuses(), before)
}

func TestFileRequests(t *testing.T) {
	w, rec := startWorker(t, Config{})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)

	resp := call(t, w, rec, 2, protocol.WriteFile{Path: "/data/notes/a.txt", Data: []byte("hello")})
	require.True(t, resp.OK, resp.Error)

	resp = call(t, w, rec, 3, protocol.ReadFile{Path: "notes/a.txt"})
	require.True(t, resp.OK, resp.Error)
	assert.Equal(t, []byte("hello"), resp.Result)

	resp = call(t, w, rec, 4, protocol.RenameFile{Path: "notes/a.txt", NewName: "b.txt"})
	require.True(t, resp.OK, resp.Error)
	resp = call(t, w, rec, 5, protocol.FileExists{Path: "notes/b.txt"})
	assert.Equal(t, true, resp.Result)

	resp = call(t, w, rec, 6, protocol.ReadFile{Path: "notes/a.txt"})
	assert.False(t, resp.OK)
	assert.Equal(t, protocol.ErrStorage, resp.ErrorKind)

	resp = call(t, w, rec, 7, protocol.ReadFile{Path: "../etc/passwd"})
	assert.False(t, resp.OK)
	assert.Equal(t, protocol.ErrStorage, resp.ErrorKind)

	resp = call(t, w, rec, 8, protocol.ListFiles{})
	require.True(t, resp.OK, resp.Error)
	var paths []string
	for _, f := range resp.Result.([]models.FileEntry) {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "notes/b.txt")
}

func TestMalformedRequests(t *testing.T) {
	w, rec := startWorker(t, Config{})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)

	resp := call(t, w, rec, 2, nil)
	assert.Equal(t, protocol.ErrProtocol, resp.ErrorKind)

	resp = call(t, w, rec, 3, protocol.RunCode{Lang: "cobol", Source: "x"})
	assert.Equal(t, protocol.ErrProtocol, resp.ErrorKind)

	resp = call(t, w, rec, 4, protocol.Introspect{What: "everything"})
	assert.Equal(t, protocol.ErrProtocol, resp.ErrorKind)
}

func TestEngineErrorKind(t *testing.T) {
	w, rec := startWorker(t, Config{})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)

	resp := call(t, w, rec, 2, protocol.RunCode{Lang: protocol.LangSQL, Source: "SELECT * FROM missing"})
	assert.False(t, resp.OK)
	assert.Equal(t, protocol.ErrEngine, resp.ErrorKind)
	assert.Contains(t, resp.Error, "no such table")
}

func TestLocalDeviceFailure(t *testing.T) {
	w, rec := startWorker(t, Config{NewLocal: func() (storage.Device, error) {
		return nil, errors.New("disk on fire")
	}})

	resp := call(t, w, rec, 1, protocol.Init{})
	assert.False(t, resp.OK)
	assert.Equal(t, protocol.ErrInitialization, resp.ErrorKind)
	assert.True(t, rec.hasStatus(protocol.StatusErrored))
	assert.False(t, rec.hasStatus(protocol.StatusReady))
}

func TestRemoteMount(t *testing.T) {
	remote, err := local.New(local.Config{InMemory: true, IdleTimeout: time.Hour})
	require.NoError(t, err)
	require.NoError(t, remote.Init(context.Background()))
	require.NoError(t, remote.Write(context.Background(), "shared.csv", []byte("a\n1\n")))

	w, rec := startWorker(t, Config{
		RemoteMount: "remote",
		NewRemote: func(ctx context.Context) (storage.Device, error) {
			return remote, nil
		},
	})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)

	m := rec.waitFor(t, func(m protocol.Message) bool {
		_, ok := m.(protocol.FileListEvent)
		return ok
	})
	var paths []string
	for _, f := range m.(protocol.FileListEvent).Files {
		paths = append(paths, f.Path)
	}
	assert.Contains(t, paths, "remote/shared.csv")
	assert.True(t, rec.hasStatus(protocol.StatusRemoteMounting))
	assert.True(t, rec.hasStatus(protocol.StatusRemoteReady))
}

func TestRepeatedInitStartsBackgroundOnce(t *testing.T) {
	remote, err := local.New(local.Config{InMemory: true, IdleTimeout: time.Hour})
	require.NoError(t, err)

	w, rec := startWorker(t, Config{
		RemoteMount: "remote",
		NewRemote: func(ctx context.Context) (storage.Device, error) {
			time.Sleep(200 * time.Millisecond)
			return remote, nil
		},
	})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)
	require.True(t, call(t, w, rec, 2, protocol.Init{}).OK)

	rec.waitFor(t, func(m protocol.Message) bool {
		_, ok := m.(protocol.FileListEvent)
		return ok
	})
	rec.waitFor(t, func(m protocol.Message) bool {
		ev, ok := m.(protocol.StatusEvent)
		return ok && ev.Status == protocol.StatusDBReady
	})
	// leave room for a late duplicate mount to report
	time.Sleep(50 * time.Millisecond)

	counts := map[protocol.Status]int{}
	for _, st := range rec.statuses() {
		counts[st]++
	}
	assert.Equal(t, 1, counts[protocol.StatusLoading])
	assert.Equal(t, 1, counts[protocol.StatusReady])
	assert.Equal(t, 1, counts[protocol.StatusDBReady])
	assert.Equal(t, 1, counts[protocol.StatusRemoteMounting])
	assert.Equal(t, 1, counts[protocol.StatusRemoteReady])
	assert.Zero(t, counts[protocol.StatusRemoteError])
}

func TestRemoteMountFailureKeepsSession(t *testing.T) {
	w, rec := startWorker(t, Config{
		RemoteMount: "remote",
		NewRemote: func(ctx context.Context) (storage.Device, error) {
			return nil, errors.New("bucket unreachable")
		},
	})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)

	m := rec.waitFor(t, func(m protocol.Message) bool {
		ev, ok := m.(protocol.StatusEvent)
		return ok && ev.Status == protocol.StatusRemoteError
	})
	assert.Contains(t, m.(protocol.StatusEvent).Detail, "bucket unreachable")

	resp := call(t, w, rec, 2, protocol.RunCode{Lang: protocol.LangJS, Source: "'still here'"})
	require.True(t, resp.OK, resp.Error)
}

func TestTerminateDropsLateMessages(t *testing.T) {
	w, rec := startWorker(t, Config{})
	require.True(t, call(t, w, rec, 1, protocol.Init{}).OK)
	w.Terminate()
	n := len(rec.snapshot())

	w.Post(protocol.Envelope{ID: 2, Request: protocol.ListFiles{}})
	w.Wait()
	assert.Len(t, rec.snapshot(), n)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.ErrorKind
	}{
		{&engine.InitializationError{Component: "interpreter", Err: errors.New("x")}, protocol.ErrInitialization},
		{ErrNotInitialized, protocol.ErrInitialization},
		{engine.ErrClosed, protocol.ErrInitialization},
		{&engine.EngineError{Message: "no such table: t"}, protocol.ErrEngine},
		{storage.ErrHandleBusy, protocol.ErrStorage},
		{storage.Wrap("read", "local", "a", storage.ErrNotFound), protocol.ErrStorage},
		{protocol.ErrUnknownKind, protocol.ErrProtocol},
		{errors.New("boom"), protocol.ErrExecution},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), tt.err.Error())
	}
}
