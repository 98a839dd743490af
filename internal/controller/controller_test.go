package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/cellbridge/internal/events"
	"github.com/fruitsalade/cellbridge/internal/storage"
	"github.com/fruitsalade/cellbridge/internal/storage/local"
	"github.com/fruitsalade/cellbridge/internal/worker"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

// fakeBackend records posted envelopes and lets the test answer them.
type fakeBackend struct {
	emit func(protocol.Message)

	mu         sync.Mutex
	posted     []protocol.Envelope
	terminated bool
	autoInit   bool
}

func (f *fakeBackend) Post(env protocol.Envelope) {
	f.mu.Lock()
	f.posted = append(f.posted, env)
	auto := f.autoInit
	f.mu.Unlock()
	if auto && env.Request.Kind() == protocol.KindInit {
		go f.emit(protocol.Response{ID: env.ID, OK: true})
	}
}

func (f *fakeBackend) Terminate() {
	f.mu.Lock()
	f.terminated = true
	f.mu.Unlock()
}

func (f *fakeBackend) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.posted...)
}

type fakeFactory struct {
	mu       sync.Mutex
	backends []*fakeBackend
	autoInit bool
}

func (ff *fakeFactory) start(emit func(protocol.Message)) Backend {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	b := &fakeBackend{emit: emit, autoInit: ff.autoInit}
	ff.backends = append(ff.backends, b)
	return b
}

func (ff *fakeFactory) last() *fakeBackend {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.backends[len(ff.backends)-1]
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.backends)
}

func waitPosted(t *testing.T, b *fakeBackend, n int) []protocol.Envelope {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.envelopes()) >= n }, 5*time.Second, time.Millisecond)
	return b.envelopes()
}

func TestInitIsSharedAndMemoized(t *testing.T) {
	ff := &fakeFactory{}
	c := NewWithBackend(ff.start)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.Init(ctx)
		}()
	}

	envs := waitPosted(t, ff.last(), 1)
	ff.last().emit(protocol.Response{ID: envs[0].ID, OK: true})
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// every caller shared one init request
	assert.Len(t, ff.last().envelopes(), 1)

	require.NoError(t, c.Init(ctx))
	assert.Len(t, ff.last().envelopes(), 1)
}

func TestIDsAreUniqueAndResolvedOnce(t *testing.T) {
	ff := &fakeFactory{autoInit: true}
	c := NewWithBackend(ff.start)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	const n = 20
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.FileExists(ctx, "a.csv")
			results <- err
		}()
	}
	envs := waitPosted(t, ff.last(), n+1)

	seen := map[uint64]bool{}
	for _, env := range envs {
		assert.False(t, seen[env.ID], "duplicate id %d", env.ID)
		seen[env.ID] = true
	}
	for _, env := range envs[1:] {
		ff.last().emit(protocol.Response{ID: env.ID, OK: true, Result: true})
		// a duplicate response is ignored
		ff.last().emit(protocol.Response{ID: env.ID, OK: true, Result: false})
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-results)
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFailureResponseCarriesKind(t *testing.T) {
	ff := &fakeFactory{autoInit: true}
	c := NewWithBackend(ff.start)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := c.ReadFile(ctx, "missing.csv")
		done <- err
	}()
	envs := waitPosted(t, ff.last(), 2)
	ff.last().emit(protocol.Response{ID: envs[1].ID, ErrorKind: protocol.ErrStorage, Error: "not found"})

	err := <-done
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, protocol.ErrStorage, reqErr.Kind)
	assert.Equal(t, "not found", err.Error())
}

func TestCrashRejectsPendingAndRestartsInit(t *testing.T) {
	ff := &fakeFactory{autoInit: true}
	c := NewWithBackend(ff.start)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))
	first := ff.last()

	const n = 3
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.RunCode(ctx, protocol.LangJS, "while(true){}", "")
			results <- err
		}()
	}
	waitPosted(t, first, n+1)

	first.emit(protocol.Fault{Message: "stack overflow"})
	var errs []error
	for i := 0; i < n; i++ {
		errs = append(errs, <-results)
	}
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrWorkerCrashed)
		assert.Equal(t, errs[0].Error(), err.Error())
	}
	assert.Equal(t, protocol.StatusErrored, c.Status())
	assert.Equal(t, 0, c.Pending())
	require.Eventually(t, func() bool {
		first.mu.Lock()
		defer first.mu.Unlock()
		return first.terminated
	}, time.Second, time.Millisecond)

	// the crashed backend is gone; init starts a fresh one
	require.NoError(t, c.Init(ctx))
	assert.Equal(t, 2, ff.count())

	// late messages from the dead backend are ignored
	first.emit(protocol.StatusEvent{Status: protocol.StatusReady})
	assert.Equal(t, protocol.StatusErrored, c.Status())
}

func TestCancelledCallerAbandonsRequest(t *testing.T) {
	ff := &fakeFactory{autoInit: true}
	c := NewWithBackend(ff.start)
	require.NoError(t, c.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.ListFiles(ctx)
		done <- err
	}()
	envs := waitPosted(t, ff.last(), 2)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, 0, c.Pending())

	// the late response finds no pending entry
	ff.last().emit(protocol.Response{ID: envs[1].ID, OK: true})
	assert.Equal(t, 0, c.Pending())
}

func TestResetAndDispose(t *testing.T) {
	ff := &fakeFactory{autoInit: true}
	c := NewWithBackend(ff.start)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	done := make(chan error, 1)
	go func() {
		done <- c.Mkdir(ctx, "x")
	}()
	waitPosted(t, ff.last(), 2)
	c.Reset()
	err := <-done
	assert.ErrorIs(t, err, ErrWorkerReset)
	assert.ErrorIs(t, err, ErrWorkerCrashed)
	first := ff.backends[0]
	first.mu.Lock()
	assert.True(t, first.terminated)
	first.mu.Unlock()
	assert.Equal(t, protocol.StatusIdle, c.Status())

	require.NoError(t, c.Init(ctx))
	assert.Equal(t, 2, ff.count())

	c.Dispose()
	assert.ErrorIs(t, c.Init(ctx), ErrDisposed)
	_, err = c.ListFiles(ctx)
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestStatusAndFileEvents(t *testing.T) {
	ff := &fakeFactory{autoInit: true}
	c := NewWithBackend(ff.start)
	require.NoError(t, c.Init(context.Background()))

	got := make(chan events.Event, 8)
	cancel := c.OnChange(func(e events.Event) { got <- e })
	defer cancel()

	ff.last().emit(protocol.StatusEvent{Status: protocol.StatusRemoteReady})
	ev := <-got
	assert.Equal(t, events.EventStatus, ev.Type)
	assert.Equal(t, protocol.StatusRemoteReady, ev.Status)
	assert.Equal(t, protocol.StatusRemoteReady, c.Status())

	ff.last().emit(protocol.FileListEvent{})
	ev = <-got
	assert.Equal(t, events.EventFiles, ev.Type)
}

func newLocalController(t *testing.T) *Controller {
	t.Helper()
	c := New(worker.Config{
		NewLocal: func() (storage.Device, error) {
			return local.New(local.Config{InMemory: true, IdleTimeout: time.Hour})
		},
	})
	t.Cleanup(c.Dispose)
	return c
}

func TestLocalFileScenario(t *testing.T) {
	c := newLocalController(t)
	ctx := context.Background()
	require.NoError(t, c.Init(ctx))

	files, err := c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	data := []byte("id,name\n1,apple\n")
	require.NoError(t, c.WriteFile(ctx, "a.csv", data))
	files, err = c.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.csv", files[0].Path)
	assert.Equal(t, int64(len(data)), files[0].Size)

	got, err := c.ReadFile(ctx, "a.csv")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, c.DeleteFile(ctx, "a.csv"))
	files, err = c.ListFiles(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestViewScenario(t *testing.T) {
	c := newLocalController(t)
	ctx := context.Background()

	res, err := c.RunCode(ctx, protocol.LangSQL, "SELECT 1 AS x", "t1")
	require.NoError(t, err)
	require.Empty(t, res.Error)

	res, err = c.RunCode(ctx, protocol.LangSQL, "SELECT x FROM t1", "")
	require.NoError(t, err)
	require.Len(t, res.ResultRows, 1)
	assert.EqualValues(t, 1, res.ResultRows[0]["x"])
	require.NotNil(t, res.TotalRowCount)
	assert.Equal(t, int64(1), *res.TotalRowCount)

	// the view is also bound in the interpreter
	res, err = c.RunCode(ctx, protocol.LangJS, "t1[0].x + 1", "")
	require.NoError(t, err)
	assert.Equal(t, "2", res.Value)
}

func TestEngineFailureThroughController(t *testing.T) {
	c := newLocalController(t)
	_, err := c.RunCode(context.Background(), protocol.LangSQL, "SELEC 1", "")
	var reqErr *RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, protocol.ErrEngine, reqErr.Kind)
}
