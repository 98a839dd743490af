package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/engine"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/vfs"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

var errBadRequest = errors.New("malformed request")

// Session is the state one worker owns for its lifetime. Every handler
// receives it explicitly.
type Session struct {
	cfg    Config
	engine *engine.Engine
	fs     *vfs.FS
	emit   func(protocol.Message)
	log    *zap.Logger

	mu      sync.Mutex
	inited  bool
	started bool // background startup already launched
}

func newSession(cfg Config, emit func(protocol.Message)) *Session {
	fs := vfs.New()
	return &Session{
		cfg:    cfg,
		engine: engine.New(cfg.Engine, fs),
		fs:     fs,
		emit:   emit,
		log:    logging.Named("session"),
	}
}

type handler func(ctx context.Context, s *Session, req protocol.Request) (any, error)

// handlers is the dispatch table. Every request kind has exactly one entry.
var handlers = map[protocol.Kind]handler{
	protocol.KindInit:       handleInit,
	protocol.KindRunCode:    handleRunCode,
	protocol.KindIntrospect: handleIntrospect,
	protocol.KindListFiles:  handleListFiles,
	protocol.KindReadFile:   handleReadFile,
	protocol.KindWriteFile:  handleWriteFile,
	protocol.KindDeleteFile: handleDeleteFile,
	protocol.KindFileExists: handleFileExists,
	protocol.KindMkdir:      handleMkdir,
	protocol.KindRmdir:      handleRmdir,
	protocol.KindRenameDir:  handleRenameDir,
	protocol.KindMoveFile:   handleMoveFile,
	protocol.KindRenameFile: handleRenameFile,
}

func (s *Session) dispatch(ctx context.Context, req protocol.Request) (any, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", errBadRequest)
	}
	h, ok := handlers[req.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownKind, req.Kind())
	}
	if req.Kind() != protocol.KindInit && !s.initialized() {
		return nil, ErrNotInitialized
	}
	return h(ctx, s, req)
}

func (s *Session) initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inited
}

func (s *Session) status(st protocol.Status, detail string) {
	s.emit(protocol.StatusEvent{Status: st, Detail: detail})
}

// handleInit starts the interpreter, mounts the local device at the root
// and sets the working directory. A repeated init is a no-op.
func handleInit(ctx context.Context, s *Session, _ protocol.Request) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inited {
		return nil, nil
	}

	s.status(protocol.StatusLoading, "")
	if err := s.engine.Init(ctx); err != nil {
		s.status(protocol.StatusErrored, err.Error())
		return nil, err
	}
	if s.cfg.NewLocal == nil {
		return nil, &engine.InitializationError{Component: "local device", Err: errors.New("no local device configured")}
	}
	dev, err := s.cfg.NewLocal()
	if err != nil {
		s.status(protocol.StatusErrored, err.Error())
		return nil, &engine.InitializationError{Component: "local device", Err: err}
	}
	if err := s.fs.Mount(ctx, "", dev); err != nil {
		_ = dev.Close()
		s.status(protocol.StatusErrored, err.Error())
		return nil, &engine.InitializationError{Component: "local device", Err: err}
	}
	if err := s.engine.SetWorkingDir(vfs.Root); err != nil {
		return nil, err
	}
	s.inited = true
	return nil, nil
}

// claimStartup reports whether the caller should run afterInit. It is true
// once per session, after the first successful init.
func (s *Session) claimStartup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inited || s.started {
		return false
	}
	s.started = true
	return true
}

// afterInit runs once the init reply has been sent: it reports ready and
// starts the database and the remote mount in the background.
func (s *Session) afterInit(ctx context.Context, wg *sync.WaitGroup) {
	s.status(protocol.StatusReady, "")

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.engine.InitDB(ctx); err != nil {
			s.log.Warn("database failed to start", zap.Error(err))
			return
		}
		s.status(protocol.StatusDBReady, "")
	}()

	if s.cfg.NewRemote == nil {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.mountRemote(ctx)
	}()
}

func (s *Session) mountRemote(ctx context.Context) {
	if s.fs.IsMounted(s.cfg.RemoteMount) {
		return
	}
	s.status(protocol.StatusRemoteMounting, "")
	dev, err := s.cfg.NewRemote(ctx)
	if err == nil {
		err = s.fs.Mount(ctx, s.cfg.RemoteMount, dev)
		if err != nil {
			_ = dev.Close()
		}
	}
	if err != nil {
		s.log.Warn("remote mount failed", zap.String("mount", s.cfg.RemoteMount), zap.Error(err))
		s.status(protocol.StatusRemoteError, err.Error())
		return
	}
	s.status(protocol.StatusRemoteReady, "")

	files, err := s.fs.ListAllFiles(ctx)
	if err != nil {
		s.log.Warn("listing after remote mount", zap.Error(err))
		return
	}
	s.emit(protocol.FileListEvent{Files: files})
}

func (s *Session) close() error {
	return errors.Join(s.engine.Close(), s.fs.Close())
}

// as unwraps a request to its concrete variant.
func as[T protocol.Request](req protocol.Request) (T, error) {
	r, ok := req.(T)
	if !ok {
		return r, fmt.Errorf("%w: %T for %s", errBadRequest, req, req.Kind())
	}
	return r, nil
}

func handleRunCode(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.RunCode](req)
	if err != nil {
		return nil, err
	}
	if r.Lang != protocol.LangJS && r.Lang != protocol.LangSQL {
		return nil, fmt.Errorf("%w: unsupported language %q", errBadRequest, r.Lang)
	}
	return s.engine.Run(ctx, r.Lang, r.Source, r.ViewName)
}

func handleIntrospect(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.Introspect](req)
	if err != nil {
		return nil, err
	}
	switch r.What {
	case protocol.IntrospectTables, protocol.IntrospectFunctions, protocol.IntrospectVariables:
	default:
		return nil, fmt.Errorf("%w: unknown introspection kind %q", errBadRequest, r.What)
	}
	return s.engine.Introspect(ctx, r.What)
}

func handleListFiles(ctx context.Context, s *Session, _ protocol.Request) (any, error) {
	return s.fs.ListAllFiles(ctx)
}

func handleReadFile(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.ReadFile](req)
	if err != nil {
		return nil, err
	}
	return s.fs.ReadFile(ctx, r.Path)
}

func handleWriteFile(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.WriteFile](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.WriteFile(ctx, r.Path, r.Data)
}

func handleDeleteFile(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.DeleteFile](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.DeleteFile(ctx, r.Path)
}

func handleFileExists(_ context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.FileExists](req)
	if err != nil {
		return nil, err
	}
	return s.fs.Exists(r.Path), nil
}

func handleMkdir(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.Mkdir](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.Mkdir(ctx, r.Path)
}

func handleRmdir(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.Rmdir](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.Rmdir(ctx, r.Path)
}

func handleRenameDir(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.RenameDir](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.RenameDir(ctx, r.Old, r.New)
}

func handleMoveFile(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.MoveFile](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.MoveFile(ctx, r.Src, r.DstDir)
}

func handleRenameFile(ctx context.Context, s *Session, req protocol.Request) (any, error) {
	r, err := as[protocol.RenameFile](req)
	if err != nil {
		return nil, err
	}
	return nil, s.fs.RenameFile(ctx, r.Path, r.NewName)
}
