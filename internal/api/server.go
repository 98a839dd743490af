// Package api serves notebook sessions over websockets. Every connection
// owns one controller and therefore one worker.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/fruitsalade/cellbridge/internal/auth"
	"github.com/fruitsalade/cellbridge/internal/controller"
	"github.com/fruitsalade/cellbridge/internal/events"
	"github.com/fruitsalade/cellbridge/internal/logging"
	"github.com/fruitsalade/cellbridge/internal/metrics"
	"github.com/fruitsalade/cellbridge/internal/worker"
	"github.com/fruitsalade/cellbridge/pkg/protocol"
)

// MaxFrameBytes bounds one client frame. writeFile carries whole files.
const MaxFrameBytes = 64 << 20

const writeTimeout = 30 * time.Second

// Transport-level ops that are not worker requests.
const (
	opReset protocol.Kind = "reset"
)

// Error kinds for failures that never reached a worker.
const (
	kindCrashed  = "crash"
	kindDisposed = "disposed"
)

// Server hosts sessions.
type Server struct {
	newController func() *controller.Controller
	auth          *auth.Auth
	log           *zap.Logger

	mu       sync.Mutex
	sessions map[string]*controller.Controller
}

// NewServer creates a server whose sessions use cfg.
func NewServer(cfg worker.Config, a *auth.Auth) *Server {
	return &Server{
		newController: func() *controller.Controller { return controller.New(cfg) },
		auth:          a,
		log:           logging.Named("api"),
		sessions:      make(map[string]*controller.Controller),
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /ws", s.auth.Middleware(http.HandlerFunc(s.handleWS)))

	var handler http.Handler = mux
	handler = metrics.Middleware(handler)
	handler = logging.Middleware(handler)
	return handler
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disposes every open session.
func (s *Server) Close() {
	s.mu.Lock()
	open := make([]*controller.Controller, 0, len(s.sessions))
	for _, c := range s.sessions {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.Dispose()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"status": "ok", "sessions": s.Sessions()})
}

func (s *Server) register(c *controller.Controller) {
	s.mu.Lock()
	s.sessions[c.ID()] = c
	s.mu.Unlock()
	metrics.AddSessions(1)
}

func (s *Server) unregister(c *controller.Controller) {
	s.mu.Lock()
	delete(s.sessions, c.ID())
	s.mu.Unlock()
	metrics.AddSessions(-1)
}

// session is one websocket connection and its controller.
type session struct {
	conn *websocket.Conn
	ctrl *controller.Controller
	log  *zap.Logger
	wmu  sync.Mutex
}

func (ss *session) write(ctx context.Context, v any) {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, ss.conn, v); err != nil {
		ss.log.Debug("write frame", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxFrameBytes)

	ctrl := s.newController()
	s.register(ctrl)
	defer s.unregister(ctrl)
	defer ctrl.Dispose()

	ss := &session{
		conn: conn,
		ctrl: ctrl,
		log:  logging.WithContext(r.Context()).With(zap.String("session", ctrl.ID())),
	}
	if claims := auth.GetClaims(r.Context()); claims != nil {
		ss.log = ss.log.With(zap.String("user", claims.Username))
	}
	ss.log.Info("session opened")

	var inflight sync.WaitGroup
	defer inflight.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stop := ctrl.OnChange(func(e events.Event) {
		ss.write(ctx, eventFrame(e))
	})
	defer stop()

	for {
		var f protocol.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				ss.log.Debug("read frame", zap.Error(err))
			}
			ss.log.Info("session closed")
			return
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			ss.write(ctx, ss.serve(ctx, f))
		}()
	}
}

// serve answers one frame.
func (ss *session) serve(ctx context.Context, f protocol.Frame) protocol.ReplyFrame {
	if f.Op == opReset {
		ss.ctrl.Reset()
		return protocol.ReplyFrame{ID: f.ID, OK: true}
	}
	req, err := protocol.Decode(f)
	if err != nil {
		return protocol.ReplyFrame{ID: f.ID, Kind: string(protocol.ErrProtocol), Error: err.Error()}
	}
	res, err := ss.ctrl.Do(ctx, req)
	if err != nil {
		return protocol.ReplyFrame{ID: f.ID, Kind: errorKind(err), Error: err.Error()}
	}
	return protocol.ReplyFrame{ID: f.ID, OK: true, Result: res}
}

func errorKind(err error) string {
	var reqErr *controller.RequestError
	switch {
	case errors.As(err, &reqErr):
		return string(reqErr.Kind)
	case errors.Is(err, controller.ErrWorkerCrashed):
		return kindCrashed
	case errors.Is(err, controller.ErrDisposed):
		return kindDisposed
	}
	return string(protocol.ErrExecution)
}

func eventFrame(e events.Event) protocol.EventFrame {
	return protocol.EventFrame{
		Event:  e.Type,
		Status: e.Status,
		Detail: e.Detail,
		Files:  e.Files,
	}
}
