package swmcore

import (
	"fmt"
	"context"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

var (
	errShutdownInProgress     = errors.New("server: shutdown already in progress")
	errRouterAndRoutesBothSet = errors.New("server: Router and per-method routes are mutually exclusive (§4.7)")
	errNoRoutesConfigured     = errors.New("server: neither a Router nor any route was registered")
)

var validRouteMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "OPTIONS": true, "HEAD": true, "ANY": true,
}

type routeRecord struct {
	method string
	path   string
}

// HandlerFunc processes one request. Its return value feeds
// HttpContext.onResolve: nil/string/[]byte/struct dispatch through Send's
// usual rules, and a handler that already replied (via ctx.Reply,
// ctx.StartStreaming, ctx.Stream, ...) may safely return nil. A returned
// (or panicked) error, such as a *StatusError, takes HttpContext.onReject
// instead.
type HandlerFunc func(ctx *HttpContext) any

// WsHandlerConfig mirrors WsRouteConfig but hands the user a *WsContext
// instead of a raw WsHandle.
type WsHandlerConfig struct {
	IdleTimeoutSec int
	OnUpgrade      func(meta *UpgradeMeta) (isAllowed bool, userData any)
	OnOpen         func(ws *WsContext)
	OnMessage      func(ws *WsContext, data []byte, binary bool)
	OnClose        func(ws *WsContext, code int, reason string)
	OnDrain        func(ws *WsContext)
	OnSubscription func(ws *WsContext, topic string, newCount, oldCount int)
	OnError        func(ws *WsContext, err error)
}

// ServerConfig configures a Server (§4.7). Zero values fall back to
// sane defaults, in the teacher's plain-struct-config style — this
// corpus carries no dedicated configuration library.
type ServerConfig struct {
	// MaxRequestBodySize caps BodyParser ingestion, in bytes.
	MaxRequestBodySize int
	// HttpPoolSize/WsPoolSize bound how many contexts each ContextPool
	// retains between requests/connections.
	HttpPoolSize int
	WsPoolSize   int
	// Concurrency bounds how many handler invocations run at once. 0
	// disables the dispatch pool: handlers run inline on the calling
	// (transport) goroutine.
	Concurrency           int
	MaxIdleWorkerDuration time.Duration
	// Logger defaults to a stderr zerolog logger when nil.
	Logger *zerolog.Logger
	// OnError is called, in addition to logging, whenever a handler
	// returns/throws an error that reaches sendError.
	OnError func(ctx *HttpContext, err error)
	// Router, if set, replaces per-method route registration with a
	// single catch-all handler that performs its own dispatch. Mutually
	// exclusive with Get/Post/Put/.../Any; exactly one of the two must
	// be used (§4.7 Routing).
	Router HandlerFunc
}

// Server is the routing, dispatch and lifecycle layer (§4.7): it owns
// the HttpContext/WsContext pools, registers wrapped handlers on the
// transport's App, and tracks active HTTP/WS counts for a graceful
// drain.
type Server struct {
	app App
	cfg ServerConfig
	log zerolog.Logger

	httpPool *ContextPool[*HttpContext]
	wsPool   *ContextPool[*WsContext]
	wsConns  *xsync.MapOf[WsHandle, *WsContext]

	tasks *taskPool

	activeHTTP int32
	activeWS   int32
	draining   int32

	routes    []routeRecord
	wsEnabled bool

	listenSocket any
}

// NewServer builds a Server bound to app.
func NewServer(app App, cfg ServerConfig) *Server {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = 4 * 1024 * 1024
	}
	if cfg.HttpPoolSize <= 0 {
		cfg.HttpPoolSize = 1024
	}
	if cfg.WsPoolSize <= 0 {
		cfg.WsPoolSize = 1024
	}

	var logger zerolog.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	s := &Server{
		app:     app,
		cfg:     cfg,
		log:     logger,
		wsConns: xsync.NewMapOf[WsHandle, *WsContext](),
	}
	s.httpPool = NewContextPool(cfg.HttpPoolSize, func(p *ContextPool[*HttpContext]) *HttpContext {
		return newHttpContext(p)
	})
	s.wsPool = NewContextPool(cfg.WsPoolSize, func(p *ContextPool[*WsContext]) *WsContext {
		return newWsContext(p)
	})
	if cfg.Concurrency > 0 {
		s.tasks = newTaskPool(cfg.Concurrency, cfg.MaxIdleWorkerDuration, logger)
		s.tasks.Start()
	}
	if cfg.Router != nil {
		s.app.OnAny("/", s.wrap(cfg.Router))
	}
	return s
}

func (s *Server) dispatch(fn func()) {
	if s.tasks != nil && s.tasks.Serve(fn) {
		return
	}
	fn()
}

// --- Route registration ---

func (s *Server) Get(path string, h HandlerFunc) {
	s.registerRoute("GET", path, func() { s.app.OnGet(path, s.wrap(h)) })
}
func (s *Server) Post(path string, h HandlerFunc) {
	s.registerRoute("POST", path, func() { s.app.OnPost(path, s.wrap(h)) })
}
func (s *Server) Put(path string, h HandlerFunc) {
	s.registerRoute("PUT", path, func() { s.app.OnPut(path, s.wrap(h)) })
}
func (s *Server) Delete(path string, h HandlerFunc) {
	s.registerRoute("DELETE", path, func() { s.app.OnDelete(path, s.wrap(h)) })
}
func (s *Server) Patch(path string, h HandlerFunc) {
	s.registerRoute("PATCH", path, func() { s.app.OnPatch(path, s.wrap(h)) })
}
func (s *Server) Options(path string, h HandlerFunc) {
	s.registerRoute("OPTIONS", path, func() { s.app.OnOptions(path, s.wrap(h)) })
}
func (s *Server) Head(path string, h HandlerFunc) {
	s.registerRoute("HEAD", path, func() { s.app.OnHead(path, s.wrap(h)) })
}
func (s *Server) Any(path string, h HandlerFunc) {
	s.registerRoute("ANY", path, func() { s.app.OnAny(path, s.wrap(h)) })
}

// registerRoute records method/path for Listen's mutual-exclusivity and
// validity checks, then applies the registration against the transport.
func (s *Server) registerRoute(method, path string, apply func()) {
	s.routes = append(s.routes, routeRecord{method: method, path: path})
	apply()
}

// validateRouting enforces §4.7's "route set and router are mutually
// exclusive and at least one must be present," plus well-formed method
// and path for every registered route.
func (s *Server) validateRouting() error {
	hasRouter := s.cfg.Router != nil
	hasRoutes := len(s.routes) > 0
	switch {
	case hasRouter && hasRoutes:
		return errRouterAndRoutesBothSet
	case !hasRouter && !hasRoutes:
		return errNoRoutesConfigured
	}
	for _, r := range s.routes {
		if !validRouteMethods[r.method] {
			return errors.Errorf("server: invalid route method %q for path %q", r.method, r.path)
		}
		if !strings.HasPrefix(r.path, "/") {
			return errors.Errorf("server: invalid route path %q: must begin with \"/\"", r.path)
		}
	}
	return nil
}

func (s *Server) wrap(h HandlerFunc) func(ResponseWriter, RequestReader) {
	return func(resp ResponseWriter, req RequestReader) {
		s.handleHTTP(h, resp, req)
	}
}

func (s *Server) handleHTTP(h HandlerFunc, resp ResponseWriter, req RequestReader) {
	if atomic.LoadInt32(&s.draining) == 1 {
		s.replyUnavailable(resp)
		return
	}
	ctx := s.httpPool.Acquire()
	ctx.reset(resp, req, s, s.cfg.MaxRequestBodySize)
	println("DEBUG after reset, ctx ptr", fmt.Sprintf("%p", ctx), "ctx.server nil?", ctx.server == nil)
	atomic.AddInt32(&s.activeHTTP, 1)
	resp.OnAborted(ctx.onAbort)

	s.dispatch(func() {
		println("DEBUG in dispatch closure, ctx ptr", fmt.Sprintf("%p", ctx), "ctx.server nil?", ctx.server == nil)
		value, err := s.invoke(h, ctx)
		println("DEBUG after invoke, err nil?", err == nil, "ctx.server nil?", ctx.server == nil)
		if e, ok := value.(error); ok && err == nil {
			err = e
		}
		if err != nil {
			ctx.onReject(err)
			return
		}
		ctx.onResolve(value)
	})
}

func (s *Server) invoke(h HandlerFunc, ctx *HttpContext) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = toError(r)
		}
	}()
	value = h(ctx)
	return
}

func (s *Server) replyUnavailable(resp ResponseWriter) {
	resp.Cork(func() {
		resp.WriteStatus(StatusLine(StatusServiceUnavailable))
		resp.WriteHeader("Content-Type", PresetTextPlain.ContentType())
	})
	resp.TryEnd(s2b("Server is shutting down"), len("Server is shutting down"))
}

// finalizeHTTP releases ctx and decrements the active-HTTP counter
// (§4.7 Finalize). Shutdown polls these counters directly rather than
// being signaled, so no further bookkeeping is needed here.
func (s *Server) finalizeHTTP(ctx *HttpContext) {
	s.httpPool.Release(ctx)
	atomic.AddInt32(&s.activeHTTP, -1)
}

func (s *Server) reportHandlerError(ctx *HttpContext, err error) {
	s.log.Error().Err(err).Str("method", ctx.Method()).Str("url", ctx.Url()).Msg("handler error")
	if s.cfg.OnError != nil {
		// A panicking error hook is swallowed and logged at debug.
		defer func() {
			if r := recover(); r != nil {
				s.log.Debug().Interface("panic", r).Msg("error hook panic")
			}
		}()
		s.cfg.OnError(ctx, err)
	}
}

// --- WebSocket ---

func (s *Server) Ws(path string, cfg WsHandlerConfig) {
	s.wsEnabled = true
	s.app.Ws(path, WsRouteConfig{
		IdleTimeoutSec: cfg.IdleTimeoutSec,
		OnUpgrade:      cfg.OnUpgrade,
		OnOpen: func(handle WsHandle) {
			if atomic.LoadInt32(&s.draining) == 1 {
				handle.End(StatusServiceUnavailable, "server is shutting down")
				return
			}
			wctx := s.wsPool.Acquire()
			wctx.reset(handle, s, handle.GetUserData())
			atomic.AddInt32(&s.activeWS, 1)
			s.wsConns.Store(handle, wctx)
			if cfg.OnOpen != nil {
				cfg.OnOpen(wctx)
			}
		},
		OnMessage: func(handle WsHandle, data []byte, binary bool) {
			wctx, ok := s.wsConns.Load(handle)
			if !ok || cfg.OnMessage == nil {
				return
			}
			cfg.OnMessage(wctx, data, binary)
		},
		OnClose: func(handle WsHandle, code int, reason string) {
			wctx, ok := s.wsConns.Load(handle)
			if !ok {
				return
			}
			if cfg.OnClose != nil {
				cfg.OnClose(wctx, code, reason)
			}
			wctx.onClose()
		},
		OnDrain: func(handle WsHandle) {
			wctx, ok := s.wsConns.Load(handle)
			if !ok || cfg.OnDrain == nil {
				return
			}
			cfg.OnDrain(wctx)
		},
		OnSubscription: func(handle WsHandle, topic string, newCount, oldCount int) {
			wctx, ok := s.wsConns.Load(handle)
			if !ok || cfg.OnSubscription == nil {
				return
			}
			cfg.OnSubscription(wctx, topic, newCount, oldCount)
		},
		OnError: func(handle WsHandle, err error) {
			wctx, ok := s.wsConns.Load(handle)
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("ws error")
			if cfg.OnError != nil {
				cfg.OnError(wctx, err)
			}
		},
	})
}

// finalizeWS drops wctx's handle from the connection table, releases
// wctx, and decrements the active-WS counter.
func (s *Server) finalizeWS(wctx *WsContext) {
	s.wsConns.Delete(wctx.handle)
	s.wsPool.Release(wctx)
	atomic.AddInt32(&s.activeWS, -1)
}

// Publish fans a message out through the transport's topic table,
// independent of any single connection. Returns false if no Ws route was
// ever registered or the server isn't yet listening (§4.7 Publish).
func (s *Server) Publish(topic string, data []byte, binary bool) bool {
	if !s.wsEnabled || s.listenSocket == nil {
		return false
	}
	return s.app.Publish(topic, data, binary)
}

func (s *Server) NumSubscribers(topic string) int {
	return s.app.NumSubscribers(topic)
}

// Logger returns the server's logger.
func (s *Server) Logger() *zerolog.Logger {
	return &s.log
}

// --- Lifecycle ---

// Listen starts accepting connections on port. ready, if non-nil, is
// invoked once with whether the bind succeeded. Invalid or absent
// routing (neither Router nor any route registered, both registered, or
// an invalid method/path) is rejected here rather than at registration
// time (§4.7 Routing).
func (s *Server) Listen(port int, ready func(ok bool)) error {
	if err := s.validateRouting(); err != nil {
		if ready != nil {
			ready(false)
		}
		return err
	}
	return s.app.Listen(port, func(listenSocket any) {
		s.listenSocket = listenSocket
		if ready != nil {
			ready(listenSocket != nil)
		}
	})
}

// Shutdown stops accepting new connections and waits for every active
// HTTP request and WebSocket connection to finish, or for ctx to be
// canceled — the same close-listeners-then-poll-until-zero idiom the
// teacher uses in ShutdownWithContext.
func (s *Server) Shutdown(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.draining, 0, 1) {
		return errShutdownInProgress
	}
	if err := s.app.Close(); err != nil {
		return err
	}
	if s.tasks != nil {
		defer s.tasks.Stop()
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt32(&s.activeHTTP) == 0 && atomic.LoadInt32(&s.activeWS) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			continue
		}
	}
}

// Close forces an immediate shutdown without waiting for active work
// to drain.
func (s *Server) Close() error {
	atomic.StoreInt32(&s.draining, 1)
	if s.tasks != nil {
		s.tasks.Stop()
	}
	return s.app.Close()
}
