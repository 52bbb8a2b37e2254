// Package nettransport is a reference implementation of swmcore's
// Transport contract (core.ResponseWriter/RequestReader/App/WsHandle)
// on top of net/http, golang.org/x/net/websocket and tcplisten. It
// exists to exercise the core package end to end; the core package
// itself never imports it and never parses a byte off the wire.
package nettransport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	core "github.com/SwarmMachina/swm-core"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/valyala/tcplisten"
	"golang.org/x/net/websocket"
)

var errUpgradeRejected = errors.New("nettransport: upgrade rejected by onUpgrade hook")

// App is a core.App backed by an http.ServeMux and an x/net/websocket
// handshake server, with a topic table for Publish/Subscribe.
type App struct {
	mux    *http.ServeMux
	srv    *http.Server
	topics *xsync.MapOf[string, *xsync.MapOf[*wsConn, struct{}]]

	pendingUserData *xsync.MapOf[*http.Request, any]
}

// New builds an App ready to have routes registered on it.
func New() *App {
	return &App{
		mux:             http.NewServeMux(),
		topics:          xsync.NewMapOf[string, *xsync.MapOf[*wsConn, struct{}]](),
		pendingUserData: xsync.NewMapOf[*http.Request, any](),
	}
}

func (a *App) adapt(h func(core.ResponseWriter, core.RequestReader)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		rw := &responseWriter{w: w, req: r, flusher: flusher}
		rr := &requestReader{req: r}

		// h either replies synchronously or registers a producer/writable
		// hook and returns; it never blocks this goroutine on I/O of its
		// own. Only once it has handed control back do we wait for
		// cancellation, so the abort notification always runs on this same
		// goroutine instead of a second one racing the handler's own
		// mutation of its context.
		h(rw, rr)

		if rw.finished.Load() {
			return
		}
		<-r.Context().Done()
		if !rw.finished.Load() {
			if cb := rw.abortedCb; cb != nil {
				cb()
			}
		}
	}
}

func (a *App) OnGet(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("GET "+path, a.adapt(h))
}
func (a *App) OnPost(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("POST "+path, a.adapt(h))
}
func (a *App) OnPut(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("PUT "+path, a.adapt(h))
}
func (a *App) OnDelete(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("DELETE "+path, a.adapt(h))
}
func (a *App) OnPatch(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("PATCH "+path, a.adapt(h))
}
func (a *App) OnOptions(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("OPTIONS "+path, a.adapt(h))
}
func (a *App) OnHead(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc("HEAD "+path, a.adapt(h))
}
func (a *App) OnAny(path string, h func(core.ResponseWriter, core.RequestReader)) {
	a.mux.HandleFunc(path, a.adapt(h))
}

// Ws registers a WebSocket route at path, gating the handshake on
// cfg.OnUpgrade and bridging frames to cfg.OnMessage/OnClose.
func (a *App) Ws(path string, cfg core.WsRouteConfig) {
	wsSrv := websocket.Server{
		Handshake: func(wsCfg *websocket.Config, req *http.Request) error {
			if cfg.OnUpgrade == nil {
				return nil
			}
			meta := &core.UpgradeMeta{
				Url:          req.URL.Path,
				Ip:           req.RemoteAddr,
				GetHeader:    req.Header.Get,
				GetQuery:     func(name string) string { return req.URL.Query().Get(name) },
				GetParameter: func(indexOrName any) string { return req.PathValue(fmt.Sprint(indexOrName)) },
				AbortedLoader: func() bool {
					return req.Context().Err() != nil
				},
			}
			allowed, userData := cfg.OnUpgrade(meta)
			if !allowed {
				return errUpgradeRejected
			}
			a.pendingUserData.Store(req, userData)
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			userData, _ := a.pendingUserData.LoadAndDelete(conn.Request())
			c := newWsConn(a, conn, userData)
			if cfg.OnOpen != nil {
				cfg.OnOpen(c)
			}
			a.readLoop(c, cfg)
		},
	}
	a.mux.Handle(path, wsSrv)
}

func (a *App) readLoop(c *wsConn, cfg core.WsRouteConfig) {
	for {
		var data []byte
		if err := websocket.Message.Receive(c.conn, &data); err != nil {
			reason := "closed"
			if err != io.EOF {
				reason = err.Error()
			}
			if cfg.OnClose != nil {
				cfg.OnClose(c, 1000, reason)
			}
			return
		}
		if cfg.OnMessage != nil {
			cfg.OnMessage(c, data, true)
		}
	}
}

// Listen binds port using a SO_REUSEPORT listener and blocks serving
// requests until Close is called.
func (a *App) Listen(port int, ready func(listenSocket any)) error {
	cfg := tcplisten.Config{ReusePort: true, DeferAccept: true, FastOpen: true}
	ln, err := cfg.NewListener("tcp4", fmt.Sprintf(":%d", port))
	if err != nil {
		if ready != nil {
			ready(nil)
		}
		return err
	}
	a.srv = &http.Server{Handler: a.mux}
	if ready != nil {
		ready(ln)
	}
	err = a.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Close() error {
	if a.srv == nil {
		return nil
	}
	return a.srv.Shutdown(context.Background())
}

func (a *App) Publish(topic string, msg []byte, binary bool) bool {
	set, ok := a.topics.Load(topic)
	if !ok {
		return false
	}
	set.Range(func(c *wsConn, _ struct{}) bool {
		c.Send(msg, binary)
		return true
	})
	return true
}

func (a *App) NumSubscribers(topic string) int {
	set, ok := a.topics.Load(topic)
	if !ok {
		return 0
	}
	return set.Size()
}

func (a *App) subscribe(c *wsConn, topic string) bool {
	set, ok := a.topics.Load(topic)
	if !ok {
		set, _ = a.topics.LoadOrStore(topic, xsync.NewMapOf[*wsConn, struct{}]())
	}
	set.Store(c, struct{}{})
	return true
}

func (a *App) unsubscribe(c *wsConn, topic string) bool {
	set, ok := a.topics.Load(topic)
	if !ok {
		return false
	}
	_, existed := set.LoadAndDelete(c)
	return existed
}

// responseWriter adapts http.ResponseWriter to core.ResponseWriter.
// Status and headers are staged by WriteStatus/WriteHeader (mirroring
// the transport's cork) and flushed lazily on the first real write,
// since net/http forbids setting headers after WriteHeader is called.
type responseWriter struct {
	w       http.ResponseWriter
	req     *http.Request
	flusher http.Flusher

	statusLine string
	headers    map[string]string
	flushed    bool

	writeOffset int
	finished    atomic.Bool
	abortedCb   func()
}

func parseStatusCode(line string) int {
	if len(line) < 3 {
		return 500
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil {
		return 500
	}
	return code
}

func (rw *responseWriter) flushHeaders() {
	if rw.flushed {
		return
	}
	rw.flushed = true
	for k, v := range rw.headers {
		rw.w.Header().Set(k, v)
	}
	rw.w.WriteHeader(parseStatusCode(rw.statusLine))
}

func (rw *responseWriter) OnData(cb func(chunk []byte, isLast bool)) {
	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, err := rw.req.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				cb(chunk, err == io.EOF)
			}
			if err != nil {
				if err != io.EOF {
					cb(nil, true)
				}
				return
			}
		}
	}()
}

func (rw *responseWriter) OnAborted(cb func()) { rw.abortedCb = cb }

// OnWritable is a no-op hook point: this reference transport writes
// synchronously through net/http and never applies backpressure, so
// nothing ever arms a deferred "writable again" event.
func (rw *responseWriter) OnWritable(cb func(offset int) bool) {}

func (rw *responseWriter) Cork(fn func()) { fn() }

func (rw *responseWriter) WriteStatus(statusLine string) { rw.statusLine = statusLine }

func (rw *responseWriter) WriteHeader(name, value string) {
	if rw.headers == nil {
		rw.headers = make(map[string]string)
	}
	rw.headers[name] = value
}

func (rw *responseWriter) Write(chunk []byte) bool {
	rw.flushHeaders()
	if len(chunk) > 0 {
		n, err := rw.w.Write(chunk)
		rw.writeOffset += n
		if err != nil {
			return false
		}
	}
	if rw.flusher != nil {
		rw.flusher.Flush()
	}
	return true
}

func (rw *responseWriter) TryEnd(chunk []byte, totalSize int) (ok, done bool) {
	ok = rw.Write(chunk)
	rw.finished.Store(true)
	return ok, true
}

func (rw *responseWriter) End(chunk []byte) {
	if len(chunk) > 0 {
		rw.Write(chunk)
	} else {
		rw.flushHeaders()
	}
	rw.finished.Store(true)
}

func (rw *responseWriter) GetWriteOffset() int { return rw.writeOffset }

func (rw *responseWriter) GetRemoteAddressAsText() string { return rw.req.RemoteAddr }

func (rw *responseWriter) GetProxiedRemoteAddressAsText() string {
	return rw.req.Header.Get("X-Forwarded-For")
}

// Upgrade is unused by this transport: WebSocket connections are
// always established through App.Ws's own handshake server, never via
// a mid-request upgrade of an HTTP response.
func (rw *responseWriter) Upgrade(userData any, key, protocol, extensions string) core.WsHandle {
	panic("nettransport: Upgrade is not supported; register routes with App.Ws instead")
}

type requestReader struct {
	req *http.Request
}

func (r *requestReader) GetMethod() string { return r.req.Method }
func (r *requestReader) GetUrl() string    { return r.req.URL.Path }
func (r *requestReader) GetHeader(name string) string {
	return r.req.Header.Get(name)
}
func (r *requestReader) GetQuery(name string) string {
	return r.req.URL.Query().Get(name)
}
func (r *requestReader) GetParameter(indexOrName any) string {
	return r.req.PathValue(fmt.Sprint(indexOrName))
}

// wsConn adapts a golang.org/x/net/websocket.Conn to core.WsHandle.
type wsConn struct {
	app      *App
	conn     *websocket.Conn
	userData any
	mu       sync.Mutex
}

func newWsConn(app *App, conn *websocket.Conn, userData any) *wsConn {
	return &wsConn{app: app, conn: conn, userData: userData}
}

func (c *wsConn) GetUserData() any { return c.userData }

func (c *wsConn) Send(data []byte, binary bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if binary {
		err = websocket.Message.Send(c.conn, data)
	} else {
		err = websocket.Message.Send(c.conn, string(data))
	}
	return err == nil
}

func (c *wsConn) End(code int, reason string) {
	_ = c.conn.Close()
}

func (c *wsConn) Subscribe(topic string) bool   { return c.app.subscribe(c, topic) }
func (c *wsConn) Unsubscribe(topic string) bool { return c.app.unsubscribe(c, topic) }
