package swmcore

import (
	"context"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
)

func TestServerGetRegistersWrappedHandler(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})

	s.Get("/widgets", func(ctx *HttpContext) any {
		return "widget list"
	})

	h, ok := app.getRoutes["/widgets"]
	assert.True(t, ok)

	resp := newFakeResponseWriter()
	req := newFakeRequestReader("GET", "/widgets")
	h(resp, req)

	assert.Eq(t, "widget list", string(resp.written))
}

func TestServerHandlerPanicSurfacesAsError(t *testing.T) {
	app := newFakeApp()
	var reportedErr error
	s := NewServer(app, ServerConfig{
		OnError: func(ctx *HttpContext, err error) { reportedErr = err },
	})
	s.Get("/boom", func(ctx *HttpContext) any {
		panic("handler exploded")
	})

	h := app.getRoutes["/boom"]
	resp := newFakeResponseWriter()
	req := newFakeRequestReader("GET", "/boom")
	h(resp, req)

	assert.Eq(t, "500 Internal Server Error", resp.statusLine)
	assert.NotNil(t, reportedErr)
}

func TestServerRejectsNewRequestsWhileDraining(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	s.Get("/widgets", func(ctx *HttpContext) any { return "ok" })
	h := app.getRoutes["/widgets"]

	go s.Shutdown(context.Background())
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if app.closed {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp := newFakeResponseWriter()
	req := newFakeRequestReader("GET", "/widgets")
	h(resp, req)

	assert.Eq(t, "503 Service Unavailable", resp.statusLine)
}

func TestServerShutdownWaitsForActiveRequests(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})

	release := make(chan struct{})
	entered := make(chan struct{})
	s.Get("/slow", func(ctx *HttpContext) any {
		close(entered)
		<-release
		return "done"
	})
	h := app.getRoutes["/slow"]

	go h(newFakeResponseWriter(), newFakeRequestReader("GET", "/slow"))
	<-entered

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- s.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned before the active handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-shutdownDone:
		assert.Nil(t, err)
	case <-time.After(time.Second):
		t.Fatal("Shutdown never returned after the active handler finished")
	}
}

func TestServerShutdownHonorsContextCancellation(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})

	entered := make(chan struct{})
	s.Get("/stuck", func(ctx *HttpContext) any {
		close(entered)
		select {}
	})
	h := app.getRoutes["/stuck"]
	go h(newFakeResponseWriter(), newFakeRequestReader("GET", "/stuck"))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Shutdown(ctx)
	assert.Eq(t, context.DeadlineExceeded, err)
}

func TestServerShutdownTwiceReturnsErr(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	assert.Nil(t, s.Shutdown(context.Background()))
	assert.Eq(t, errShutdownInProgress, s.Shutdown(context.Background()))
}

func TestServerWsOpenTracksActiveConnection(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})

	var opened *WsContext
	s.Ws("/chat", WsHandlerConfig{
		OnOpen: func(ws *WsContext) { opened = ws },
	})

	cfg := app.wsRoutes["/chat"]
	handle := newFakeWsHandle("room")
	cfg.OnOpen(handle)

	assert.NotNil(t, opened)
	_, tracked := s.wsConns.Load(handle)
	assert.True(t, tracked)

	cfg.OnClose(handle, 1000, "bye")
	_, stillTracked := s.wsConns.Load(handle)
	assert.False(t, stillTracked)
}

func TestServerPublishDelegatesToApp(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	s.Ws("/chat", WsHandlerConfig{})
	s.Get("/widgets", func(ctx *HttpContext) any { return "ok" })
	assert.Nil(t, s.Listen(0, nil))

	s.Publish("room-1", []byte("hi"), false)
	assert.Eq(t, []string{"room-1"}, app.published)
}

func TestServerPublishRejectsWhenWsNeverEnabled(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	s.Get("/widgets", func(ctx *HttpContext) any { return "ok" })
	assert.Nil(t, s.Listen(0, nil))

	ok := s.Publish("room-1", []byte("hi"), false)
	assert.False(t, ok)
	assert.Eq(t, 0, len(app.published))
}

func TestServerPublishRejectsBeforeListening(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	s.Ws("/chat", WsHandlerConfig{})

	ok := s.Publish("room-1", []byte("hi"), false)
	assert.False(t, ok)
	assert.Eq(t, 0, len(app.published))
}

func TestServerListenRejectsWhenNoRoutesOrRouterConfigured(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	err := s.Listen(0, nil)
	assert.Eq(t, errNoRoutesConfigured, err)
}

func TestServerListenRejectsRouterAndRoutesTogether(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{Router: func(ctx *HttpContext) any { return "ok" }})
	s.Get("/widgets", func(ctx *HttpContext) any { return "ok" })

	err := s.Listen(0, nil)
	assert.Eq(t, errRouterAndRoutesBothSet, err)
}

func TestServerListenAcceptsRouterAlone(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{Router: func(ctx *HttpContext) any { return "ok" }})

	assert.Nil(t, s.Listen(0, nil))
	_, wired := app.anyRoutes["/"]
	assert.True(t, wired)
}

func TestServerListenAcceptsRoutesAlone(t *testing.T) {
	app := newFakeApp()
	s := NewServer(app, ServerConfig{})
	s.Get("/widgets", func(ctx *HttpContext) any { return "ok" })

	assert.Nil(t, s.Listen(0, nil))
}
