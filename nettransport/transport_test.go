package nettransport

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	core "github.com/SwarmMachina/swm-core"
	"github.com/gookit/goutil/testutil/assert"
	"github.com/xyproto/randomstring"
	"golang.org/x/net/websocket"
)

func TestAppOnGetServesThroughMux(t *testing.T) {
	app := New()
	app.OnGet("/widgets/{id}", func(resp core.ResponseWriter, req core.RequestReader) {
		resp.Cork(func() {
			resp.WriteStatus(core.StatusLine(core.StatusOK))
			resp.WriteHeader("Content-Type", "text/plain; charset=utf-8")
		})
		resp.TryEnd([]byte("widget "+req.GetParameter("id")), 0)
	})

	srv := httptest.NewServer(app.mux)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/widgets/42")
	assert.Nil(t, err)
	defer res.Body.Close()
	assert.Eq(t, 200, res.StatusCode)

	buf := make([]byte, 64)
	n, _ := res.Body.Read(buf)
	assert.Eq(t, "widget 42", string(buf[:n]))
}

func TestAppOnGetAbortedCallbackFiresOnClientDisconnect(t *testing.T) {
	app := New()
	aborted := make(chan struct{})
	started := make(chan struct{})
	app.OnGet("/slow", func(resp core.ResponseWriter, req core.RequestReader) {
		resp.OnAborted(func() { close(aborted) })
		close(started)
		time.Sleep(200 * time.Millisecond)
	})

	srv := httptest.NewServer(app.mux)
	defer srv.Close()

	client := &http.Client{Timeout: 20 * time.Millisecond}
	_, _ = client.Get(srv.URL + "/slow")
	<-started

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("OnAborted callback never fired after the client gave up")
	}
}

func TestAppPublishFansOutToSubscribers(t *testing.T) {
	app := New()
	app.Ws("/chat", core.WsRouteConfig{
		OnOpen: func(h core.WsHandle) {
			h.Subscribe("room-1")
		},
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	srv := &http.Server{Handler: app.mux}
	go srv.Serve(ln)
	defer srv.Close()

	wsURL := fmt.Sprintf("ws://%s/chat", ln.Addr().String())
	origin := fmt.Sprintf("http://%s/", ln.Addr().String())
	conn, err := websocket.Dial(wsURL, "", origin)
	assert.Nil(t, err)
	defer conn.Close()

	time.Sleep(50 * time.Millisecond)
	assert.Eq(t, 1, app.NumSubscribers("room-1"))

	payload := randomstring.HumanFriendlyString(8)
	ok := app.Publish("room-1", []byte(payload), false)
	assert.True(t, ok)

	var got string
	conn.SetReadDeadline(time.Now().Add(time.Second))
	err = websocket.Message.Receive(conn, &got)
	assert.Nil(t, err)
	assert.Eq(t, payload, got)
}
