package swmcore

import "sync"

// fakeResponseWriter is a minimal, synchronous ResponseWriter stand-in
// used to unit-test HttpContext/ResponseStreamer without a real
// transport, in the same spirit as the teacher's in-process RequestCtx
// tests.
type fakeResponseWriter struct {
	mu sync.Mutex

	statusLine string
	headers    map[string]string
	written    []byte
	ended      bool

	dataCb    func(chunk []byte, isLast bool)
	abortedCb func()
	writable  func(offset int) bool

	writeOffset int
	remoteAddr  string
	proxiedAddr string

	failNextWrite bool
	upgraded      WsHandle
}

func newFakeResponseWriter() *fakeResponseWriter {
	return &fakeResponseWriter{headers: make(map[string]string)}
}

func (f *fakeResponseWriter) OnData(cb func(chunk []byte, isLast bool)) { f.dataCb = cb }
func (f *fakeResponseWriter) OnAborted(cb func())                      { f.abortedCb = cb }
func (f *fakeResponseWriter) OnWritable(cb func(offset int) bool)      { f.writable = cb }

func (f *fakeResponseWriter) Cork(fn func()) { fn() }

func (f *fakeResponseWriter) WriteStatus(statusLine string) { f.statusLine = statusLine }
func (f *fakeResponseWriter) WriteHeader(name, value string) {
	f.headers[name] = value
}

func (f *fakeResponseWriter) Write(chunk []byte) bool {
	if f.failNextWrite {
		f.failNextWrite = false
		return false
	}
	f.written = append(f.written, chunk...)
	f.writeOffset += len(chunk)
	return true
}

func (f *fakeResponseWriter) TryEnd(chunk []byte, totalSize int) (ok, done bool) {
	ok = f.Write(chunk)
	f.ended = true
	return ok, true
}

func (f *fakeResponseWriter) End(chunk []byte) {
	f.Write(chunk)
	f.ended = true
}

func (f *fakeResponseWriter) GetWriteOffset() int                   { return f.writeOffset }
func (f *fakeResponseWriter) GetRemoteAddressAsText() string        { return f.remoteAddr }
func (f *fakeResponseWriter) GetProxiedRemoteAddressAsText() string { return f.proxiedAddr }

func (f *fakeResponseWriter) Upgrade(userData any, key, protocol, extensions string) WsHandle {
	return f.upgraded
}

// fakeRequestReader is a map-backed RequestReader stand-in.
type fakeRequestReader struct {
	method  string
	url     string
	headers map[string]string
	query   map[string]string
	params  map[string]string
}

func newFakeRequestReader(method, url string) *fakeRequestReader {
	return &fakeRequestReader{
		method:  method,
		url:     url,
		headers: make(map[string]string),
		query:   make(map[string]string),
		params:  make(map[string]string),
	}
}

func (r *fakeRequestReader) GetMethod() string            { return r.method }
func (r *fakeRequestReader) GetUrl() string                { return r.url }
func (r *fakeRequestReader) GetHeader(name string) string  { return r.headers[name] }
func (r *fakeRequestReader) GetQuery(name string) string   { return r.query[name] }
func (r *fakeRequestReader) GetParameter(indexOrName any) string {
	if s, ok := indexOrName.(string); ok {
		return r.params[s]
	}
	return ""
}

// fakeWsHandle is an in-memory WsHandle recording outbound frames and
// subscriptions, for WsContext tests.
type fakeWsHandle struct {
	userData any
	sent     [][]byte
	binary   []bool
	ended    bool
	endCode  int
	endMsg   string
	topics   map[string]bool
}

func newFakeWsHandle(userData any) *fakeWsHandle {
	return &fakeWsHandle{userData: userData, topics: make(map[string]bool)}
}

func (h *fakeWsHandle) GetUserData() any { return h.userData }
func (h *fakeWsHandle) Send(data []byte, binary bool) bool {
	h.sent = append(h.sent, data)
	h.binary = append(h.binary, binary)
	return true
}
func (h *fakeWsHandle) End(code int, reason string) {
	h.ended = true
	h.endCode = code
	h.endMsg = reason
}
func (h *fakeWsHandle) Subscribe(topic string) bool {
	h.topics[topic] = true
	return true
}
func (h *fakeWsHandle) Unsubscribe(topic string) bool {
	existed := h.topics[topic]
	delete(h.topics, topic)
	return existed
}

// fakeApp is a minimal App for Server tests: it records registered
// routes/ws configs instead of actually listening on a socket.
type fakeApp struct {
	getRoutes       map[string]func(ResponseWriter, RequestReader)
	anyRoutes       map[string]func(ResponseWriter, RequestReader)
	wsRoutes        map[string]WsRouteConfig
	published       []string
	publishedBinary []bool
	closed          bool
}

func newFakeApp() *fakeApp {
	return &fakeApp{
		getRoutes: make(map[string]func(ResponseWriter, RequestReader)),
		anyRoutes: make(map[string]func(ResponseWriter, RequestReader)),
		wsRoutes:  make(map[string]WsRouteConfig),
	}
}

func (a *fakeApp) Listen(port int, cb func(listenSocket any)) error {
	if cb != nil {
		cb(struct{}{})
	}
	return nil
}
func (a *fakeApp) Close() error { a.closed = true; return nil }
func (a *fakeApp) Publish(topic string, msg []byte, binary bool) bool {
	a.published = append(a.published, topic)
	a.publishedBinary = append(a.publishedBinary, binary)
	return true
}
func (a *fakeApp) NumSubscribers(topic string) int { return 0 }

func (a *fakeApp) OnGet(path string, h func(ResponseWriter, RequestReader)) { a.getRoutes[path] = h }
func (a *fakeApp) OnPost(path string, h func(ResponseWriter, RequestReader))    {}
func (a *fakeApp) OnPut(path string, h func(ResponseWriter, RequestReader))     {}
func (a *fakeApp) OnDelete(path string, h func(ResponseWriter, RequestReader))  {}
func (a *fakeApp) OnPatch(path string, h func(ResponseWriter, RequestReader))   {}
func (a *fakeApp) OnOptions(path string, h func(ResponseWriter, RequestReader)) {}
func (a *fakeApp) OnHead(path string, h func(ResponseWriter, RequestReader))    {}
func (a *fakeApp) OnAny(path string, h func(ResponseWriter, RequestReader)) { a.anyRoutes[path] = h }

func (a *fakeApp) Ws(path string, cfg WsRouteConfig) { a.wsRoutes[path] = cfg }
