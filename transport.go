package swmcore

// ResponseWriter is the per-response half of the transport contract (§6).
// The event loop / socket multiplexer that implements it is an external
// collaborator: this package never parses bytes off the wire itself, it
// only drives this interface.
type ResponseWriter interface {
	// OnData registers the sink for inbound body chunks. cb receives the
	// chunk and whether it is the final one for this request.
	OnData(cb func(chunk []byte, isLast bool))
	// OnAborted registers the callback invoked at most once if the peer
	// disconnects before the response completes.
	OnAborted(cb func())
	// OnWritable arms a one-shot callback invoked with the current write
	// offset once the send buffer has drained enough to accept more
	// data after a partial Write. The callback returns whether it fully
	// handled the writable event (transport-specific retry semantics);
	// returning false keeps the hook installed for a future arming.
	OnWritable(cb func(offset int) bool)

	// Cork batches every write performed inside fn into a single
	// syscall-sized flush.
	Cork(fn func())

	WriteStatus(statusLine string)
	WriteHeader(name, value string)
	// Write queues a body chunk. ok reports whether it was fully queued;
	// false means the socket applied backpressure.
	Write(chunk []byte) (ok bool)
	// TryEnd emits a final chunk declaring the total response size.
	// done reports whether the response is now fully flushed.
	TryEnd(chunk []byte, totalSize int) (ok, done bool)
	// End closes the response unconditionally, optionally emitting a
	// last chunk first.
	End(chunk []byte)

	GetWriteOffset() int
	GetRemoteAddressAsText() string
	GetProxiedRemoteAddressAsText() string

	// Upgrade switches this response to a WebSocket, handing userData
	// through to the resulting WsHandle.
	Upgrade(userData any, key, protocol, extensions string) WsHandle
}

// RequestReader is the per-request half of the transport contract.
type RequestReader interface {
	GetMethod() string
	GetUrl() string
	GetHeader(name string) string
	GetQuery(name string) string
	GetParameter(indexOrName any) string
}

// WsHandle is the live WebSocket handle handed back by Upgrade and by the
// transport's ws-open callback.
type WsHandle interface {
	GetUserData() any
	Send(data []byte, binary bool) bool
	End(code int, reason string)
	Subscribe(topic string) bool
	Unsubscribe(topic string) bool
}

// UpgradeMeta is what the server hands to the user's onUpgrade hook: a
// read-only view of the pending request plus a live abort flag.
type UpgradeMeta struct {
	Url           string
	Ip            string
	GetHeader     func(name string) string
	GetQuery      func(name string) string
	GetParameter  func(indexOrName any) string
	AbortedLoader func() bool
}

// App is the listening socket / publish fan-out side of the transport.
type App interface {
	Listen(port int, cb func(listenSocket any)) error
	Close() error
	Publish(topic string, msg []byte, binary bool) bool
	NumSubscribers(topic string) int

	OnGet(path string, h func(ResponseWriter, RequestReader))
	OnPost(path string, h func(ResponseWriter, RequestReader))
	OnPut(path string, h func(ResponseWriter, RequestReader))
	OnDelete(path string, h func(ResponseWriter, RequestReader))
	OnPatch(path string, h func(ResponseWriter, RequestReader))
	OnOptions(path string, h func(ResponseWriter, RequestReader))
	OnHead(path string, h func(ResponseWriter, RequestReader))
	OnAny(path string, h func(ResponseWriter, RequestReader))

	Ws(path string, cfg WsRouteConfig)
}

// WsRouteConfig mirrors §4.7's WS handler bundle.
type WsRouteConfig struct {
	IdleTimeoutSec int
	OnUpgrade      func(meta *UpgradeMeta) (isAllowed bool, userData any)
	OnOpen         func(ws WsHandle)
	OnMessage      func(ws WsHandle, data []byte, binary bool)
	OnClose        func(ws WsHandle, code int, reason string)
	OnDrain        func(ws WsHandle)
	OnSubscription func(ws WsHandle, topic string, newCount, oldCount int)
	OnError        func(ws WsHandle, err error)
}

// ReadableProducer is the push-style producer-stream contract consumed by
// ResponseStreamer.Stream (§4.3's "pipe"): an event source that emits
// chunks asynchronously, not a blocking io.Reader. Exactly one of
// OnData/OnEnd/OnError/OnClose fires per event; the streamer installs all
// four before the producer is allowed to emit anything.
type ReadableProducer interface {
	OnData(cb func(chunk []byte))
	OnEnd(cb func())
	OnError(cb func(err error))
	OnClose(cb func())
	// Pause/Resume implement the backpressure handshake: Pause is
	// called from inside the data handler that observed a partial
	// Write, Resume from the armed writable callback.
	Pause()
	Resume()
	// Destroy tears the producer down without waiting for EOF (used on
	// abort).
	Destroy()
}
