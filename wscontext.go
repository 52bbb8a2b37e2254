package swmcore

import "fmt"

// WsContext is a thin per-connection adapter over a live WsHandle (§4.5).
// It owns no parser or streamer state of its own — all it does is type-
// check outbound payloads and forward to the transport — which is why it
// needs no reset/clear symmetry as elaborate as HttpContext's.
type WsContext struct {
	handle WsHandle
	server *Server
	pool   *ContextPool[*WsContext]

	userData any
	released bool
}

func newWsContext(pool *ContextPool[*WsContext]) *WsContext {
	return &WsContext{pool: pool, released: true}
}

func (w *WsContext) reset(handle WsHandle, server *Server, userData any) {
	w.handle = handle
	w.server = server
	w.userData = userData
	w.released = false
}

// clear implements poolable. Calling any other method on a WsContext
// after clear is a programmer error and panics loudly rather than
// silently touching a recycled handle.
func (w *WsContext) clear() {
	w.handle = nil
	w.server = nil
	w.userData = nil
	w.released = true
}

func (w *WsContext) mustBeLive() {
	if w.released {
		panic("swmcore: use of WsContext after release")
	}
}

func (w *WsContext) UserData() any {
	w.mustBeLive()
	return w.userData
}

// resolveBinary reports the wire frame type for data: binary, if given,
// overrides the default inference of "string is text, anything else is
// binary" (§4.5 "send(data, binary?)"/"publish(topic, msg, binary?)").
func resolveBinary(data any, binary []bool) bool {
	if len(binary) > 0 {
		return binary[0]
	}
	_, isString := data.(string)
	return !isString
}

// Send accepts a string or []byte payload; anything else is a
// programmer error (§4.5). binary, if given, overrides the default
// string-is-text/bytes-is-binary inference.
func (w *WsContext) Send(data any, binary ...bool) bool {
	w.mustBeLive()
	switch v := data.(type) {
	case string:
		return w.handle.Send(s2b(v), resolveBinary(v, binary))
	case []byte:
		return w.handle.Send(v, resolveBinary(v, binary))
	default:
		panic(fmt.Sprintf("swmcore: WsContext.Send: unsupported payload type %T", data))
	}
}

// End closes the connection with the given close code and reason.
func (w *WsContext) End(code int, reason string) {
	w.mustBeLive()
	w.handle.End(code, reason)
}

// Subscribe adds this connection to topic's fan-out set.
func (w *WsContext) Subscribe(topic string) bool {
	w.mustBeLive()
	return w.handle.Subscribe(topic)
}

// Unsubscribe removes this connection from topic's fan-out set.
func (w *WsContext) Unsubscribe(topic string) bool {
	w.mustBeLive()
	return w.handle.Unsubscribe(topic)
}

// Publish fans a message out to every connection subscribed to topic,
// including this one if it is itself subscribed (transport-defined).
// binary, if given, overrides the default string-is-text/bytes-is-binary
// inference, same as Send.
func (w *WsContext) Publish(topic string, data any, binary ...bool) bool {
	w.mustBeLive()
	if w.server == nil || w.server.app == nil {
		return false
	}
	switch v := data.(type) {
	case string:
		return w.server.app.Publish(topic, s2b(v), resolveBinary(v, binary))
	case []byte:
		return w.server.app.Publish(topic, v, resolveBinary(v, binary))
	default:
		panic(fmt.Sprintf("swmcore: WsContext.Publish: unsupported payload type %T", data))
	}
}

// onClose is invoked by the server's OnClose bridge right before the
// context is released back to its pool.
func (w *WsContext) onClose() {
	if w.server != nil {
		w.server.finalizeWS(w)
	}
}
