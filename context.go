package swmcore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// HttpContext is the central per-request entity (§4.4): it owns a
// BodyParser and a ResponseStreamer, exposes the handler-facing API, and
// drives the request state machine described in §4.4's state diagram.
type HttpContext struct {
	response ResponseWriter
	request  RequestReader
	server   *Server
	pool     *ContextPool[*HttpContext]

	ip            string
	ipCached      bool
	method        string
	methodCached  bool
	url           string
	urlCached     bool
	contentLength int64
	clCached      bool

	statusOverride int

	replied   bool
	streaming bool
	started   bool
	aborted   bool
	done      bool

	extraHeaders map[string]string

	body   BodyParser
	stream ResponseStreamer
}

func newHttpContext(pool *ContextPool[*HttpContext]) *HttpContext {
	return &HttpContext{pool: pool, done: true}
}

// reset rebinds the context to a fresh request/response pair and clears
// all state (§4.4 Lifecycle).
func (c *HttpContext) reset(resp ResponseWriter, req RequestReader, server *Server, maxBodyBytes int) {
	c.response = resp
	c.request = req
	c.server = server

	c.ipCached, c.methodCached, c.urlCached, c.clCached = false, false, false, false
	c.ip, c.method, c.url = "", "", ""
	c.contentLength = 0
	c.statusOverride = 0
	c.replied, c.streaming, c.started, c.aborted, c.done = false, false, false, false, false
	c.extraHeaders = nil

	c.body.Reset(c, maxBodyBytes)
	c.stream.reset(c, resp)
}

// clear implements poolable: it nulls every handle so a stray reference
// kept by a caller can't touch a recycled context's live state.
func (c *HttpContext) clear() {
	c.response = nil
	c.request = nil
	c.server = nil
	c.ipCached, c.methodCached, c.urlCached, c.clCached = false, false, false, false
	c.ip, c.method, c.url = "", "", ""
	c.contentLength = 0
	c.statusOverride = 0
	c.replied, c.streaming, c.started, c.aborted = false, false, false, false
	c.done = true
	c.extraHeaders = nil
	c.body.Clear()
	c.stream.clear()
}

// --- Identity ---

func (c *HttpContext) Ip() string {
	if !c.ipCached {
		ip := c.response.GetProxiedRemoteAddressAsText()
		if ip == "" {
			ip = c.response.GetRemoteAddressAsText()
		}
		c.ip = ip
		c.ipCached = true
	}
	return c.ip
}

func (c *HttpContext) Method() string {
	if !c.methodCached {
		c.method = strings.ToLower(c.request.GetMethod())
		c.methodCached = true
	}
	return c.method
}

func (c *HttpContext) Url() string {
	if !c.urlCached {
		c.url = c.request.GetUrl()
		c.urlCached = true
	}
	return c.url
}

func (c *HttpContext) Header(name string) string { return c.request.GetHeader(name) }
func (c *HttpContext) Query(name string) string  { return c.request.GetQuery(name) }
func (c *HttpContext) Param(indexOrName any) string {
	return c.request.GetParameter(indexOrName)
}

// ContentLength is parsed lazily and cached as -1 (unknown) or a
// non-negative integer (§3).
func (c *HttpContext) ContentLength() int64 {
	if !c.clCached {
		c.contentLength = parseContentLength(c.request.GetHeader("Content-Length"))
		c.clCached = true
	}
	return c.contentLength
}

func parseContentLength(raw string) int64 {
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// --- Status & headers ---

// Status overrides the next reply's numeric status.
func (c *HttpContext) Status(code int) *HttpContext {
	c.statusOverride = code
	return c
}

func (c *HttpContext) resolvedStatus(fallback int) int {
	if c.statusOverride != 0 {
		return c.statusOverride
	}
	if fallback != 0 {
		return fallback
	}
	return StatusInternalServerError
}

// GetStatus returns the canonical status line, using the override if set
// else fallback, else 500.
func (c *HttpContext) GetStatus(fallback int) string {
	return StatusLine(c.resolvedStatus(fallback))
}

// SetHeader stages a header to be written with the next reply or
// startStreaming. It is a no-op once the response has started.
func (c *HttpContext) SetHeader(name, value string) {
	if c.replied || c.streaming {
		return
	}
	if c.extraHeaders == nil {
		c.extraHeaders = make(map[string]string)
	}
	c.extraHeaders[name] = value
}

// SetHeaders accepts one of the three frozen presets plus any extra
// headers, staging both: a non-Custom preset is staged as its
// Content-Type header.
func (c *HttpContext) SetHeaders(h Header) {
	if ct := h.Preset.ContentType(); ct != "" {
		c.SetHeader("Content-Type", ct)
	}
	for k, v := range h.Extra {
		c.SetHeader(k, v)
	}
}

func (c *HttpContext) mergedHeader(h Header) Header {
	if len(c.extraHeaders) == 0 {
		return h
	}
	merged := make(map[string]string, len(c.extraHeaders)+len(h.Extra))
	for k, v := range c.extraHeaders {
		merged[k] = v
	}
	for k, v := range h.Extra {
		merged[k] = v
	}
	return Header{Preset: h.Preset, Extra: merged}
}

// --- Body ---

func (c *HttpContext) Body(cb func([]byte, error))   { c.body.Body(cb) }
func (c *HttpContext) Buffer(cb func([]byte, error)) { c.body.Body(cb) }
func (c *HttpContext) Text(cb func(string, error))   { c.body.Text(cb) }
func (c *HttpContext) JSON(cb func(any, error))       { c.body.JSON(cb) }

// --- One-shot reply ---

// Reply emits status, headers and an optional body in one shot.
func (c *HttpContext) Reply(status int, h Header, body []byte) {
	if c.aborted || c.replied {
		return
	}
	c.replied = true
	c.stream.Begin(c.resolvedStatus(status), c.mergedHeader(h))
	c.stream.TryEnd(body, len(body))
}

func marshalJSONSafe(v any) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic marshaling JSON: %v", r)
		}
	}()
	return json.Marshal(v)
}

// Send dispatches by value shape (§4.4): nil -> 204 text/plain empty
// body; string -> text/plain; []byte -> octet-stream; any other scalar
// -> text/plain string-coerce; anything else -> JSON. A JSON marshal
// failure (including a panicking custom MarshalJSON, §9 Open Questions)
// falls back to SendError.
func (c *HttpContext) Send(value any) {
	if value == nil {
		c.Reply(c.resolvedStatus(StatusNoContent), Header{Preset: PresetTextPlain}, nil)
		return
	}
	switch v := value.(type) {
	case string:
		c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetTextPlain}, s2b(v))
		return
	case []byte:
		c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetOctetStream}, v)
		return
	}
	if isScalarKind(reflect.ValueOf(value).Kind()) {
		c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetTextPlain}, s2b(fmt.Sprint(value)))
		return
	}
	data, err := marshalJSONSafe(value)
	if err != nil {
		c.SendError(err)
		return
	}
	c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetJSON}, data)
}

func isScalarKind(k reflect.Kind) bool {
	switch k {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	default:
		return false
	}
}

func (c *HttpContext) SendJSON(v any) {
	data, err := marshalJSONSafe(v)
	if err != nil {
		c.SendError(err)
		return
	}
	c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetJSON}, data)
}

func (c *HttpContext) SendText(s string) {
	c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetTextPlain}, s2b(s))
}

func (c *HttpContext) SendBuffer(b []byte) {
	c.Reply(c.resolvedStatus(StatusOK), Header{Preset: PresetOctetStream}, b)
}

// SendError writes the user-visible failure body for err (§7): an error
// carrying a valid integer status produces "<status> <canonical-text>"
// with its message as the body; anything else collapses to 500.
func (c *HttpContext) SendError(err error) {
	status, msg := statusAndMessage(err)
	c.Reply(status, Header{Preset: PresetTextPlain}, s2b(msg))
}

// --- Streaming ---

func (c *HttpContext) StartStreaming(status int, h Header) {
	if c.aborted || c.replied {
		return
	}
	c.stream.Begin(c.resolvedStatus(status), c.mergedHeader(h))
	c.streaming = true
	c.replied = true
	c.started = true
}

func (c *HttpContext) Write(chunk []byte) bool { return c.stream.Write(chunk) }

func (c *HttpContext) TryEnd(chunk []byte, totalSize int) (ok, done bool) {
	return c.stream.TryEnd(chunk, totalSize)
}

func (c *HttpContext) End(chunk []byte) { c.stream.End(chunk) }

func (c *HttpContext) OnWritable(cb func(offset int)) { c.stream.OnWritable(cb) }

func (c *HttpContext) GetWriteOffset() int { return c.stream.GetWriteOffset() }

// Stream pipes producer into the response.
func (c *HttpContext) Stream(producer ReadableProducer, status int, h Header, done func(error)) {
	if c.aborted || c.replied {
		done(errSentinelAborted)
		return
	}
	c.streaming = true
	c.replied = true
	c.started = true
	c.stream.Stream(producer, c.resolvedStatus(status), c.mergedHeader(h), done)
}

// --- Lifecycle hooks ---

// onAbort is invoked by the transport when the client/connection
// aborts (§4.4).
func (c *HttpContext) onAbort() {
	if c.aborted {
		return
	}
	c.aborted = true
	c.stream.writableSlot = nil
	c.body.Abort()
	c.stream.onAbort()
	c.finalize()
}

// finalize is idempotent: it tells the server to release this context.
func (c *HttpContext) finalize() {
	if c.done {
		return
	}
	c.done = true
	if c.server != nil {
		c.server.finalizeHTTP(c)
	}
}

func toError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.Errorf("%v", r)
}

func (c *HttpContext) safeSend(value any) {
	defer func() {
		if r := recover(); r != nil {
			err := toError(r)
			// Report before SendError: a completed reply finalizes and
			// clears the context, dropping its server and request.
			if c.server != nil {
				c.server.reportHandlerError(c, err)
			}
			c.SendError(err)
		}
	}()
	c.Send(value)
}

// onResolve is the handler's deferred-completion path: if the context is
// not done/aborted/replied, it sends value; a send failure falls back to
// sendError and forwards to the server's error hook.
func (c *HttpContext) onResolve(value any) {
	if c.done || c.aborted || c.replied {
		return
	}
	c.safeSend(value)
	if !c.streaming {
		c.finalize()
	}
}

// onReject is onResolve's symmetric error path.
func (c *HttpContext) onReject(err error) {
	if c.done || c.aborted {
		return
	}
	// Report before SendError: a completed reply finalizes and clears the
	// context, dropping its server and request.
	if c.server != nil {
		c.server.reportHandlerError(c, err)
	}
	c.SendError(err)
	if !c.streaming {
		c.finalize()
	}
}
