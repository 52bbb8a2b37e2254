package swmcore

import "github.com/pkg/errors"

var errPipeBusy = errors.New("stream: pipe already in progress")

// Header describes what Begin/StartStreaming write: one of the three
// frozen presets plus any caller-supplied extra headers, or a fully
// custom header set (§9 "Preset header identity").
type Header struct {
	Preset HeaderPreset
	Extra  map[string]string
}

// ResponseStreamer writes the response: a one-shot reply or a streamed
// reply with backpressure, plus readable-producer piping (§4.3).
type ResponseStreamer struct {
	ctx  *HttpContext
	resp ResponseWriter

	started bool
	ended   bool

	writableSlot func(offset int)

	producer    ReadableProducer
	paused      bool
	pipeDone    func(error)
	pipeSettled bool
}

func (s *ResponseStreamer) reset(ctx *HttpContext, resp ResponseWriter) {
	s.ctx = ctx
	s.resp = resp
	s.started = false
	s.ended = false
	s.writableSlot = nil
	s.producer = nil
	s.paused = false
	s.pipeDone = nil
	s.pipeSettled = false
}

func (s *ResponseStreamer) clear() {
	s.ctx = nil
	s.resp = nil
	s.started = false
	s.ended = false
	s.writableSlot = nil
	s.producer = nil
	s.paused = false
	s.pipeDone = nil
	s.pipeSettled = false
}

// Begin emits the status line and headers inside the transport's cork
// critical section, and installs the transport's writable callback once.
// Begin may be called again after a previous End/TryEnd(done) — Closed
// transitions back to Open.
func (s *ResponseStreamer) Begin(status int, h Header) {
	if s.ctx.aborted {
		return
	}
	s.resp.Cork(func() {
		s.resp.WriteStatus(StatusLine(status))
		if ct := h.Preset.ContentType(); ct != "" {
			s.resp.WriteHeader("Content-Type", ct)
		}
		for k, v := range h.Extra {
			s.resp.WriteHeader(k, v)
		}
	})
	if !s.started {
		s.resp.OnWritable(s.dispatchWritable)
	}
	s.started = true
	s.ended = false
}

// Write emits a chunk; returns true if fully queued, false on
// backpressure. A no-op (returns false) once aborted or ended.
func (s *ResponseStreamer) Write(chunk []byte) bool {
	if s.ctx.aborted || s.ended {
		return false
	}
	return s.resp.Write(chunk)
}

// TryEnd emits a final chunk with a declared total response size. On
// done, the streamer marks itself ended and finalizes the context.
func (s *ResponseStreamer) TryEnd(chunk []byte, totalSize int) (ok, done bool) {
	if s.ctx.aborted || s.ended {
		return false, false
	}
	ok, done = s.resp.TryEnd(chunk, totalSize)
	if done {
		s.finish()
	}
	return
}

// End closes the response unconditionally. A no-op once aborted or
// already ended.
func (s *ResponseStreamer) End(chunk []byte) {
	if s.ctx.aborted || s.ended {
		return
	}
	s.resp.End(chunk)
	s.finish()
}

func (s *ResponseStreamer) finish() {
	s.ended = true
	s.ctx.streaming = false
	s.ctx.replied = true
	s.ctx.finalize()
}

// OnWritable arms a single callback invoked with the current write
// offset the next time the socket is writable again. Arming is
// single-shot: once the transport fires it, the slot clears and the
// transport hook keeps reporting "not handled" so it stays installed for
// a future arming.
func (s *ResponseStreamer) OnWritable(cb func(offset int)) {
	s.writableSlot = cb
}

func (s *ResponseStreamer) dispatchWritable(offset int) bool {
	cb := s.writableSlot
	if cb == nil {
		return false
	}
	s.writableSlot = nil
	cb(offset)
	return false
}

// GetWriteOffset returns the current write offset from the transport.
func (s *ResponseStreamer) GetWriteOffset() int {
	return s.resp.GetWriteOffset()
}

// Stream pipes producer into the response (§4.3's "pipe algorithm").
// done is called exactly once, with the pipe's terminal error (nil on a
// clean end, on abort, or on close).
func (s *ResponseStreamer) Stream(producer ReadableProducer, status int, h Header, done func(error)) {
	if s.producer != nil {
		done(errPipeBusy)
		return
	}
	s.Begin(status, h)
	s.producer = producer
	s.paused = false
	s.pipeDone = done
	s.pipeSettled = false

	producer.OnData(func(chunk []byte) {
		if s.pipeSettled {
			return
		}
		if s.ctx.aborted {
			producer.Destroy()
			s.settlePipe(nil)
			return
		}
		if ok := s.Write(chunk); !ok && !s.paused {
			s.paused = true
			producer.Pause()
			s.OnWritable(func(int) {
				s.paused = false
				producer.Resume()
			})
		}
	})
	producer.OnEnd(func() {
		if s.pipeSettled {
			return
		}
		if !s.ctx.aborted {
			s.End(nil)
		}
		s.settlePipe(nil)
	})
	producer.OnError(func(err error) {
		if s.pipeSettled {
			return
		}
		if !s.ctx.aborted {
			s.End(nil)
		} else {
			// End is skipped once aborted, so finish() never runs; mark
			// ended directly rather than leaving the streamer mid-flight.
			s.ended = true
		}
		s.settlePipe(err)
	})
	producer.OnClose(func() {
		s.settlePipe(nil)
	})
}

func (s *ResponseStreamer) settlePipe(err error) {
	if s.pipeSettled {
		return
	}
	s.pipeSettled = true
	s.producer = nil
	cb := s.pipeDone
	s.pipeDone = nil
	if cb != nil {
		cb(err)
	}
}

// onAbort is invoked by HttpContext.onAbort: destroys any in-flight
// producer without attempting further writes.
func (s *ResponseStreamer) onAbort() {
	if s.producer != nil {
		s.producer.Destroy()
		s.settlePipe(nil)
	}
}
