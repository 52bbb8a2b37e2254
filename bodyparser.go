package swmcore

import (
	"encoding/json"

	bpool "github.com/newacorn/simple-bytes-pool"
)

const minUnknownBodyCap = 4 * 1024 // 4 KiB, §4.2 Unknown-mode starting capacity

type bodyMode int

const (
	bodyModeIdle bodyMode = iota
	bodyModeKnown
	bodyModeUnknown
)

// BodyParser ingests raw chunks from the transport into a single
// contiguous buffer under a bounded size, in one of two modes depending
// on whether Content-Length was present (§4.2).
type BodyParser struct {
	ctx *HttpContext

	mode  bodyMode
	limit int

	// Known mode.
	known    []byte
	knownLen int
	expected int

	// Unknown mode.
	grow    []byte
	growLen int
	growCap int
	pooled  bool // grow came from bpool and must be returned to it

	started  bool
	resolved bool
	result   []byte
	resErr   error
	pending  []func([]byte, error)
}

// Reset prepares the parser to ingest a new request body. Any previous
// terminal state is cleared.
func (bp *BodyParser) Reset(ctx *HttpContext, maxBytes int) {
	bp.ctx = ctx
	bp.limit = maxBytes
	bp.mode = bodyModeIdle
	bp.known = nil
	bp.knownLen = 0
	bp.expected = 0
	bp.releaseGrowBuf()
	bp.started = false
	bp.resolved = false
	bp.result = nil
	bp.resErr = nil
	bp.pending = bp.pending[:0]
}

func (bp *BodyParser) releaseGrowBuf() {
	if bp.pooled && bp.grow != nil {
		bpool.Put(&bpool.Bytes{B: bp.grow})
	}
	bp.grow = nil
	bp.growLen = 0
	bp.growCap = 0
	bp.pooled = false
}

// Body is memoized: the first call attaches a data sink to the transport
// response; later calls (including re-entrant ones made while the first
// is still pending) observe the same outcome.
func (bp *BodyParser) Body(cb func([]byte, error)) {
	if bp.resolved {
		cb(bp.result, bp.resErr)
		return
	}
	bp.pending = append(bp.pending, cb)
	if bp.started {
		return
	}
	bp.started = true
	bp.beginIngest()
}

// Text decodes the body as UTF-8; an empty body yields an empty string.
func (bp *BodyParser) Text(cb func(string, error)) {
	bp.Body(func(b []byte, err error) {
		if err != nil {
			cb("", err)
			return
		}
		cb(string(b), nil)
	})
}

// JSON parses the body as JSON; an empty body yields a nil value, a
// parse failure yields ErrInvalidJSON.
func (bp *BodyParser) JSON(cb func(any, error)) {
	bp.Body(func(b []byte, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if len(b) == 0 {
			cb(nil, nil)
			return
		}
		var v any
		if jsonErr := json.Unmarshal(b, &v); jsonErr != nil {
			cb(nil, errSentinelInvalidJSON)
			return
		}
		cb(v, nil)
	})
}

// Abort transitions a non-terminal parser to Aborted and rejects any
// pending completion. No-op if already terminal.
func (bp *BodyParser) Abort() {
	if bp.resolved {
		return
	}
	bp.complete(nil, errSentinelAborted)
}

// Clear releases the owning context reference; the parser becomes
// unusable until the next Reset.
func (bp *BodyParser) Clear() {
	bp.ctx = nil
	bp.releaseGrowBuf()
	bp.known = nil
	bp.pending = nil
}

func (bp *BodyParser) beginIngest() {
	if bp.ctx.aborted {
		bp.complete(nil, errSentinelAborted)
		return
	}
	cl := bp.ctx.ContentLength()
	if cl >= 0 && int(cl) > bp.limit {
		bp.complete(nil, errSentinelBodyTooLarge)
		return
	}
	if cl == 0 {
		bp.ctx.response.OnData(func(chunk []byte, isLast bool) {})
		bp.complete([]byte{}, nil)
		return
	}
	if cl > 0 {
		bp.mode = bodyModeKnown
		bp.expected = int(cl)
		bp.known = make([]byte, bp.expected)
		bp.ctx.response.OnData(bp.onKnownData)
		return
	}
	bp.mode = bodyModeUnknown
	bp.growCap = minUnknownBodyCap
	if bp.growCap > bp.limit {
		bp.growCap = bp.limit
	}
	bp.grow = bpool.Get(bp.growCap).B[:bp.growCap]
	bp.pooled = true
	bp.ctx.response.OnData(bp.onUnknownData)
}

func (bp *BodyParser) onKnownData(chunk []byte, isLast bool) {
	if bp.resolved {
		return
	}
	if bp.ctx.aborted {
		bp.complete(nil, errSentinelAborted)
		return
	}
	if bp.knownLen+len(chunk) > bp.expected {
		bp.complete(nil, errSentinelSizeMismatch)
		return
	}
	copy(bp.known[bp.knownLen:], chunk)
	bp.knownLen += len(chunk)
	if isLast {
		if bp.knownLen != bp.expected {
			bp.complete(nil, errSentinelSizeMismatch)
			return
		}
		bp.complete(bp.known, nil)
	}
}

func (bp *BodyParser) onUnknownData(chunk []byte, isLast bool) {
	if bp.resolved {
		return
	}
	if bp.ctx.aborted {
		bp.complete(nil, errSentinelAborted)
		return
	}
	if bp.growLen+len(chunk) > bp.limit {
		bp.complete(nil, errSentinelBodyTooLarge)
		return
	}
	bp.ensureGrowCapacity(bp.growLen + len(chunk))
	copy(bp.grow[bp.growLen:], chunk)
	bp.growLen += len(chunk)
	if isLast {
		out := bp.grow[:bp.growLen]
		if bp.growCap > 2*bp.growLen {
			// tail-compact: don't retain a large backing buffer for a
			// short body.
			tight := make([]byte, bp.growLen)
			copy(tight, out)
			bp.releaseGrowBuf()
			bp.complete(tight, nil)
			return
		}
		result := make([]byte, bp.growLen)
		copy(result, out)
		bp.releaseGrowBuf()
		bp.complete(result, nil)
	}
}

func (bp *BodyParser) ensureGrowCapacity(need int) {
	if need <= bp.growCap {
		return
	}
	newCap := bp.growCap
	if newCap == 0 {
		newCap = minUnknownBodyCap
	}
	for newCap < need {
		newCap *= 2
	}
	if newCap > bp.limit {
		newCap = bp.limit
	}
	next := bpool.Get(newCap).B[:newCap]
	copy(next, bp.grow[:bp.growLen])
	bp.releaseGrowBuf()
	bp.grow = next
	bp.growCap = newCap
	bp.pooled = true
}

func (bp *BodyParser) complete(result []byte, err error) {
	if bp.resolved {
		return
	}
	bp.resolved = true
	bp.result = result
	bp.resErr = err
	pending := bp.pending
	bp.pending = nil
	for _, cb := range pending {
		cb(result, err)
	}
}
