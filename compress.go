package swmcore

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/newacorn/brotli"
	"github.com/valyala/bytebufferpool"
)

// ContentEncoding identifies a request body's Content-Encoding, the only
// thing Decompressed inspects. This is not response content negotiation
// (§1 non-goals): it never looks at Accept-Encoding or varies an
// outbound representation, it only undoes an encoding the client already
// chose on the bytes it sent us.
type ContentEncoding int

const (
	EncodingIdentity ContentEncoding = iota
	EncodingGzip
	EncodingDeflate
	EncodingBrotli
	EncodingZstd
)

// ParseContentEncoding maps a Content-Encoding header value to a
// ContentEncoding, defaulting to Identity for anything unrecognized.
func ParseContentEncoding(header string) ContentEncoding {
	switch header {
	case "gzip":
		return EncodingGzip
	case "deflate":
		return EncodingDeflate
	case "br":
		return EncodingBrotli
	case "zstd":
		return EncodingZstd
	default:
		return EncodingIdentity
	}
}

var decompressedBufPool bytebufferpool.Pool

// Decompressed undoes enc on body, refusing to expand past limit bytes —
// a decompression-bomb guard BodyParser's own length checks can't
// provide, since the wire length is the compressed size, not the
// decompressed one.
func Decompressed(body []byte, enc ContentEncoding, limit int) ([]byte, error) {
	if enc == EncodingIdentity {
		return body, nil
	}
	var r io.Reader
	switch enc {
	case EncodingGzip:
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	case EncodingDeflate:
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		r = fr
	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(body))
	case EncodingZstd:
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	default:
		return body, nil
	}

	bb := decompressedBufPool.Get()
	defer decompressedBufPool.Put(bb)
	limited := io.LimitReader(r, int64(limit)+1)
	if _, err := bb.ReadFrom(limited); err != nil {
		return nil, err
	}
	if bb.Len() > limit {
		return nil, errSentinelBodyTooLarge
	}
	out := make([]byte, bb.Len())
	copy(out, bb.B)
	return out, nil
}
