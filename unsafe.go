package swmcore

import "unsafe"

// s2b and b2s are the classic fasthttp zero-copy conversions: a []byte
// view over a string's backing array, and vice versa. Callers must not
// mutate the result of s2b, and must not retain the result of b2s past
// the lifetime of b. Too small and too load-bearing to pull in a
// dependency for — every repo in this corpus that needs it hand-rolls it
// the same way.
func s2b(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func b2s(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}
