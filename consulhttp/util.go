package consulhttp

import "bytes"

// newByteReader wraps value as an io.Reader suitable for a request body,
// treating a nil/empty value as an empty body rather than a nil Reader so
// Content-Length is set correctly.
func newByteReader(value []byte) *bytes.Reader {
	return bytes.NewReader(value)
}
