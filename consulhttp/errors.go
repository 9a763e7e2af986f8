package consulhttp

import "fmt"

// StatusError is returned for any HTTP response whose status code is neither
// 200 nor one of the documented 404s: "not found" for a KV GET, and
// "session already invalidated" for a session renew.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected response code %d: %s", e.StatusCode, e.Body)
}

// ErrInvalidIndex is returned when the backend's blocking-query index header
// is missing or non-positive, a protocol invariant violation (spec §4.B.1).
type ErrInvalidIndex struct {
	Raw string
}

func (e *ErrInvalidIndex) Error() string {
	return fmt.Sprintf("invalid blocking query index header: %q", e.Raw)
}
