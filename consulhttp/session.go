package consulhttp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Session behaviors. Only SessionBehaviorDelete is exercised in production;
// SessionBehaviorRelease is accepted by the backend but never selected here
// (spec §9 Open Question 4).
const (
	SessionBehaviorDelete  = "delete"
	SessionBehaviorRelease = "release"
)

type sessionCreateRequest struct {
	TTL      string
	Behavior string
}

type sessionCreateResponse struct {
	ID string
}

// Session owns a single backend session id and its TTL/behavior (component
// C). It is single-owner: callers must not invoke Renew/Destroy from more
// than one goroutine concurrently.
type Session struct {
	c *Client

	mu       sync.RWMutex
	id       string
	ttl      time.Duration
	behavior string
}

// NewSession returns a Session bound to c's backend. Call Create before Renew
// or Destroy.
func NewSession(c *Client) *Session {
	return &Session{c: c}
}

// Create asks the backend for a new session with the given ttl and behavior,
// retaining the returned id on success.
func (s *Session) Create(ttl time.Duration, behavior string) (string, error) {
	body, err := json.Marshal(sessionCreateRequest{
		TTL:      ttl.String(),
		Behavior: behavior,
	})
	if err != nil {
		return "", fmt.Errorf("consulhttp: encoding session create body: %w", err)
	}

	req := s.c.newRequest("PUT", []string{"session", "create"})
	req.body = newByteReader(body)

	resp, err := s.c.do(req)
	if err != nil {
		return "", err
	}
	if resp.status != 200 {
		return "", &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}

	var out sessionCreateResponse
	if err := json.Unmarshal(resp.body, &out); err != nil {
		return "", fmt.Errorf("consulhttp: decoding session create response: %w", err)
	}

	s.mu.Lock()
	s.id = out.ID
	s.ttl = ttl
	s.behavior = behavior
	s.mu.Unlock()

	return out.ID, nil
}

// ID returns the currently held session id, or "" if none was created.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Renew keeps the session alive. It returns false (no error) when the
// backend reports the session already invalidated (404); any other non-200
// status is a hard error.
func (s *Session) Renew() (bool, error) {
	id := s.ID()
	if id == "" {
		return false, fmt.Errorf("consulhttp: session not created")
	}

	req := s.c.newRequest("PUT", []string{"session", "renew", id})
	resp, err := s.c.do(req)
	if err != nil {
		return false, err
	}
	switch resp.status {
	case 200:
		return true, nil
	case 404:
		return false, nil
	default:
		return false, &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}
}

// Destroy ends the session, releasing (and, for SessionBehaviorDelete,
// deleting) every KV entry it acquired.
func (s *Session) Destroy() (bool, error) {
	id := s.ID()
	if id == "" {
		return false, nil
	}

	req := s.c.newRequest("PUT", []string{"session", "destroy", id})
	resp, err := s.c.do(req)
	if err != nil {
		return false, err
	}
	if resp.status != 200 {
		return false, &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}
	return decodeBool(resp.body)
}
