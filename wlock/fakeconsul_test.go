package wlock

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sotheh/tarantool-autovshard/consulhttp"
)

// fakeConsul is a minimal in-memory stand-in for the subset of the Consul
// HTTP API exercised by wlock's end-to-end tests (spec §8): kv put/get/
// delete with CAS and session-acquire, blocking queries, and session create/
// renew/destroy with delete-on-expiry behavior.
type fakeConsul struct {
	mu      sync.Mutex
	index   uint64
	entries map[string]*fakeEntry
	sessions map[string]*fakeSession

	waiters []chan struct{}

	srv *httptest.Server
}

type fakeEntry struct {
	value       []byte
	createIndex uint64
	modifyIndex uint64
	session     string
}

type fakeSession struct {
	id       string
	ttl      time.Duration
	behavior string
	expired  bool
}

func newFakeConsul() *fakeConsul {
	f := &fakeConsul{
		index:    1,
		entries:  make(map[string]*fakeEntry),
		sessions: make(map[string]*fakeSession),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *fakeConsul) Close() { f.srv.Close() }

func (f *fakeConsul) client() *consulhttp.KV {
	c, err := consulhttp.NewClient(&consulhttp.Config{Address: f.srv.URL})
	if err != nil {
		panic(err)
	}
	return c.KV()
}

// expireSession simulates TTL expiry or operator-forced invalidation: renew
// starts 404ing and, per session behavior, associated entries are released
// or deleted immediately, exactly as the real backend would on expiry.
func (f *fakeConsul) expireSession(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok || sess.expired {
		return
	}
	f.expireSessionLocked(sess)
}

func (f *fakeConsul) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/v1/kv/"):
		f.handleKV(w, r)
	case r.URL.Path == "/v1/session/create":
		f.handleSessionCreate(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/session/renew/"):
		f.handleSessionRenew(w, r, strings.TrimPrefix(r.URL.Path, "/v1/session/renew/"))
	case strings.HasPrefix(r.URL.Path, "/v1/session/destroy/"):
		f.handleSessionDestroy(w, r, strings.TrimPrefix(r.URL.Path, "/v1/session/destroy/"))
	default:
		w.WriteHeader(404)
	}
}

func (f *fakeConsul) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTL      string
		Behavior string
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	id := uuid.NewString()
	ttl, _ := time.ParseDuration(body.TTL)

	f.mu.Lock()
	f.sessions[id] = &fakeSession{id: id, ttl: ttl, behavior: body.Behavior}
	f.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{"ID": id})
}

func (f *fakeConsul) handleSessionRenew(w http.ResponseWriter, r *http.Request, id string) {
	f.mu.Lock()
	sess, ok := f.sessions[id]
	expired := ok && sess.expired
	f.mu.Unlock()

	if !ok || expired {
		w.WriteHeader(404)
		return
	}
	w.Write([]byte(`[{"ID":"` + id + `"}]`))
}

func (f *fakeConsul) handleSessionDestroy(w http.ResponseWriter, r *http.Request, id string) {
	f.mu.Lock()
	if sess, ok := f.sessions[id]; ok && !sess.expired {
		f.expireSessionLocked(sess)
	}
	delete(f.sessions, id)
	f.mu.Unlock()
	w.Write([]byte("true"))
}

func (f *fakeConsul) expireSessionLocked(sess *fakeSession) {
	sess.expired = true
	for key, e := range f.entries {
		if e.session != sess.id {
			continue
		}
		if sess.behavior == consulhttp.SessionBehaviorDelete {
			delete(f.entries, key)
		} else {
			e.session = ""
		}
	}
	f.index++
	f.broadcastLocked()
}

func (f *fakeConsul) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
	switch r.Method {
	case "PUT":
		f.handlePut(w, r, key)
	case "DELETE":
		f.handleDelete(w, r, key)
	case "GET":
		f.handleGet(w, r, key)
	default:
		w.WriteHeader(405)
	}
}

func (f *fakeConsul) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	buf, _ := io.ReadAll(r.Body)
	q := r.URL.Query()

	f.mu.Lock()
	defer f.mu.Unlock()

	existing, exists := f.entries[key]

	if casStr := q.Get("cas"); casStr != "" {
		cas, _ := strconv.ParseUint(casStr, 10, 64)
		if cas == 0 {
			if exists {
				w.Write([]byte("false"))
				return
			}
		} else {
			if !exists || existing.modifyIndex != cas {
				w.Write([]byte("false"))
				return
			}
		}
	}

	if acquire := q.Get("acquire"); acquire != "" {
		if exists && existing.session != "" && existing.session != acquire {
			w.Write([]byte("false"))
			return
		}
		f.index++
		ci := f.index
		if exists {
			ci = existing.createIndex
		}
		f.entries[key] = &fakeEntry{value: buf, createIndex: ci, modifyIndex: f.index, session: acquire}
		f.broadcastLocked()
		w.Write([]byte("true"))
		return
	}

	f.index++
	ci := f.index
	session := ""
	if exists {
		ci = existing.createIndex
		session = existing.session
	}
	f.entries[key] = &fakeEntry{value: buf, createIndex: ci, modifyIndex: f.index, session: session}
	f.broadcastLocked()
	w.Write([]byte("true"))
}

func (f *fakeConsul) broadcastLocked() {
	for _, ch := range f.waiters {
		close(ch)
	}
	f.waiters = nil
}

func (f *fakeConsul) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, exists := f.entries[key]
	if casStr := q.Get("cas"); casStr != "" {
		cas, _ := strconv.ParseUint(casStr, 10, 64)
		if !exists || existing.modifyIndex != cas {
			w.Write([]byte("false"))
			return
		}
	}
	delete(f.entries, key)
	f.index++
	f.broadcastLocked()
	w.Write([]byte("true"))
}

func (f *fakeConsul) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	recurse := q.Get("recurse") == "true"
	waitStr := q.Get("wait")
	waitIndex, _ := strconv.ParseUint(q.Get("index"), 10, 64)

	var waitDur time.Duration
	if waitStr != "" {
		waitDur, _ = time.ParseDuration(waitStr)
	}

	deadline := time.Now().Add(waitDur)
	for {
		f.mu.Lock()
		curIndex := f.index
		if waitDur == 0 || waitIndex == 0 || curIndex != waitIndex {
			entries := f.collectLocked(key, recurse)
			w.Header().Set(consulhttp.IndexHeaderName, strconv.FormatUint(curIndex, 10))
			f.mu.Unlock()
			if len(entries) == 0 && !recurse {
				w.WriteHeader(404)
				return
			}
			json.NewEncoder(w).Encode(entries)
			return
		}

		ch := make(chan struct{})
		f.waiters = append(f.waiters, ch)
		f.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			f.mu.Lock()
			entries := f.collectLocked(key, recurse)
			w.Header().Set(consulhttp.IndexHeaderName, strconv.FormatUint(f.index, 10))
			f.mu.Unlock()
			if len(entries) == 0 && !recurse {
				w.WriteHeader(404)
				return
			}
			json.NewEncoder(w).Encode(entries)
			return
		}

		select {
		case <-ch:
		case <-time.After(remaining):
		case <-r.Context().Done():
			return
		}
	}
}

type wirePair struct {
	Key         string
	CreateIndex uint64
	ModifyIndex uint64
	Flags       uint64
	Value       string
	Session     string `json:",omitempty"`
}

func (f *fakeConsul) collectLocked(key string, recurse bool) []wirePair {
	var out []wirePair
	if recurse {
		for k, e := range f.entries {
			if !strings.HasPrefix(k, key) {
				continue
			}
			out = append(out, f.toWire(k, e))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	} else if e, ok := f.entries[key]; ok {
		out = append(out, f.toWire(key, e))
	}
	return out
}

func (f *fakeConsul) toWire(key string, e *fakeEntry) wirePair {
	return wirePair{
		Key:         key,
		CreateIndex: e.createIndex,
		ModifyIndex: e.modifyIndex,
		Value:       base64.StdEncoding.EncodeToString(e.value),
		Session:     e.session,
	}
}
