package consulhttp

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

// KVPair is one entry of the key/value data model (spec §3). Equality is
// field-wise over exactly these fields.
type KVPair struct {
	Key         string
	Value       []byte
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Session     string
}

// Equal reports whether two entries are field-wise identical. A nil receiver
// or argument is only equal to another nil.
func (p *KVPair) Equal(other *KVPair) bool {
	if p == nil || other == nil {
		return p == other
	}
	if p.Key != other.Key || p.CreateIndex != other.CreateIndex ||
		p.ModifyIndex != other.ModifyIndex || p.LockIndex != other.LockIndex ||
		p.Flags != other.Flags || p.Session != other.Session {
		return false
	}
	if len(p.Value) != len(other.Value) {
		return false
	}
	for i := range p.Value {
		if p.Value[i] != other.Value[i] {
			return false
		}
	}
	return true
}

// KVPairs is an ordered sequence of entries, as returned by a prefix Get.
type KVPairs []*KVPair

// Equal compares two sequences field-wise and in order.
func (ps KVPairs) Equal(other KVPairs) bool {
	if len(ps) != len(other) {
		return false
	}
	for i := range ps {
		if !ps[i].Equal(other[i]) {
			return false
		}
	}
	return true
}

// kvPairWire is the JSON shape the backend actually sends/accepts: Value is
// base64-encoded text, and CAS/Session writes arrive and leave via query
// parameters rather than the body.
type kvPairWire struct {
	Key         string
	CreateIndex uint64
	ModifyIndex uint64
	LockIndex   uint64
	Flags       uint64
	Value       string
	Session     string `json:",omitempty"`
}

func (w *kvPairWire) toPair() (*KVPair, error) {
	var value []byte
	if w.Value != "" {
		decoded, err := base64.StdEncoding.DecodeString(w.Value)
		if err != nil {
			return nil, fmt.Errorf("consulhttp: decoding kv value: %w", err)
		}
		value = decoded
	}
	return &KVPair{
		Key:         w.Key,
		Value:       value,
		CreateIndex: w.CreateIndex,
		ModifyIndex: w.ModifyIndex,
		LockIndex:   w.LockIndex,
		Flags:       w.Flags,
		Session:     w.Session,
	}, nil
}

// KV is the typed wrapper over the key/value verbs (component B).
type KV struct {
	c *Client
}

// KV returns the KV surface bound to this client.
func (c *Client) KV() *KV {
	return &KV{c: c}
}

// Client exposes the underlying HTTP client, e.g. so a Session can be built
// against the same backend.
func (k *KV) Client() *Client {
	return k.c
}

// PutOptions parameterize a write beyond the bare key/value.
type PutOptions struct {
	// CAS, if non-nil, makes the write atomic against ModifyIndex == *CAS.
	// *CAS == 0 means "create, must not already exist".
	CAS *uint64

	// Acquire, if set, makes the entry session-acquired by this session id.
	Acquire string
}

// Put writes value at key, honoring CAS/Acquire semantics (spec §4.B). The
// returned bool is the backend's precondition-success flag.
func (k *KV) Put(key string, value []byte, opts *PutOptions, wo *WriteOptions) (bool, error) {
	req := k.c.newRequest("PUT", []string{"kv", key})
	req.ctx = wo.context()
	req.body = newByteReader(value)

	if opts != nil {
		if opts.CAS != nil {
			req.params.Set("cas", strconv.FormatUint(*opts.CAS, 10))
		}
		if opts.Acquire != "" {
			req.params.Set("acquire", opts.Acquire)
		}
	}
	if wo != nil && wo.Token != "" {
		req.setToken(wo.Token)
	}

	resp, err := k.c.do(req)
	if err != nil {
		return false, err
	}
	if resp.status != 200 {
		return false, &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}
	return decodeBool(resp.body)
}

// Delete removes key, honoring an optional CAS precondition.
func (k *KV) Delete(key string, cas *uint64, wo *WriteOptions) (bool, error) {
	req := k.c.newRequest("DELETE", []string{"kv", key})
	req.ctx = wo.context()
	if cas != nil {
		req.params.Set("cas", strconv.FormatUint(*cas, 10))
	}
	if wo != nil && wo.Token != "" {
		req.setToken(wo.Token)
	}

	resp, err := k.c.do(req)
	if err != nil {
		return false, err
	}
	if resp.status != 200 {
		return false, &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}
	return decodeBool(resp.body)
}

// Get fetches a single entry. A nil entry with no error means "not found".
// When qo.WaitTime is set, this performs a blocking query (spec §4.B): it
// returns once the index advances past qo.WaitIndex or the wait elapses.
func (k *KV) Get(key string, qo *QueryOptions) (*KVPair, *QueryMeta, error) {
	pairs, meta, err := k.get(key, false, qo)
	if err != nil || len(pairs) == 0 {
		return nil, meta, err
	}
	return pairs[0], meta, nil
}

// List fetches every entry under prefix, in backend order.
func (k *KV) List(prefix string, qo *QueryOptions) (KVPairs, *QueryMeta, error) {
	return k.get(prefix, true, qo)
}

func (k *KV) get(key string, prefix bool, qo *QueryOptions) (KVPairs, *QueryMeta, error) {
	req := k.c.newRequest("GET", []string{"kv", key})
	req.ctx = qo.context()

	if prefix {
		req.params.Set("recurse", "true")
	}
	if qo != nil {
		if qo.RequireConsistent {
			req.params.Set("consistent", "true")
		}
		if qo.WaitTime > 0 {
			req.params.Set("wait", qo.WaitTime.String())
			req.params.Set("index", strconv.FormatUint(qo.WaitIndex, 10))
			req.timeout = qo.WaitTime + DefaultTimeout
		}
		if qo.Token != "" {
			req.setToken(qo.Token)
		}
	}

	resp, err := k.c.do(req)
	if err != nil {
		return nil, nil, err
	}

	if resp.status == 404 {
		meta, merr := parseQueryMeta(resp, qo)
		if merr != nil {
			return nil, nil, merr
		}
		return nil, meta, nil
	}
	if resp.status != 200 {
		return nil, nil, &StatusError{StatusCode: resp.status, Body: string(resp.body)}
	}

	meta, err := parseQueryMeta(resp, qo)
	if err != nil {
		return nil, nil, err
	}

	var wire []kvPairWire
	if err := json.Unmarshal(resp.body, &wire); err != nil {
		return nil, nil, fmt.Errorf("consulhttp: decoding kv response: %w", err)
	}
	pairs := make(KVPairs, 0, len(wire))
	for i := range wire {
		pair, err := wire[i].toPair()
		if err != nil {
			return nil, nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, meta, nil
}

// parseQueryMeta extracts and validates the blocking-query index header,
// enforcing the two hard rules of spec §4.B.2:
//  1. an index <= 0 is a protocol error;
//  2. an index lower than the caller's previous WaitIndex resets to 0, so the
//     next call performs a fresh, non-blocking read.
func parseQueryMeta(resp *response, qo *QueryOptions) (*QueryMeta, error) {
	raw := resp.header.Get(IndexHeaderName)
	index, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || index == 0 {
		return nil, &ErrInvalidIndex{Raw: raw}
	}
	if qo != nil && qo.WaitIndex > 0 && index < qo.WaitIndex {
		index = 0
	}
	return &QueryMeta{LastIndex: index}, nil
}

func decodeBool(body []byte) (bool, error) {
	var ok bool
	if err := json.Unmarshal(body, &ok); err != nil {
		return false, fmt.Errorf("consulhttp: decoding boolean response: %w", err)
	}
	return ok, nil
}

