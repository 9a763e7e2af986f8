// Package consulhttp implements the thin HTTP surface (component A in the
// WLock design) that the KV client and Session handle build on: URL
// construction under <address>/v1, default/per-call headers, timeouts, and
// status-code handling. It speaks the subset of the Consul HTTP API used by
// session-backed KV locking: kv put/get/delete with CAS and session-acquire
// semantics, and session create/renew/destroy.
package consulhttp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	errwrap "github.com/hashicorp/errwrap"
	hclog "github.com/hashicorp/go-hclog"
	rootcerts "github.com/hashicorp/go-rootcerts"
)

const (
	// DefaultTimeout is applied to every request unless the caller overrides
	// it per-call (blocking queries extend it by their own wait time).
	DefaultTimeout = 2 * time.Second

	// IndexHeaderName carries the blocking-query index on every KV response.
	IndexHeaderName = "X-Consul-Index"

	// TokenHeaderName carries the ACL token, when configured.
	TokenHeaderName = "X-Consul-Token"
)

// TLSConfig configures the client's transport when Config.Scheme is "https".
// Mirrors the fields go-rootcerts understands plus a client certificate pair.
type TLSConfig struct {
	CAFile             string
	CAPath             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

// Config describes how to reach a Consul HTTP agent.
type Config struct {
	// Address is either a bare host:port or a full scheme://host:port. The
	// scheme, if present, takes precedence over Scheme.
	Address string
	Scheme  string
	Token   string

	TLSConfig TLSConfig

	// HttpClient lets the caller supply a pre-built client (e.g. for
	// testing); defaults to a cleanhttp pooled client.
	HttpClient *http.Client

	Logger hclog.Logger
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		Address: "127.0.0.1:8500",
		Scheme:  "http",
	}
}

// Client is the low-level HTTP helper (component A). KV and Session build on
// top of it; it holds no protocol state of its own.
type Client struct {
	config Config
	logger hclog.Logger
}

// NewClient builds a Client from cfg, applying the same defaults DefaultConfig
// would for any zero-valued field.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	config := *cfg

	if config.Address == "" {
		config.Address = "127.0.0.1:8500"
	}
	if parts := strings.SplitN(config.Address, "://", 2); len(parts) == 2 {
		switch parts[0] {
		case "http", "https":
			config.Scheme = parts[0]
			config.Address = parts[1]
		}
	}
	if config.Scheme == "" {
		config.Scheme = "http"
	}

	if config.HttpClient == nil {
		config.HttpClient = cleanhttp.DefaultPooledClient()
	}

	if config.Scheme == "https" {
		transport, ok := config.HttpClient.Transport.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("consulhttp: https configured but client transport is not *http.Transport")
		}
		tlsClientConfig, err := setupTLSConfig(&config.TLSConfig)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsClientConfig
	}

	logger := config.Logger
	if logger == nil {
		logger = hclog.Default()
	}

	return &Client{config: config, logger: logger.Named("consulhttp")}, nil
}

func setupTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	tlsClientConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	rootConfig := &rootcerts.Config{
		CAFile: cfg.CAFile,
		CAPath: cfg.CAPath,
	}
	if err := rootcerts.ConfigureTLS(tlsClientConfig, rootConfig); err != nil {
		return nil, fmt.Errorf("consulhttp: configuring root certs: %w", err)
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("consulhttp: loading client cert: %w", err)
		}
		tlsClientConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsClientConfig, nil
}

// QueryOptions govern a single read (KV Get/List).
type QueryOptions struct {
	// Context, if set, bounds the request in addition to WaitTime.
	Context context.Context

	// WaitIndex is the previously observed index. It is sent only when
	// WaitTime is positive; a positive WaitIndex together with a positive
	// WaitTime turns the request into a blocking query.
	WaitIndex uint64

	// WaitTime bounds how long the backend may hold the request open.
	// Zero means non-blocking.
	WaitTime time.Duration

	RequireConsistent bool

	// Token overrides Config.Token for this call only.
	Token string
}

func (q *QueryOptions) context() context.Context {
	if q != nil && q.Context != nil {
		return q.Context
	}
	return context.Background()
}

// WriteOptions govern a single write (Put/Delete/session verbs).
type WriteOptions struct {
	Context context.Context
	Token   string
}

func (w *WriteOptions) context() context.Context {
	if w != nil && w.Context != nil {
		return w.Context
	}
	return context.Background()
}

// QueryMeta carries metadata about a read, notably the blocking-query index
// to pass as WaitIndex on the next call.
type QueryMeta struct {
	LastIndex uint64
}

// WriteMeta carries metadata about a write. Reserved for parity with
// QueryMeta; no write verb used here returns index metadata worth exposing.
type WriteMeta struct{}

// request models one outgoing HTTP call before it is fully built.
type request struct {
	method  string
	url     *url.URL
	params  url.Values
	body    io.Reader
	header  http.Header
	timeout time.Duration
	ctx     context.Context
}

func (c *Client) newRequest(method string, segments []string) *request {
	u := &url.URL{
		Scheme: c.config.Scheme,
		Host:   c.config.Address,
		Path:   "/v1/" + strings.Join(escapeSegments(segments), "/"),
	}
	r := &request{
		method:  method,
		url:     u,
		params:  make(url.Values),
		header:  make(http.Header),
		timeout: DefaultTimeout,
		ctx:     context.Background(),
	}
	if c.config.Token != "" {
		r.header.Set(TokenHeaderName, c.config.Token)
	}
	return r
}

func escapeSegments(segments []string) []string {
	out := make([]string, len(segments))
	for i, s := range segments {
		out[i] = url.PathEscape(s)
	}
	return out
}

// setParam omits the parameter entirely when value is nil, per §4.A.
func (r *request) setParam(key string, value *string) {
	if value == nil {
		return
	}
	r.params.Set(key, *value)
}

func (r *request) setToken(token string) {
	if token != "" {
		r.header.Set(TokenHeaderName, token)
	}
}

func (r *request) toHTTP() (*http.Request, error) {
	r.url.RawQuery = r.params.Encode()
	httpReq, err := http.NewRequestWithContext(r.ctx, r.method, r.url.String(), r.body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = r.header
	return httpReq, nil
}

// response is the generic shape every call gets back: status, headers, body.
// Non-2xx statuses never raise here; callers interpret them (§4.A).
type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) do(r *request) (*response, error) {
	ctx := r.ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	r.ctx = ctx

	httpReq, err := r.toHTTP()
	if err != nil {
		return nil, fmt.Errorf("consulhttp: building request: %w", err)
	}

	start := time.Now()
	resp, err := c.config.HttpClient.Do(httpReq)
	if err != nil {
		return nil, errwrap.Wrapf(fmt.Sprintf("consulhttp: %s %s failed: {{err}}", r.method, r.url.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errwrap.Wrapf("consulhttp: reading response body: {{err}}", err)
	}

	c.logger.Trace("request completed",
		"method", r.method,
		"path", r.url.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}
