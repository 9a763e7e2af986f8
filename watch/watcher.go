// Package watch implements the KV Watcher (component D): a long-poll loop
// over a key or prefix that fires a callback only when the observed value
// actually changes, rate-limited against the backend and resilient to
// transient errors.
package watch

import (
	"context"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	hclog "github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/sotheh/tarantool-autovshard/consulhttp"
)

const (
	// DefaultWait is the blocking-query wait time used when Options.Wait
	// is zero.
	DefaultWait = 20 * time.Second

	// ErrorRetryDelay is how long the loop sleeps after on_error fires,
	// before resetting the index and retrying (spec §4.D).
	ErrorRetryDelay = 2 * time.Second

	DefaultRateLimit          = rate.Limit(1)
	DefaultRateLimitBurst     = 10
	DefaultRateLimitInitBurst = 5
)

// Options configures one subscription.
type Options struct {
	Key    string
	Prefix bool

	// Consistent requires a consistent (non-stale) read on every Get.
	Consistent bool

	// Wait bounds each blocking query; defaults to DefaultWait.
	Wait time.Duration

	// Index seeds the first blocking query's WaitIndex. Zero means "start
	// with a non-blocking read", matching prev_index == nil in spec §4.D.
	Index uint64

	// OnChange fires when a read's (index, entries) differs from the
	// previous successful read's. The first read, and the first read after
	// an error, always fire.
	OnChange func(entries consulhttp.KVPairs, index uint64)

	// OnError fires once per failed iteration; defaults to a log line.
	OnError func(err error)

	RateLimit          rate.Limit
	RateLimitBurst     int
	RateLimitInitBurst int

	Logger hclog.Logger

	// Backoff controls the delay between failed iterations. Defaults to a
	// constant ErrorRetryDelay, matching spec §4.D exactly; callers that
	// want the pack's exponential-backoff idiom (see
	// other_examples/pteich-consul-kv-watcher) may supply their own.
	Backoff backoff.BackOff
}

// Watcher runs one long-polling loop per subscription (component D).
type Watcher struct {
	kv   *consulhttp.KV
	opts Options

	limiter  *rate.Limiter
	burstUse int
	burstMu  sync.Mutex

	logger hclog.Logger

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start builds a Watcher from opts and immediately begins its loop in a
// background goroutine, returning the stop handle.
func Start(kv *consulhttp.KV, opts Options) *Watcher {
	w := New(kv, opts)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
	return w
}

// New builds a Watcher without starting its loop; exported so callers that
// want to manage the goroutine themselves can do so.
func New(kv *consulhttp.KV, opts Options) *Watcher {
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = DefaultRateLimitBurst
	}
	if opts.RateLimitInitBurst <= 0 {
		opts.RateLimitInitBurst = DefaultRateLimitInitBurst
	}
	if opts.RateLimitInitBurst > opts.RateLimitBurst {
		opts.RateLimitInitBurst = opts.RateLimitBurst
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.NewConstantBackOff(ErrorRetryDelay)
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.Default()
	}
	logger = logger.Named("watch")
	if opts.OnError == nil {
		key := opts.Key
		opts.OnError = func(err error) {
			logger.Warn("watch iteration failed", "key", key, "error", err)
		}
	}

	return &Watcher{
		kv:      kv,
		opts:    opts,
		limiter: rate.NewLimiter(opts.RateLimit, opts.RateLimitBurst),
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Stop closes the completion signal and waits for the loop to exit. A second
// call is a no-op.
func (w *Watcher) Stop() {
	w.closeOnce.Do(func() { close(w.done) })
	w.wg.Wait()
}

// Done exposes the stop handle's channel, for callers that started the loop
// themselves via Run.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Run executes the loop synchronously; Start is the usual entry point.
func (w *Watcher) Run() {
	w.run()
}

func (w *Watcher) run() {
	var prevIndex uint64
	var havePrev bool
	var prevEntries consulhttp.KVPairs
	prevIndex = w.opts.Index
	errored := false

	for {
		select {
		case <-w.done:
			return
		default:
		}

		if err := w.throttle(); err != nil {
			return
		}

		select {
		case <-w.done:
			return
		default:
		}

		entries, index, err := w.fetch(prevIndex)
		if err != nil {
			w.opts.OnError(err)
			errored = true
			prevIndex = 0
			havePrev = false

			select {
			case <-w.done:
				return
			case <-time.After(w.opts.Backoff.NextBackOff()):
				continue
			}
		}
		if errored {
			w.opts.Backoff.Reset()
			errored = false
		}

		changed := !havePrev || index != prevIndex || !entries.Equal(prevEntries)
		if changed {
			w.opts.OnChange(entries, index)
		}
		prevIndex = index
		prevEntries = entries
		havePrev = true
	}
}

// throttle blocks until the rate limiter admits the next iteration start, or
// the watcher is stopped. The first RateLimitInitBurst iterations bypass the
// limiter entirely, per spec §4.D's "init burst" parameter.
func (w *Watcher) throttle() error {
	w.burstMu.Lock()
	if w.burstUse < w.opts.RateLimitInitBurst {
		w.burstUse++
		w.burstMu.Unlock()
		return nil
	}
	w.burstMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-w.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return w.limiter.Wait(ctx)
}

func (w *Watcher) fetch(prevIndex uint64) (consulhttp.KVPairs, uint64, error) {
	qo := &consulhttp.QueryOptions{
		WaitIndex:         prevIndex,
		WaitTime:          w.opts.Wait,
		RequireConsistent: w.opts.Consistent,
	}

	if w.opts.Prefix {
		entries, meta, err := w.kv.List(w.opts.Key, qo)
		if err != nil {
			return nil, 0, err
		}
		return entries, meta.LastIndex, nil
	}

	pair, meta, err := w.kv.Get(w.opts.Key, qo)
	if err != nil {
		return nil, 0, err
	}
	var entries consulhttp.KVPairs
	if pair != nil {
		entries = consulhttp.KVPairs{pair}
	}
	return entries, meta.LastIndex, nil
}
