// Package wlock implements the weighted distributed lock with delay
// (component E): session lifecycle, contender advertisement, the lock
// acquisition race, delay dampening, hold monitoring, and release on
// invalidation, all driven over the KV Watcher and a Consul session.
package wlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/time/rate"

	"github.com/sotheh/tarantool-autovshard/consulhttp"
	"github.com/sotheh/tarantool-autovshard/watch"
)

var errCanceled = errors.New("wlock: acquisition canceled")

// Lock orchestrates session creation, contender key advertisement, the
// lock-key race, delay dampening, and hold monitoring (component E). It
// exclusively owns one session at a time and shares the lock key with peers
// under CAS discipline.
type Lock struct {
	kv     *consulhttp.KV
	prefix string
	info   json.RawMessage

	sessionTTL time.Duration
	watchWait  time.Duration

	rateLimit          rate.Limit
	rateLimitBurst     int
	rateLimitInitBurst int

	logger  hclog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	weight float64
	delay  time.Duration

	weightUpdated *broadcaster
	delayUpdated  *broadcaster

	snapMu   sync.RWMutex
	lastSnap snapshot
}

// New constructs a Lock. delay defaults to 0 and sessionTTL to
// DefaultSessionTTL when zero, matching spec §4.E.
func New(kv *consulhttp.KV, prefix string, weight float64, delay time.Duration, info json.RawMessage, sessionTTL time.Duration, opts ...Option) *Lock {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	l := &Lock{
		kv:                 kv,
		prefix:             prefix,
		info:               info,
		sessionTTL:         sessionTTL,
		watchWait:          DefaultWatchWait,
		rateLimit:          watch.DefaultRateLimit,
		rateLimitBurst:     watch.DefaultRateLimitBurst,
		rateLimitInitBurst: watch.DefaultRateLimitInitBurst,
		weight:             weight,
		delay:              delay,
		logger:             hclog.Default().Named("wlock"),
		weightUpdated:      newBroadcaster(),
		delayUpdated:       newBroadcaster(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Weight returns the current weight.
func (l *Lock) Weight() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.weight
}

// SetWeight updates the weight, triggering a re-publish of the contender key
// and reevaluation of peers.
func (l *Lock) SetWeight(w float64) {
	l.mu.Lock()
	l.weight = w
	l.mu.Unlock()
	l.weightUpdated.notify()
}

// Delay returns the current delay.
func (l *Lock) Delay() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.delay
}

// SetDelay updates the delay, truncating or extending any in-flight delay
// wait.
func (l *Lock) SetDelay(d time.Duration) {
	l.mu.Lock()
	l.delay = d
	l.mu.Unlock()
	l.delayUpdated.notify()
}

// Snapshot exposes the last-seen contender map and holder for diagnostics,
// grounded in semaphore.go's internally computed pruneDeadHolders/findLock
// state.
type Snapshot struct {
	Contenders map[string]float64
	Holder     string
	MaxWeight  float64
}

// Snapshot returns the most recently observed contenders and holder. It is
// safe to call from any goroutine, including while Acquire is running.
func (l *Lock) Snapshot() Snapshot {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	contenders := make(map[string]float64, len(l.lastSnap.Weights))
	for k, v := range l.lastSnap.Weights {
		contenders[k] = v
	}
	return Snapshot{
		Contenders: contenders,
		Holder:     l.lastSnap.Holder,
		MaxWeight:  l.lastSnap.MaxWeight,
	}
}

func (l *Lock) recordSnapshot(s snapshot) {
	l.snapMu.Lock()
	l.lastSnap = s
	l.snapMu.Unlock()
}

type lockState int

const (
	stateCreating lockState = iota
	stateWaiting
	stateAcquiring
	stateHeld
	stateReleasing
)

// Acquire blocks until either the lock is acquired and held (true) or done
// is closed (false). It never returns an error; all failures are absorbed
// and surfaced only as a false return or, for an already-held lock lost
// later, as done being closed.
func (l *Lock) Acquire(done *Done) bool {
	var session *consulhttp.Session
	var lastSnap snapshot
	st := stateCreating

	for {
		if done.Closed() && st != stateReleasing {
			st = stateReleasing
		}

		switch st {
		case stateCreating:
			sess, err := l.createAndPublish(done)
			if err != nil {
				return false
			}
			session = sess
			go l.renew(session, done)
			l.emit("consul.wlock.created")
			st = stateWaiting

		case stateWaiting:
			snap, ok := l.waitEligible(session, done)
			if !ok {
				st = stateReleasing
				continue
			}
			lastSnap = snap
			st = stateAcquiring

		case stateAcquiring:
			acquired, err := l.tryAcquire(session, lastSnap.LockModifyIndex)
			if err != nil {
				l.logger.Error("cas of lock key failed", "error", err)
			}
			if !acquired {
				st = stateWaiting
				continue
			}
			l.logger.Info("acquired lock", "session", session.ID(), "prefix", l.prefix)
			held := lastSnap
			held.Holder = session.ID()
			l.recordSnapshot(held)
			l.emit("consul.wlock.acquired")
			st = stateHeld

		case stateHeld:
			go l.monitorHold(session, done)
			return true

		case stateReleasing:
			l.release(session)
			l.emit("consul.wlock.released")
			return false
		}
	}
}

// createAndPublish implements phase 1 of spec §4.E: create a session, then
// publish the contender key under it, retrying both on transient errors with
// a fixed backoff until either succeeds or done closes.
func (l *Lock) createAndPublish(done *Done) (*consulhttp.Session, error) {
	for {
		session := consulhttp.NewSession(l.kv.Client())
		id, err := session.Create(l.sessionTTL, consulhttp.SessionBehaviorDelete)
		if err == nil {
			if pubErr := l.publishContender(session, id); pubErr == nil {
				return session, nil
			} else {
				err = pubErr
			}
		}
		l.logger.Warn("failed to create session or publish contender, retrying", "error", err)

		select {
		case <-done.C():
			return nil, errCanceled
		case <-time.After(DefaultCreateRetry):
		}
	}
}

func (l *Lock) publishContender(session *consulhttp.Session, sessionID string) error {
	value, err := json.Marshal(contenderValue{Weight: l.Weight(), Info: l.info})
	if err != nil {
		return fmt.Errorf("wlock: encoding contender value: %w", err)
	}
	ok, err := l.kv.Put(contenderKey(l.prefix, sessionID), value, &consulhttp.PutOptions{Acquire: sessionID}, nil)
	if err != nil {
		return fmt.Errorf("wlock: publishing contender key: %w", err)
	}
	if !ok {
		return fmt.Errorf("wlock: contender key already acquired by another session")
	}
	return nil
}

// waitEligible implements phase 2 of spec §4.E: subscribe to the prefix with
// consistent reads, and block until this session is eligible and either
// there is no holder or the dampening delay has elapsed.
func (l *Lock) waitEligible(session *consulhttp.Session, done *Done) (snapshot, bool) {
	snapCh := make(chan snapshot, 1)
	pushSnap := func(s snapshot) {
		select {
		case snapCh <- s:
		default:
			select {
			case <-snapCh:
			default:
			}
			snapCh <- s
		}
	}

	w := watch.Start(l.kv, watch.Options{
		Key:                l.prefix,
		Prefix:             true,
		Consistent:         true,
		Wait:               l.watchWait,
		RateLimit:          l.rateLimit,
		RateLimitBurst:     l.rateLimitBurst,
		RateLimitInitBurst: l.rateLimitInitBurst,
		Logger:             l.logger,
		OnChange: func(entries consulhttp.KVPairs, index uint64) {
			snap := parseKVs(l.prefix, entries)
			l.recordSnapshot(snap)
			pushSnap(snap)
		},
		OnError: func(err error) {
			l.logger.Warn("watch error while waiting for eligibility", "error", err)
		},
	})
	defer w.Stop()

	var delayTimer *time.Timer
	var delayCh <-chan time.Time
	var delayStart time.Time
	var have bool
	var last snapshot

	stopDelay := func() {
		if delayTimer != nil {
			delayTimer.Stop()
			delayTimer = nil
			delayCh = nil
		}
	}
	defer stopDelay()

	startDelay := func(d time.Duration) {
		stopDelay()
		delayStart = time.Now()
		delayTimer = time.NewTimer(d)
		delayCh = delayTimer.C
	}

	for {
		select {
		case <-done.C():
			return snapshot{}, false

		case snap := <-snapCh:
			last = snap
			have = true
			if !snap.eligible(session.ID()) {
				stopDelay()
				continue
			}
			if snap.Holder == "" {
				return snap, true
			}
			d := l.Delay()
			if d <= 0 {
				return snap, true
			}
			startDelay(d)

		case <-delayCh:
			return last, true

		case <-l.delayUpdated.wait():
			if delayTimer == nil || !have {
				continue
			}
			d := l.Delay()
			remaining := d - time.Since(delayStart)
			if remaining <= 0 {
				return last, true
			}
			startDelay(remaining)

		case <-l.weightUpdated.wait():
			if !have {
				continue
			}
			if err := l.publishContender(session, session.ID()); err != nil {
				l.logger.Warn("failed to republish contender after weight change", "error", err)
			}
		}
	}
}

// tryAcquire implements phase 3's CAS step: write the lock key naming this
// session as holder, guarded by the last-seen ModifyIndex.
func (l *Lock) tryAcquire(session *consulhttp.Session, lastModifyIndex uint64) (bool, error) {
	value, err := json.Marshal(lockValue{Holder: session.ID(), Info: l.info})
	if err != nil {
		return false, fmt.Errorf("wlock: encoding lock value: %w", err)
	}
	cas := lastModifyIndex
	ok, err := l.kv.Put(lockKeyPath(l.prefix), value, &consulhttp.PutOptions{CAS: &cas}, nil)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// monitorHold watches the lock key once held, closing done as soon as a
// snapshot shows this session is no longer the live holder, or the watch
// itself errors.
func (l *Lock) monitorHold(session *consulhttp.Session, done *Done) {
	w := watch.Start(l.kv, watch.Options{
		Key:        l.prefix,
		Prefix:     true,
		Consistent: true,
		Wait:       l.watchWait,
		Logger:     l.logger,
		OnChange: func(entries consulhttp.KVPairs, index uint64) {
			snap := parseKVs(l.prefix, entries)
			l.recordSnapshot(snap)
			if snap.Holder != session.ID() {
				l.logger.Info("lost lock: holder changed", "session", session.ID(), "holder", snap.Holder)
				done.Close()
			}
		},
		OnError: func(err error) {
			l.logger.Warn("watch error while holding lock", "error", err)
			done.Close()
		},
	})
	go func() {
		<-done.C()
		w.Stop()
	}()
}

// renew is the background renewer described in spec §4.E: it keeps the
// session alive and republishes the contender key on weight changes, until
// done closes. Each renewer run gets its own correlation id so concurrent
// renew/release log lines for the same session can be told apart.
func (l *Lock) renew(session *consulhttp.Session, done *Done) {
	runID, err := uuid.GenerateUUID()
	if err != nil {
		runID = "unknown"
	}
	logger := l.logger.With("renew_run", runID, "session", session.ID())

	cachedWeight := l.Weight()
	tick := time.NewTimer(renewInterval(l.sessionTTL))
	defer tick.Stop()

	for {
		select {
		case <-done.C():
			if _, err := session.Destroy(); err != nil {
				logger.Warn("best-effort session destroy failed", "error", err)
			}
			return

		case <-l.weightUpdated.wait():
			if !tick.Stop() {
				select {
				case <-tick.C:
				default:
				}
			}

		case <-tick.C:
		}

		ok, err := session.Renew()
		if err != nil || !ok {
			logger.Warn("session renew failed, demoting", "error", err, "renewed", ok)
			done.Close()
			return
		}

		if w := l.Weight(); w != cachedWeight {
			cachedWeight = w
			if pubErr := l.publishContender(session, session.ID()); pubErr != nil {
				logger.Warn("failed to republish contender after weight change", "error", pubErr)
				done.Close()
				return
			}
		}

		tick.Reset(renewInterval(l.sessionTTL))
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	return time.Duration(float64(ttl) * renewFraction)
}

// release implements the Releasing state: best-effort session destroy, which
// implicitly deletes the contender key per SessionBehaviorDelete. Errors are
// logged, not propagated, matching Acquire's "never raises" contract.
func (l *Lock) release(session *consulhttp.Session) {
	if session == nil || session.ID() == "" {
		return
	}
	var result *multierror.Error
	if _, err := session.Destroy(); err != nil {
		result = multierror.Append(result, err)
	}
	if result != nil {
		l.logger.Warn("errors during release", "error", result)
	} else {
		l.logger.Info("released and deleted session", "session", session.ID())
	}
}

func (l *Lock) emit(key string) {
	if l.metrics == nil {
		return
	}
	l.metrics.IncrCounter([]string{key}, 1)
}
