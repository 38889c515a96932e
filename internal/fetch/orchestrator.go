// Package fetch decides whether a feed is served from the cache or the
// network, collapses concurrent requests for the same feed and schedules
// retries with capped exponential backoff.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tradeboard/internal/cache"
	"tradeboard/internal/domain"
	"tradeboard/internal/events"
	"tradeboard/internal/source"
	"tradeboard/internal/util"
)

// Strategy selects how the cache and the network are consulted.
type Strategy int

const (
	// CacheFirst serves a fresh cache entry, otherwise goes to the network.
	CacheFirst Strategy = iota
	// NetworkFirst always goes to the network and falls back to the last
	// good value on failure.
	NetworkFirst
	// CacheOnly never touches the network.
	CacheOnly
	// NetworkOnly goes to the network with no fallback.
	NetworkOnly
)

func (s Strategy) String() string {
	switch s {
	case CacheFirst:
		return "cache-first"
	case NetworkFirst:
		return "network-first"
	case CacheOnly:
		return "cache-only"
	case NetworkOnly:
		return "network-only"
	default:
		return "unknown"
	}
}

func (s Strategy) usesCache() bool { return s == CacheFirst || s == CacheOnly }

func (s Strategy) fallsBack() bool { return s == CacheFirst || s == NetworkFirst }

// Options control a single Fetch call.
type Options struct {
	ForceRefresh bool
	Timeout      time.Duration // zero means Config.Timeout
	RetryOnError bool
	Strategy     Strategy
	// Live reports whether the requesting widget still wants data. Retries
	// are neither scheduled nor fired once it returns false. Nil means
	// always live.
	Live func() bool
}

func (opts Options) live() bool { return opts.Live == nil || opts.Live() }

// Result is what Fetch hands back to the caller.
type Result struct {
	Data      json.RawMessage
	FetchedAt time.Time
	ExpiresAt time.Time
	Found     bool // false only for CacheOnly misses and failures without a last good value
	FromCache bool // served without a network request
	Stale     bool // last good value returned after a failed request
}

// Config holds the orchestrator's tunables.
type Config struct {
	Timeout    time.Duration // per request
	RetryBase  time.Duration
	RetryMax   time.Duration
	DefaultTTL time.Duration // used when a subscription carries no interval
}

// Observer receives fetch lifecycle notifications, typically for metrics.
type Observer interface {
	CacheHit(feedType string)
	FetchDone(feedType string, elapsed time.Duration, err error)
	Collapsed(feedType string)
	RetryScheduled(feedType string)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)                        {}
func (nopObserver) FetchDone(string, time.Duration, error) {}
func (nopObserver) Collapsed(string)                       {}
func (nopObserver) RetryScheduled(string)                  {}

// timer is the part of *time.Timer the retry bookkeeping needs.
type timer interface {
	Stop() bool
}

type retryState struct {
	count int
	timer timer
	gen   uint64
}

// Orchestrator implements the fetch pipeline on top of a cache.Store and a
// source.Source. Results are published on the events.Bus.
type Orchestrator struct {
	store *cache.Store
	src   source.Source
	bus   *events.Bus
	cfg   Config
	obs   Observer
	log   *slog.Logger

	flights singleflight.Group

	mu      sync.Mutex
	retries map[string]*retryState // by widget id
	closed  bool

	after func(time.Duration, func()) timer
}

// New creates an Orchestrator.
func New(store *cache.Store, src source.Source, bus *events.Bus, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Second
	}
	return &Orchestrator{
		store:   store,
		src:     src,
		bus:     bus,
		cfg:     cfg,
		obs:     nopObserver{},
		log:     log,
		retries: make(map[string]*retryState),
		after: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// SetObserver installs obs for subsequent fetches.
func (o *Orchestrator) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	o.obs = obs
}

// Fetch obtains data for sub.Key according to opts.
//
// The network request is detached from ctx and bounded only by the timeout,
// so a request shared by several subscribers is never cut short by one of
// them going away.
func (o *Orchestrator) Fetch(ctx context.Context, sub domain.Subscription, opts Options) (Result, error) {
	key := sub.Key

	if opts.Strategy.usesCache() && !opts.ForceRefresh {
		if e, ok := o.store.Get(key); ok {
			o.obs.CacheHit(key.FeedType)
			return Result{
				Data:      e.Data,
				FetchedAt: e.FetchedAt,
				ExpiresAt: e.ExpiresAt,
				Found:     true,
				FromCache: true,
			}, nil
		}
	}
	if opts.Strategy == CacheOnly {
		return Result{}, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	ttl := sub.RefreshInterval
	if ttl <= 0 {
		ttl = o.cfg.DefaultTTL
	}

	leader := false
	v, err, _ := o.flights.Do(key.String(), func() (any, error) {
		leader = true
		return o.load(context.WithoutCancel(ctx), key, ttl, timeout)
	})
	if !leader {
		o.obs.Collapsed(key.FeedType)
	}

	if err == nil {
		o.CancelRetry(sub.WidgetID)
		e := v.(cache.Entry)
		return Result{Data: e.Data, FetchedAt: e.FetchedAt, ExpiresAt: e.ExpiresAt, Found: true}, nil
	}

	if leader && opts.RetryOnError && source.Retryable(err) {
		o.scheduleRetry(sub, opts, err)
	}

	var res Result
	if opts.Strategy.fallsBack() {
		if e, ok := o.store.Peek(key); ok && e.Data != nil {
			res = Result{Data: e.Data, FetchedAt: e.FetchedAt, ExpiresAt: e.ExpiresAt, Found: true, Stale: true}
		}
	}
	return res, err
}

// load performs one network request for key and records the outcome.
func (o *Orchestrator) load(ctx context.Context, key domain.Key, ttl, timeout time.Duration) (cache.Entry, error) {
	if !o.store.MarkLoading(key) {
		o.log.Debug("fetch already marked loading", "feed", key.String())
	}
	o.bus.Publish(events.Event{Kind: events.FeedLoading, Key: key})

	seq := o.store.NextSeq()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	data, err := o.src.Fetch(ctx, key)
	o.obs.FetchDone(key.FeedType, time.Since(start), err)

	if err != nil {
		o.store.MarkError(key, err.Error())
		o.log.Warn("feed fetch failed", "feed", key.String(), "error", err)
		o.bus.Publish(events.Event{Kind: events.FeedError, Key: key, Err: err.Error()})
		return cache.Entry{}, err
	}

	if !o.store.Complete(key, data, ttl, seq) {
		o.log.Debug("discarded out-of-order fetch result", "feed", key.String(), "seq", seq)
		// A newer value is already stored; report that one.
		if e, ok := o.store.Peek(key); ok && e.Data != nil {
			return e, nil
		}
		return cache.Entry{}, errors.New("fetch result superseded")
	}

	e, _ := o.store.Peek(key)
	o.bus.Publish(events.Event{
		Kind:      events.FeedUpdated,
		Key:       key,
		Data:      e.Data,
		FetchedAt: e.FetchedAt,
		ExpiresAt: e.ExpiresAt,
	})
	return e, nil
}

// Ingest applies an out-of-band update, such as a push message, through the
// same store-and-publish path as a fetch. It reports whether the update was
// applied.
func (o *Orchestrator) Ingest(key domain.Key, data json.RawMessage, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = o.cfg.DefaultTTL
	}
	if !o.store.Put(key, data, ttl, o.store.NextSeq()) {
		return false
	}
	e, _ := o.store.Peek(key)
	o.bus.Publish(events.Event{
		Kind:      events.FeedUpdated,
		Key:       key,
		Data:      e.Data,
		FetchedAt: e.FetchedAt,
		ExpiresAt: e.ExpiresAt,
	})
	return true
}

// Fail records a failure reported out of band (a push error message) for key.
func (o *Orchestrator) Fail(key domain.Key, msg string) {
	o.store.SetError(key, msg)
	o.bus.Publish(events.Event{Kind: events.FeedError, Key: key, Err: msg})
}

func (o *Orchestrator) scheduleRetry(sub domain.Subscription, opts Options, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	// Checked under o.mu: a pause or unsubscribe that lands after this point
	// still goes through CancelRetry and drops the timer.
	if !opts.live() {
		o.log.Debug("widget gone, not retrying", "widget", sub.WidgetID, "feed", sub.Key.String())
		return
	}
	st, ok := o.retries[sub.WidgetID]
	if !ok {
		st = &retryState{}
		o.retries[sub.WidgetID] = st
	}
	if st.count >= sub.MaxRetries {
		o.log.Warn("giving up on feed after retries",
			"widget", sub.WidgetID, "feed", sub.Key.String(), "retries", st.count, "error", cause)
		return
	}

	delay := util.Backoff(st.count, o.cfg.RetryBase, o.cfg.RetryMax)
	st.count++
	st.gen++
	if st.timer != nil {
		st.timer.Stop()
	}
	gen := st.gen
	st.timer = o.after(delay, func() { o.fireRetry(sub, opts, gen) })

	o.obs.RetryScheduled(sub.Key.FeedType)
	o.log.Info("retrying feed",
		"widget", sub.WidgetID, "feed", sub.Key.String(), "attempt", st.count, "delay", delay)
}

func (o *Orchestrator) fireRetry(sub domain.Subscription, opts Options, gen uint64) {
	o.mu.Lock()
	st, ok := o.retries[sub.WidgetID]
	if !ok || st.gen != gen || o.closed {
		o.mu.Unlock()
		return
	}
	st.timer = nil
	o.mu.Unlock()

	if !opts.live() {
		o.CancelRetry(sub.WidgetID)
		return
	}
	opts.ForceRefresh = true
	if opts.Strategy.usesCache() {
		opts.Strategy = NetworkFirst
	}
	o.Fetch(context.Background(), sub, opts)
}

// RetryCount returns the number of consecutive retries scheduled for a
// widget since its last successful fetch.
func (o *Orchestrator) RetryCount(widgetID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.retries[widgetID]; ok {
		return st.count
	}
	return 0
}

// CancelRetry drops any pending retry for widgetID and resets its count. A
// successful fetch does the same.
func (o *Orchestrator) CancelRetry(widgetID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if st, ok := o.retries[widgetID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(o.retries, widgetID)
	}
}

// Close cancels every pending retry. Later failures schedule nothing.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	for id, st := range o.retries {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(o.retries, id)
	}
}
