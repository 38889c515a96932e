package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tradeboard/internal/cache"
	"tradeboard/internal/domain"
	"tradeboard/internal/events"
	"tradeboard/internal/source"
	"tradeboard/internal/util"
)

// fakeTimers records scheduled callbacks instead of running them.
type fakeTimers struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

type fakeTimer struct{ stopped bool }

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (f *fakeTimers) after(d time.Duration, fn func()) timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.funcs = append(f.funcs, fn)
	return &fakeTimer{}
}

// fireLast runs the most recently scheduled callback.
func (f *fakeTimers) fireLast() {
	f.mu.Lock()
	fn := f.funcs[len(f.funcs)-1]
	f.mu.Unlock()
	fn()
}

type countingSource struct {
	calls atomic.Int32
	fn    func(ctx context.Context, key domain.Key) (json.RawMessage, error)
}

func (s *countingSource) Fetch(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	s.calls.Add(1)
	return s.fn(ctx, key)
}

type harness struct {
	store  *cache.Store
	bus    *events.Bus
	orch   *Orchestrator
	src    *countingSource
	timers *fakeTimers

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T, fn func(context.Context, domain.Key) (json.RawMessage, error)) *harness {
	t.Helper()
	h := &harness{
		store:  cache.NewStore(util.Discard()),
		bus:    events.NewBus(util.Discard()),
		src:    &countingSource{fn: fn},
		timers: &fakeTimers{},
	}
	h.orch = New(h.store, h.src, h.bus, Config{Timeout: time.Second}, util.Discard())
	h.orch.after = h.timers.after
	h.bus.Subscribe(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e.Kind.String()+":"+e.Key.String())
	})
	return h
}

func (h *harness) eventLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func sub(widget, feed string) domain.Subscription {
	return domain.Subscription{
		WidgetID:        widget,
		Key:             domain.NewKey(feed, ""),
		RefreshInterval: 30 * time.Second,
		IsActive:        true,
		MaxRetries:      3,
	}
}

func ok(v string) func(context.Context, domain.Key) (json.RawMessage, error) {
	return func(context.Context, domain.Key) (json.RawMessage, error) {
		return json.RawMessage(v), nil
	}
}

func TestCacheFirstServesFreshEntryWithoutNetwork(t *testing.T) {
	h := newHarness(t, ok(`"network"`))
	s := sub("W1", "market-summary")
	h.store.Put(s.Key, json.RawMessage(`"cached"`), time.Minute, h.store.NextSeq())

	res, err := h.orch.Fetch(context.Background(), s, Options{Strategy: CacheFirst})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Data) != `"cached"` || !res.FromCache {
		t.Errorf("Fetch = %s fromCache=%v, want cached value", res.Data, res.FromCache)
	}
	if n := h.src.calls.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
	if got := h.eventLog(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestCacheOnlyMiss(t *testing.T) {
	h := newHarness(t, ok(`1`))
	res, err := h.orch.Fetch(context.Background(), sub("W1", "news"), Options{Strategy: CacheOnly})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Found {
		t.Error("CacheOnly miss should report Found=false")
	}
	if n := h.src.calls.Load(); n != 0 {
		t.Errorf("network calls = %d, want 0", n)
	}
}

func TestNetworkFetchStoresAndPublishes(t *testing.T) {
	h := newHarness(t, ok(`{"v":1}`))
	s := sub("W1", "market-summary")
	h.store.AddSubscriber(s.Key, "W1")

	res, err := h.orch.Fetch(context.Background(), s, Options{Strategy: NetworkFirst})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Data) != `{"v":1}` || res.FromCache {
		t.Errorf("Fetch = %s fromCache=%v", res.Data, res.FromCache)
	}
	if got := res.ExpiresAt.Sub(res.FetchedAt); got != 30*time.Second {
		t.Errorf("ttl = %v, want refresh interval 30s", got)
	}

	want := []string{"loading:market-summary:default", "updated:market-summary:default"}
	if diff := cmp.Diff(want, h.eventLog()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	e, _ := h.store.Peek(s.Key)
	if e.IsLoading {
		t.Error("IsLoading should be cleared after success")
	}
}

func TestConcurrentSubscribersShareOneFetch(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		once.Do(func() { close(started) })
		<-release
		return json.RawMessage(`"shared"`), nil
	})

	results := make(chan Result, 2)
	go func() {
		res, _ := h.orch.Fetch(context.Background(), sub("W1", "market-summary"), Options{Strategy: CacheFirst})
		results <- res
	}()
	<-started
	go func() {
		res, _ := h.orch.Fetch(context.Background(), sub("W2", "market-summary"), Options{Strategy: CacheFirst})
		results <- res
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		if res := <-results; string(res.Data) != `"shared"` {
			t.Errorf("result %d = %s, want shared payload", i, res.Data)
		}
	}
	if n := h.src.calls.Load(); n != 1 {
		t.Errorf("network calls = %d, want 1", n)
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: connection refused", source.ErrTransient)
	})
	s := sub("W1", "market-summary")
	opts := Options{Strategy: NetworkFirst, RetryOnError: true}

	if _, err := h.orch.Fetch(context.Background(), s, opts); !errors.Is(err, source.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	// Each retry fails again and schedules the next one until MaxRetries.
	for fired := 0; fired < len(h.timers.funcs); fired++ {
		h.timers.funcs[fired]()
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if diff := cmp.Diff(want, h.timers.delays); diff != "" {
		t.Errorf("retry delays mismatch (-want +got):\n%s", diff)
	}
	if n := h.src.calls.Load(); n != 4 {
		t.Errorf("network calls = %d, want 4 (initial + 3 retries)", n)
	}
	if got := h.orch.RetryCount("W1"); got != 3 {
		t.Errorf("RetryCount = %d, want 3", got)
	}
}

func TestRetryScheduledForMalformedButNotUnknownFeed(t *testing.T) {
	h := newHarness(t, func(_ context.Context, key domain.Key) (json.RawMessage, error) {
		if key.FeedType == "chart" {
			return nil, fmt.Errorf("%w: chart", source.ErrUnknownFeed)
		}
		return nil, fmt.Errorf("%w: bad envelope", source.ErrMalformed)
	})
	opts := Options{Strategy: NetworkFirst, RetryOnError: true}

	h.orch.Fetch(context.Background(), sub("W1", "x"), opts)
	if len(h.timers.delays) != 1 {
		t.Fatalf("retries after malformed envelope = %d, want 1", len(h.timers.delays))
	}
	h.orch.Fetch(context.Background(), sub("W2", "chart"), opts)
	if len(h.timers.delays) != 1 {
		t.Errorf("retries after unknown feed = %d, want still 1", len(h.timers.delays))
	}
}

func TestNoRetryOnceWidgetIsGone(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		return nil, source.ErrTransient
	})
	var live atomic.Bool
	opts := Options{Strategy: NetworkFirst, RetryOnError: true, Live: live.Load}

	// Gone before the failure: nothing is scheduled.
	h.orch.Fetch(context.Background(), sub("W1", "x"), opts)
	if len(h.timers.delays) != 0 {
		t.Fatalf("retries scheduled for a gone widget = %d, want 0", len(h.timers.delays))
	}

	// Gone between scheduling and firing: the retry does not fetch.
	live.Store(true)
	h.orch.Fetch(context.Background(), sub("W1", "x"), opts)
	if len(h.timers.delays) != 1 {
		t.Fatalf("retries scheduled = %d, want 1", len(h.timers.delays))
	}
	live.Store(false)
	h.timers.fireLast()
	if n := h.src.calls.Load(); n != 2 {
		t.Errorf("network calls = %d, want 2 (no retry fetch)", n)
	}
	if got := h.orch.RetryCount("W1"); got != 0 {
		t.Errorf("RetryCount = %d, want 0 after the widget went away", got)
	}
}

func TestFailureKeepsLastGoodValue(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		return nil, fmt.Errorf("%w: status 503", source.ErrTransient)
	})
	s := sub("W1", "market-summary")
	h.store.Put(s.Key, json.RawMessage(`"good"`), time.Minute, h.store.NextSeq())

	res, err := h.orch.Fetch(context.Background(), s, Options{Strategy: NetworkFirst})
	if err == nil {
		t.Fatal("expected error")
	}
	if !res.Stale || string(res.Data) != `"good"` {
		t.Errorf("Fetch = %s stale=%v, want last good value marked stale", res.Data, res.Stale)
	}
	e, _ := h.store.Peek(s.Key)
	if string(e.Data) != `"good"` || e.LastError == "" {
		t.Errorf("entry = %s lastError=%q", e.Data, e.LastError)
	}

	res, _ = h.orch.Fetch(context.Background(), s, Options{Strategy: NetworkOnly, ForceRefresh: true})
	if res.Found {
		t.Error("NetworkOnly should not fall back to cached data")
	}
}

func TestSuccessResetsRetries(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		if fail.Load() {
			return nil, source.ErrServer
		}
		return json.RawMessage(`1`), nil
	})
	s := sub("W1", "x")
	opts := Options{Strategy: NetworkFirst, RetryOnError: true}

	h.orch.Fetch(context.Background(), s, opts)
	if got := h.orch.RetryCount("W1"); got != 1 {
		t.Fatalf("RetryCount = %d, want 1", got)
	}
	fail.Store(false)
	h.timers.fireLast()
	if got := h.orch.RetryCount("W1"); got != 0 {
		t.Errorf("RetryCount after success = %d, want 0", got)
	}
}

func TestCancelRetryAndClose(t *testing.T) {
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		return nil, source.ErrTransient
	})
	opts := Options{Strategy: NetworkFirst, RetryOnError: true}

	h.orch.Fetch(context.Background(), sub("W1", "x"), opts)
	h.orch.CancelRetry("W1")
	h.timers.fireLast() // stale generation: must not fetch
	if n := h.src.calls.Load(); n != 1 {
		t.Errorf("network calls after cancelled retry = %d, want 1", n)
	}

	h.orch.Close()
	h.orch.Fetch(context.Background(), sub("W2", "y"), opts)
	if len(h.timers.delays) != 1 {
		t.Errorf("retries scheduled after Close = %d, want 1 (from before Close)", len(h.timers.delays))
	}
}

func TestTimeoutIsEnforced(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ domain.Key) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("%w: %v", source.ErrTransient, ctx.Err())
	})

	start := time.Now()
	_, err := h.orch.Fetch(context.Background(), sub("W1", "slow"), Options{Strategy: NetworkOnly, Timeout: 20 * time.Millisecond})
	if !errors.Is(err, source.ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Fetch took %v, want it bounded by the timeout", elapsed)
	}
}

func TestIngest(t *testing.T) {
	h := newHarness(t, ok(`1`))
	key := domain.NewKey("market-summary", "")

	if !h.orch.Ingest(key, json.RawMessage(`"pushed"`), time.Minute) {
		t.Fatal("Ingest should apply")
	}
	e, ok := h.store.Get(key)
	if !ok || string(e.Data) != `"pushed"` {
		t.Errorf("store = %s/%v, want pushed value", e.Data, ok)
	}
	if diff := cmp.Diff([]string{"updated:market-summary:default"}, h.eventLog()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestSlowFetchDoesNotOverwritePush(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := newHarness(t, func(context.Context, domain.Key) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`"fetched"`), nil
	})
	s := sub("W1", "market-summary")
	h.store.AddSubscriber(s.Key, "W1")

	done := make(chan Result)
	go func() {
		res, _ := h.orch.Fetch(context.Background(), s, Options{Strategy: NetworkFirst})
		done <- res
	}()
	<-started

	if !h.orch.Ingest(s.Key, json.RawMessage(`"pushed"`), time.Minute) {
		t.Fatal("Ingest should apply while the fetch is in flight")
	}
	if e, _ := h.store.Peek(s.Key); !e.IsLoading {
		t.Error("push update cleared the loading flag of the fetch in flight")
	}

	close(release)
	res := <-done
	if string(res.Data) != `"pushed"` {
		t.Errorf("Fetch = %s, want the newer pushed value", res.Data)
	}
	e, _ := h.store.Peek(s.Key)
	if string(e.Data) != `"pushed"` || e.IsLoading {
		t.Errorf("entry = %s loading=%v, want pushed value and loading cleared", e.Data, e.IsLoading)
	}

	want := []string{
		"loading:market-summary:default",
		"updated:market-summary:default",
	}
	if diff := cmp.Diff(want, h.eventLog()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
