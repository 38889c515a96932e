package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"tradeboard/internal/domain"
	"tradeboard/internal/util"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 15, 9, 30, 0, 0, time.UTC)}
	s := NewStore(util.Discard())
	s.now = clock.now
	return s, clock
}

var summary = domain.NewKey("market-summary", "default")

func TestPutGetFresh(t *testing.T) {
	s, clock := newTestStore()
	s.AddSubscriber(summary, "W1")

	if !s.Put(summary, json.RawMessage(`{"spx":5400}`), 30*time.Second, s.NextSeq()) {
		t.Fatal("Put should apply the first update")
	}

	e, ok := s.Get(summary)
	if !ok {
		t.Fatal("Get should return a fresh entry")
	}
	if string(e.Data) != `{"spx":5400}` {
		t.Errorf("Data = %s, want %s", e.Data, `{"spx":5400}`)
	}
	if !e.FetchedAt.Equal(clock.t) {
		t.Errorf("FetchedAt = %v, want %v", e.FetchedAt, clock.t)
	}
	if !e.ExpiresAt.Equal(clock.t.Add(30 * time.Second)) {
		t.Errorf("ExpiresAt = %v, want %v", e.ExpiresAt, clock.t.Add(30*time.Second))
	}
	if diff := cmp.Diff([]string{"W1"}, e.Subscribers); diff != "" {
		t.Errorf("Subscribers mismatch (-want +got):\n%s", diff)
	}
}

func TestGetExpiredIsAbsent(t *testing.T) {
	s, clock := newTestStore()
	s.AddSubscriber(summary, "W1")
	s.Put(summary, json.RawMessage(`1`), 10*time.Second, s.NextSeq())

	clock.advance(10 * time.Second)
	if _, ok := s.Get(summary); ok {
		t.Fatal("Get should report an expired entry as absent")
	}

	// Subscribed entries keep their last good value for stale rendering.
	e, ok := s.Peek(summary)
	if !ok || string(e.Data) != "1" {
		t.Errorf("Peek = %v/%s, want last good value", ok, e.Data)
	}
}

func TestGetEvictsExpiredUnsubscribed(t *testing.T) {
	s, clock := newTestStore()
	s.Put(summary, json.RawMessage(`1`), time.Second, s.NextSeq())

	clock.advance(2 * time.Second)
	if _, ok := s.Get(summary); ok {
		t.Fatal("Get should miss an expired entry")
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after lazy eviction", s.Len())
	}
}

func TestPutDiscardsOlderSequence(t *testing.T) {
	s, _ := newTestStore()
	s.AddSubscriber(summary, "W1")

	slowFetch := s.NextSeq()
	push := s.NextSeq()

	s.MarkLoading(summary)
	if !s.Put(summary, json.RawMessage(`"push"`), time.Minute, push) {
		t.Fatal("newer push update should apply")
	}
	if e, _ := s.Peek(summary); !e.IsLoading {
		t.Error("a push update must not clear the loading flag of the fetch in flight")
	}
	if s.Complete(summary, json.RawMessage(`"fetch"`), time.Minute, slowFetch) {
		t.Fatal("older fetch result should be discarded")
	}

	e, _ := s.Peek(summary)
	if string(e.Data) != `"push"` {
		t.Errorf("Data = %s, want %s", e.Data, `"push"`)
	}
	if e.IsLoading {
		t.Error("IsLoading should be cleared even when the result is discarded")
	}
}

func TestSetErrorKeepsLoading(t *testing.T) {
	s, _ := newTestStore()
	s.MarkLoading(summary)
	s.SetError(summary, "feed suspended")

	e, _ := s.Peek(summary)
	if !e.IsLoading || e.LastError != "feed suspended" {
		t.Errorf("entry = loading %v error %q, want still loading with error", e.IsLoading, e.LastError)
	}
}

func TestMarkLoadingAndError(t *testing.T) {
	s, _ := newTestStore()
	s.Put(summary, json.RawMessage(`"good"`), time.Minute, s.NextSeq())

	if !s.MarkLoading(summary) {
		t.Fatal("first MarkLoading should succeed")
	}
	if s.MarkLoading(summary) {
		t.Fatal("second MarkLoading should report a fetch already in flight")
	}

	s.MarkError(summary, "backend unavailable")
	e, _ := s.Peek(summary)
	if e.IsLoading {
		t.Error("MarkError should clear IsLoading")
	}
	if e.LastError != "backend unavailable" {
		t.Errorf("LastError = %q, want %q", e.LastError, "backend unavailable")
	}
	if string(e.Data) != `"good"` {
		t.Errorf("Data = %s, want last good value preserved", e.Data)
	}

	s.Put(summary, json.RawMessage(`"better"`), time.Minute, s.NextSeq())
	e, _ = s.Peek(summary)
	if e.LastError != "" {
		t.Errorf("Put should clear LastError, got %q", e.LastError)
	}
}

func TestRemoveSubscriber(t *testing.T) {
	s, _ := newTestStore()
	s.AddSubscriber(summary, "W1")
	s.AddSubscriber(summary, "W2")
	s.Put(summary, json.RawMessage(`1`), time.Minute, s.NextSeq())

	if s.RemoveSubscriber(summary, "W1") {
		t.Fatal("removing a non-last subscriber must not evict")
	}
	e, ok := s.Get(summary)
	if !ok || string(e.Data) != "1" {
		t.Fatalf("entry should survive with data intact, got ok=%v data=%s", ok, e.Data)
	}

	if !s.RemoveSubscriber(summary, "W2") {
		t.Fatal("removing the last subscriber must evict")
	}
	if _, ok := s.Peek(summary); ok {
		t.Error("entry should be gone after last subscriber left")
	}

	if s.RemoveSubscriber(summary, "W3") {
		t.Error("removing from an unknown key should be a no-op")
	}
}

func TestSweep(t *testing.T) {
	s, clock := newTestStore()
	orphan := domain.NewKey("orphan", "")
	watched := domain.NewKey("watched", "")
	fresh := domain.NewKey("fresh", "")

	s.Put(orphan, json.RawMessage(`1`), time.Second, s.NextSeq())
	s.AddSubscriber(watched, "W1")
	s.Put(watched, json.RawMessage(`2`), time.Second, s.NextSeq())
	s.Put(fresh, json.RawMessage(`3`), time.Hour, s.NextSeq())

	clock.advance(5 * time.Second)
	if n := s.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}

	want := []domain.Key{fresh, watched}
	if diff := cmp.Diff(want, s.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestSeedAndEntries(t *testing.T) {
	s, clock := newTestStore()
	s.Seed(summary, json.RawMessage(`"warm"`), clock.t.Add(-time.Second), clock.t.Add(time.Minute))
	s.AddSubscriber(domain.NewKey("empty", ""), "W9")

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("Entries() returned %d entries, want 1 (data-less entries skipped)", len(entries))
	}
	if entries[0].Key != summary || string(entries[0].Entry.Data) != `"warm"` {
		t.Errorf("Entries()[0] = %+v", entries[0])
	}
	if _, ok := s.Get(summary); !ok {
		t.Error("seeded entry should be fresh")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
