// Package cache provides the process-wide feed cache: one entry per feed key
// holding the last good payload, its expiry, loading/error flags and the set
// of widgets subscribed to it.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradeboard/internal/domain"
)

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Data        json.RawMessage
	FetchedAt   time.Time
	ExpiresAt   time.Time
	Subscribers []string
	IsLoading   bool
	LastError   string
	Seq         uint64
}

// FreshAt reports whether the entry holds data that has not expired at now.
func (e Entry) FreshAt(now time.Time) bool {
	return e.Data != nil && now.Before(e.ExpiresAt)
}

// Keyed pairs an Entry with its key.
type Keyed struct {
	Key   domain.Key
	Entry Entry
}

type entry struct {
	data        json.RawMessage
	fetchedAt   time.Time
	expiresAt   time.Time
	subscribers map[string]struct{}
	isLoading   bool
	lastError   string
	seq         uint64
}

func (e *entry) snapshot() Entry {
	subs := make([]string, 0, len(e.subscribers))
	for id := range e.subscribers {
		subs = append(subs, id)
	}
	sort.Strings(subs)
	return Entry{
		Data:        e.data,
		FetchedAt:   e.fetchedAt,
		ExpiresAt:   e.expiresAt,
		Subscribers: subs,
		IsLoading:   e.isLoading,
		LastError:   e.lastError,
		Seq:         e.seq,
	}
}

func (e *entry) expired(now time.Time) bool {
	return e.data == nil || !now.Before(e.expiresAt)
}

// garbage reports whether nothing needs e any more.
func (e *entry) garbage(now time.Time) bool {
	return len(e.subscribers) == 0 && !e.isLoading && e.expired(now)
}

// Store is the shared feed cache. All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[domain.Key]*entry
	seq     uint64
	now     func() time.Time
	log     *slog.Logger
}

// NewStore creates an empty Store.
func NewStore(log *slog.Logger) *Store {
	return &Store{
		entries: make(map[domain.Key]*entry),
		now:     time.Now,
		log:     log,
	}
}

// NextSeq allocates a monotonically increasing update tag. Tags are taken
// when a fetch is issued or a push message arrives, so a slow fetch cannot
// overwrite data produced by a later update.
func (s *Store) NextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// Get returns the entry for key only while it is fresh. An expired entry is
// reported as absent; if it also has no subscribers and no fetch in flight it
// is evicted.
func (s *Store) Get(key domain.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	if now := s.now(); e.expired(now) {
		if e.garbage(now) {
			delete(s.entries, key)
		}
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Peek returns the entry for key regardless of expiry.
func (s *Store) Peek(key domain.Key) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.snapshot(), true
}

// Put stores data for key with the given time-to-live and clears the error.
// It returns false without touching the data when seq is older than the
// update already held. A fetch in flight stays marked loading; use Complete
// for the result of that fetch.
func (s *Store) Put(key domain.Key, data json.RawMessage, ttl time.Duration, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(s.getOrCreate(key), data, ttl, seq)
}

// Complete is Put for the result of the fetch that called MarkLoading. The
// loading flag is cleared even when the result is discarded.
func (s *Store) Complete(key domain.Key, data json.RawMessage, ttl time.Duration, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.getOrCreate(key)
	e.isLoading = false
	return s.put(e, data, ttl, seq)
}

func (s *Store) put(e *entry, data json.RawMessage, ttl time.Duration, seq uint64) bool {
	if seq < e.seq {
		return false
	}
	now := s.now()
	e.data = data
	e.fetchedAt = now
	e.expiresAt = now.Add(ttl)
	e.lastError = ""
	e.seq = seq
	return true
}

// MarkLoading flags key as having a fetch in flight. It returns false if the
// flag was already set.
func (s *Store) MarkLoading(key domain.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreate(key)
	if e.isLoading {
		return false
	}
	e.isLoading = true
	return true
}

// MarkError records the failure of the fetch that called MarkLoading and
// clears the loading flag. Data is left untouched so the last good value
// survives.
func (s *Store) MarkError(key domain.Key, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreate(key)
	e.isLoading = false
	e.lastError = msg
}

// SetError records a failure reported out of band. Unlike MarkError it
// leaves a fetch in flight marked loading.
func (s *Store) SetError(key domain.Key, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrCreate(key).lastError = msg
}

// AddSubscriber registers widgetID as interested in key.
func (s *Store) AddSubscriber(key domain.Key, widgetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrCreate(key).subscribers[widgetID] = struct{}{}
}

// RemoveSubscriber drops widgetID from key. The entry is evicted when its
// subscriber set becomes empty; the return value reports that eviction.
func (s *Store) RemoveSubscriber(key domain.Key, widgetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(e.subscribers, widgetID)
	if len(e.subscribers) == 0 {
		delete(s.entries, key)
		return true
	}
	return false
}

// Subscribers returns the sorted widget ids subscribed to key.
func (s *Store) Subscribers(key domain.Key) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	return e.snapshot().Subscribers
}

// Keys returns every key currently held.
func (s *Store) Keys() []domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]domain.Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Entries returns a copy of every entry that holds data.
func (s *Store) Entries() []Keyed {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Keyed, 0, len(s.entries))
	for k, e := range s.entries {
		if e.data == nil {
			continue
		}
		out = append(out, Keyed{Key: k, Entry: e.snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Seed installs data for key with explicit timestamps, keeping any existing
// subscribers. Used to warm the cache from a snapshot.
func (s *Store) Seed(key domain.Key, data json.RawMessage, fetchedAt, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.getOrCreate(key)
	e.data = data
	e.fetchedAt = fetchedAt
	e.expiresAt = expiresAt
}

// Sweep evicts every entry that is expired, unsubscribed and not loading. It returns
// the number of evicted entries.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for k, e := range s.entries {
		if e.garbage(now) {
			delete(s.entries, k)
			evicted++
		}
	}
	return evicted
}

// Run sweeps the store every interval until ctx is cancelled.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("cache sweep evicted entries", "count", n, "remaining", s.Len())
			}
		}
	}
}

func (s *Store) getOrCreate(key domain.Key) *entry {
	e, ok := s.entries[key]
	if !ok {
		e = &entry{subscribers: make(map[string]struct{})}
		s.entries[key] = e
	}
	return e
}
