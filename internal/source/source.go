// Package source defines how feed payloads are obtained from a backend and
// classifies the ways that can fail.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tradeboard/internal/domain"
)

// Error classes. Concrete errors wrap exactly one of these; test with
// errors.Is.
var (
	// ErrTransient covers timeouts, refused connections, 429 and 5xx.
	ErrTransient = errors.New("transient feed failure")
	// ErrServer covers non-success envelopes and other non-2xx statuses.
	ErrServer = errors.New("server reported failure")
	// ErrMalformed covers envelopes that cannot be decoded.
	ErrMalformed = errors.New("malformed feed response")
	// ErrUnknownFeed is returned when no source serves the feed type.
	ErrUnknownFeed = errors.New("unknown feed type")
)

// Retryable reports whether a failed fetch should be retried with backoff.
// Every failure is, except a feed type nothing can serve.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrUnknownFeed)
}

// Source fetches the current payload of one feed.
type Source interface {
	Fetch(ctx context.Context, key domain.Key) (json.RawMessage, error)
}

// Func adapts a plain function to Source.
type Func func(ctx context.Context, key domain.Key) (json.RawMessage, error)

// Fetch calls f.
func (f Func) Fetch(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	return f(ctx, key)
}

// Envelope is the JSON shape returned by the feed API.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// Mux routes fetches to a source registered for the key's feed type, falling
// back to a default source.
type Mux struct {
	mu       sync.RWMutex
	byType   map[string]Source
	fallback Source
}

// NewMux creates a Mux. fallback may be nil.
func NewMux(fallback Source) *Mux {
	return &Mux{byType: make(map[string]Source), fallback: fallback}
}

// Handle registers src for feedType, replacing any previous registration.
func (m *Mux) Handle(feedType string, src Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byType[feedType] = src
}

// Fetch implements Source.
func (m *Mux) Fetch(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	m.mu.RLock()
	src, ok := m.byType[key.FeedType]
	if !ok {
		src = m.fallback
	}
	m.mu.RUnlock()

	if src == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, key.FeedType)
	}
	return src.Fetch(ctx, key)
}
