// Package domain defines the core types shared by the tradeboard feed
// subscription layer: feed keys, widget subscriptions, consumer updates and
// push-channel connection state.
package domain

import (
	"encoding/json"
	"time"
)

// DefaultDataSource is substituted for an empty data source.
const DefaultDataSource = "default"

// ---------------------------------------------------------------------------
// Feeds
// ---------------------------------------------------------------------------

// Key identifies a feed. Two subscriptions with equal keys share one cache
// entry and one in-flight fetch.
type Key struct {
	FeedType   string `json:"feedType"`
	DataSource string `json:"dataSource"`
}

// NewKey builds a Key, normalising an empty data source to "default".
func NewKey(feedType, dataSource string) Key {
	if dataSource == "" {
		dataSource = DefaultDataSource
	}
	return Key{FeedType: feedType, DataSource: dataSource}
}

// String renders the key as "feedType:dataSource".
func (k Key) String() string {
	return k.FeedType + ":" + k.DataSource
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscription is one widget's registered interest in one feed.
type Subscription struct {
	WidgetID        string
	Key             Key
	RefreshInterval time.Duration
	IsActive        bool
	LastFetchedAt   *time.Time
	NextRefreshAt   *time.Time
	RetryCount      int
	MaxRetries      int
}

// Update is the payload handed to a widget's data callback.
type Update struct {
	Data          json.RawMessage `json:"data,omitempty"`
	IsLoading     bool            `json:"isLoading"`
	Error         string          `json:"error,omitempty"`
	Stale         bool            `json:"stale"`
	LastFetchedAt *time.Time      `json:"lastFetchedAt,omitempty"`
	NextRefreshAt *time.Time      `json:"nextRefreshAt,omitempty"`
}

// ---------------------------------------------------------------------------
// Push channel
// ---------------------------------------------------------------------------

// ConnectionStatus is the push channel's connection state.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Environment selects how the push channel behaves once its reconnect budget
// is exhausted.
type Environment string

const (
	// EnvDevelopment falls back to the local simulator.
	EnvDevelopment Environment = "development"
	// EnvProduction stays in the error state and reports it.
	EnvProduction Environment = "production"
)

// ParseEnvironment maps a config string to an Environment. Anything other
// than "production"/"prod" is treated as development.
func ParseEnvironment(s string) Environment {
	switch s {
	case "production", "prod":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

// Timestamp returns a pointer to a copy of t, or nil when t is zero.
func Timestamp(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
