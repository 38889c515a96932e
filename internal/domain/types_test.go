package domain

import (
	"testing"
	"time"
)

func TestTypesExist(t *testing.T) {
	// Verify Subscription can be instantiated with zero values.
	sub := Subscription{}
	if sub.WidgetID != "" {
		t.Error("expected empty WidgetID for zero-value Subscription")
	}
	if sub.IsActive {
		t.Error("expected inactive zero-value Subscription")
	}
	if sub.LastFetchedAt != nil || sub.NextRefreshAt != nil {
		t.Error("expected nil timestamps for zero-value Subscription")
	}

	// Verify Update can be instantiated with zero values.
	u := Update{}
	if u.Data != nil || u.IsLoading || u.Stale || u.Error != "" {
		t.Error("expected empty zero-value Update")
	}

	// Verify enum constants are defined correctly.
	if StatusConnected != "connected" {
		t.Errorf("StatusConnected = %q, want %q", StatusConnected, "connected")
	}
	if EnvProduction != "production" || EnvDevelopment != "development" {
		t.Error("Environment constants have unexpected values")
	}
}

func TestNewKey(t *testing.T) {
	k := NewKey("market-summary", "")
	if k.DataSource != DefaultDataSource {
		t.Errorf("DataSource = %q, want %q", k.DataSource, DefaultDataSource)
	}
	if got := k.String(); got != "market-summary:default" {
		t.Errorf("String() = %q, want %q", got, "market-summary:default")
	}

	if NewKey("latest-trade", "AAPL") != (Key{FeedType: "latest-trade", DataSource: "AAPL"}) {
		t.Error("NewKey should keep an explicit data source")
	}
}

func TestParseEnvironment(t *testing.T) {
	cases := map[string]Environment{
		"production":  EnvProduction,
		"prod":        EnvProduction,
		"development": EnvDevelopment,
		"":            EnvDevelopment,
		"staging":     EnvDevelopment,
	}
	for in, want := range cases {
		if got := ParseEnvironment(in); got != want {
			t.Errorf("ParseEnvironment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTimestamp(t *testing.T) {
	if Timestamp(time.Time{}) != nil {
		t.Error("Timestamp(zero) should be nil")
	}
	now := time.Now()
	p := Timestamp(now)
	if p == nil || !p.Equal(now) {
		t.Errorf("Timestamp(now) = %v, want %v", p, now)
	}
}
