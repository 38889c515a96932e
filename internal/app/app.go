// Package app assembles the subscription stack from configuration.
package app

import (
	"log/slog"

	"tradeboard/internal/cache"
	"tradeboard/internal/channel"
	"tradeboard/internal/config"
	"tradeboard/internal/domain"
	"tradeboard/internal/events"
	"tradeboard/internal/fetch"
	"tradeboard/internal/metrics"
	"tradeboard/internal/scheduler"
	"tradeboard/internal/source"
	"tradeboard/internal/subscription"
)

// App is a wired subscription stack.
type App struct {
	Store        *cache.Store
	Bus          *events.Bus
	Source       *source.Mux
	Orchestrator *fetch.Orchestrator
	Channel      *channel.Channel
	Manager      *subscription.Manager
}

// New builds the stack described by cfg. collector may be nil.
func New(cfg *config.Config, collector *metrics.Collector, log *slog.Logger) *App {
	store := cache.NewStore(log)
	bus := events.NewBus(log)

	// Alpaca serves its feed types when credentials are configured; the feed
	// API serves everything else.
	mux := source.NewMux(source.NewHTTPSource(cfg.API.BaseURL, nil, cfg.API.RateLimitRPS, cfg.API.RateBurst))
	if cfg.Alpaca.APIKey != "" {
		alpaca := source.NewAlpacaSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL)
		for _, ft := range source.AlpacaFeedTypes {
			mux.Handle(ft, alpaca)
		}
		log.Info("alpaca market data enabled", "feeds", source.AlpacaFeedTypes)
	}

	orch := fetch.New(store, mux, bus, fetch.Config{
		Timeout:   cfg.Fetch.Timeout,
		RetryBase: cfg.Fetch.RetryBase,
		RetryMax:  cfg.Fetch.RetryMax,
	}, log)

	ch := channel.New(ChannelConfig(cfg), &channel.WebSocketDialer{}, &channel.SimulatorDialer{
		Interval:          cfg.Channel.SimulateInterval,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
	}, log)

	if collector != nil {
		orch.SetObserver(collector)
		ch.SetObserver(collector)
	}

	mgr := subscription.NewManager(store, orch, ch, scheduler.New(log), bus, subscription.Config{
		MaxRetries:    cfg.Fetch.MaxRetries,
		FetchTimeout:  cfg.Fetch.Timeout,
		SweepInterval: cfg.Cache.SweepInterval,
	}, log)

	return &App{
		Store:        store,
		Bus:          bus,
		Source:       mux,
		Orchestrator: orch,
		Channel:      ch,
		Manager:      mgr,
	}
}

// ChannelConfig maps the channel section of cfg.
func ChannelConfig(cfg *config.Config) channel.Config {
	return channel.Config{
		URL:               cfg.Channel.URL,
		Environment:       domain.ParseEnvironment(cfg.Environment),
		ReconnectAttempts: cfg.Channel.ReconnectAttempts,
		ReconnectBase:     cfg.Channel.ReconnectBase,
		ReconnectMax:      cfg.Channel.ReconnectMax,
		HeartbeatInterval: cfg.Channel.HeartbeatInterval,
		HandshakeTimeout:  cfg.Channel.HandshakeTimeout,
	}
}
