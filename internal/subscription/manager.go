// Package subscription is the entry point widgets use to watch feeds. It
// ties the cache, fetch orchestrator, push channel and refresh scheduler
// together and reports every change through callbacks.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradeboard/internal/cache"
	"tradeboard/internal/channel"
	"tradeboard/internal/domain"
	"tradeboard/internal/events"
	"tradeboard/internal/fetch"
	"tradeboard/internal/scheduler"
)

// ErrInvalidSubscription is returned for malformed subscribe requests.
var ErrInvalidSubscription = errors.New("invalid subscription")

// PushChannel is the part of *channel.Channel the manager drives.
type PushChannel interface {
	Connect(ctx context.Context)
	Disconnect()
	Announce(key domain.Key)
	Revoke(key domain.Key)
	Status() (domain.ConnectionStatus, bool)
	SetHandlers(h channel.Handlers)
}

var _ PushChannel = (*channel.Channel)(nil)

// Callbacks receive every state change. Any of them may be nil. They are
// called without internal locks held and may call back into the Manager.
type Callbacks struct {
	OnDataUpdate         func(widgetID string, u domain.Update)
	OnError              func(widgetID, message string)
	OnConnectionChange   func(status domain.ConnectionStatus, simulated bool)
	OnSubscriptionChange func(widgetID string, subscribed bool)
}

// Config holds manager settings.
type Config struct {
	MaxRetries    int
	FetchTimeout  time.Duration
	PushTTL       time.Duration // TTL for pushed data when no subscription interval applies
	SweepInterval time.Duration
}

// Manager owns the subscription records.
type Manager struct {
	store *cache.Store
	orch  *fetch.Orchestrator
	ch    PushChannel
	sched *scheduler.Scheduler
	bus   *events.Bus
	cfg   Config
	log   *slog.Logger

	mu         sync.Mutex
	subs       map[string]*domain.Subscription
	cb         Callbacks
	lastStatus domain.ConnectionStatus

	unsubscribeBus func()
	stopSweep      context.CancelFunc
	wg             sync.WaitGroup
}

// NewManager creates a Manager and registers it for fetch events and push
// channel messages.
func NewManager(store *cache.Store, orch *fetch.Orchestrator, ch PushChannel, sched *scheduler.Scheduler, bus *events.Bus, cfg Config, log *slog.Logger) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PushTTL <= 0 {
		cfg.PushTTL = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	m := &Manager{
		store:      store,
		orch:       orch,
		ch:         ch,
		sched:      sched,
		bus:        bus,
		cfg:        cfg,
		log:        log,
		subs:       make(map[string]*domain.Subscription),
		lastStatus: domain.StatusDisconnected,
	}
	m.unsubscribeBus = bus.Subscribe(m.onEvent)
	ch.SetHandlers(channel.Handlers{
		OnData:        m.onPushData,
		OnServerError: m.onPushError,
		OnStatus: func(status domain.ConnectionStatus, simulated bool) {
			bus.Publish(events.Event{Kind: events.ConnectionChanged, Status: status, Simulated: simulated})
		},
	})
	return m
}

// SetCallbacks replaces the consumer callbacks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

func (m *Manager) callbacks() Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

// Start connects the push channel and starts the periodic cache sweep.
func (m *Manager) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stopSweep = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.store.Run(sweepCtx, m.cfg.SweepInterval)
	}()
	m.ch.Connect(ctx)
}

// Shutdown stops every timer and pending retry, disconnects the push channel
// and waits for background fetches to finish.
func (m *Manager) Shutdown() {
	m.sched.StopAll()
	m.orch.Close()
	m.ch.Disconnect()

	m.mu.Lock()
	stop := m.stopSweep
	m.stopSweep = nil
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
	m.wg.Wait()
	m.unsubscribeBus()
}

// Subscribe registers widgetID's interest in a feed. Any previous
// subscription for widgetID is replaced. If the feed has a fresh cached
// value it reaches OnDataUpdate before Subscribe returns; otherwise a fetch
// starts in the background.
func (m *Manager) Subscribe(widgetID, feedType, dataSource string, refreshInterval time.Duration) error {
	if err := validate(widgetID, feedType, refreshInterval); err != nil {
		m.reportError(widgetID, err.Error())
		return err
	}

	key := domain.NewKey(feedType, dataSource)
	sub := &domain.Subscription{
		WidgetID:        widgetID,
		Key:             key,
		RefreshInterval: refreshInterval,
		IsActive:        true,
		MaxRetries:      m.cfg.MaxRetries,
	}

	m.mu.Lock()
	old := m.subs[widgetID]
	m.subs[widgetID] = sub
	m.mu.Unlock()

	if old != nil {
		m.release(old, old.Key != key)
	}

	m.store.AddSubscriber(key, widgetID)
	m.ch.Announce(key)
	m.sched.Start(widgetID, refreshInterval, func() { m.refresh(widgetID, fetch.NetworkFirst, false) })
	m.log.Debug("widget subscribed", "widget", widgetID, "feed", key.String(), "interval", refreshInterval)
	if cb := m.callbacks().OnSubscriptionChange; cb != nil {
		cb(widgetID, true)
	}

	res, _ := m.orch.Fetch(context.Background(), *sub, fetch.Options{Strategy: fetch.CacheOnly})
	if res.Found {
		m.deliverCached(widgetID, res)
		return nil
	}
	m.refreshAsync(widgetID, fetch.CacheFirst, false)
	return nil
}

func validate(widgetID, feedType string, interval time.Duration) error {
	switch {
	case widgetID == "":
		return fmt.Errorf("%w: empty widget id", ErrInvalidSubscription)
	case feedType == "":
		return fmt.Errorf("%w: empty feed type for widget %s", ErrInvalidSubscription, widgetID)
	case interval <= 0:
		return fmt.Errorf("%w: refresh interval %v for widget %s must be positive", ErrInvalidSubscription, interval, widgetID)
	}
	return nil
}

// Unsubscribe removes widgetID's subscription. Unknown ids are ignored.
func (m *Manager) Unsubscribe(widgetID string) {
	m.mu.Lock()
	sub, ok := m.subs[widgetID]
	delete(m.subs, widgetID)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.release(sub, true)
	m.log.Debug("widget unsubscribed", "widget", widgetID, "feed", sub.Key.String())
	if cb := m.callbacks().OnSubscriptionChange; cb != nil {
		cb(widgetID, false)
	}
}

// release undoes the registrations of sub. With dropKey unset the widget
// stays a cache subscriber of sub.Key (re-subscription to the same feed).
func (m *Manager) release(sub *domain.Subscription, dropKey bool) {
	m.sched.Stop(sub.WidgetID)
	m.orch.CancelRetry(sub.WidgetID)
	if !dropKey {
		return
	}

	m.store.RemoveSubscriber(sub.Key, sub.WidgetID)
	if len(m.widgetsFor(sub.Key)) == 0 {
		m.ch.Revoke(sub.Key)
	}
}

// Pause stops refreshing widgetID while keeping its cached data. It reports
// whether the widget is subscribed.
func (m *Manager) Pause(widgetID string) bool {
	m.mu.Lock()
	sub, ok := m.subs[widgetID]
	if ok {
		sub.IsActive = false
		sub.NextRefreshAt = nil
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.sched.Stop(widgetID)
	m.orch.CancelRetry(widgetID)
	return true
}

// Resume restarts refreshing a paused widget and fetches immediately.
func (m *Manager) Resume(widgetID string) bool {
	m.mu.Lock()
	sub, ok := m.subs[widgetID]
	var interval time.Duration
	if ok {
		sub.IsActive = true
		interval = sub.RefreshInterval
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.sched.Start(widgetID, interval, func() { m.refresh(widgetID, fetch.NetworkFirst, false) })
	m.refreshAsync(widgetID, fetch.NetworkFirst, false)
	return true
}

// SetRefreshInterval changes widgetID's refresh period, restarting its timer
// if it is active.
func (m *Manager) SetRefreshInterval(widgetID string, d time.Duration) error {
	if d <= 0 {
		err := fmt.Errorf("%w: refresh interval %v for widget %s must be positive", ErrInvalidSubscription, d, widgetID)
		m.reportError(widgetID, err.Error())
		return err
	}

	m.mu.Lock()
	sub, ok := m.subs[widgetID]
	active := false
	if ok {
		sub.RefreshInterval = d
		active = sub.IsActive
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: widget %s is not subscribed", ErrInvalidSubscription, widgetID)
	}

	if active {
		m.sched.Start(widgetID, d, func() { m.refresh(widgetID, fetch.NetworkFirst, false) })
	}
	return nil
}

// Refresh forces a network fetch for widgetID's feed, paused or not.
func (m *Manager) Refresh(widgetID string) bool {
	m.mu.Lock()
	_, ok := m.subs[widgetID]
	m.mu.Unlock()
	if ok {
		m.refreshAsync(widgetID, fetch.NetworkFirst, true)
	}
	return ok
}

func (m *Manager) refreshAsync(widgetID string, strategy fetch.Strategy, force bool) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refresh(widgetID, strategy, force)
	}()
}

// refresh runs one fetch for widgetID. Network results reach widgets through
// the event bus; cache hits are delivered here because they publish nothing.
func (m *Manager) refresh(widgetID string, strategy fetch.Strategy, force bool) {
	m.mu.Lock()
	sub, ok := m.subs[widgetID]
	if !ok || (!sub.IsActive && !force) {
		m.mu.Unlock()
		return
	}
	s := *sub
	m.mu.Unlock()

	res, err := m.orch.Fetch(context.Background(), s, fetch.Options{
		ForceRefresh: force,
		Timeout:      m.cfg.FetchTimeout,
		RetryOnError: true,
		Strategy:     strategy,
		Live:         func() bool { return m.live(widgetID, sub) },
	})
	if err == nil && res.FromCache {
		m.deliverCached(widgetID, res)
	}
}

// live reports whether sub is still widgetID's current, active subscription.
func (m *Manager) live(widgetID string, sub *domain.Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.subs[widgetID]
	return ok && cur == sub && cur.IsActive
}

func (m *Manager) deliverCached(widgetID string, res fetch.Result) {
	m.mu.Lock()
	if sub, ok := m.subs[widgetID]; ok {
		sub.LastFetchedAt = domain.Timestamp(res.FetchedAt)
	}
	m.mu.Unlock()

	if cb := m.callbacks().OnDataUpdate; cb != nil {
		cb(widgetID, domain.Update{
			Data:          res.Data,
			LastFetchedAt: domain.Timestamp(res.FetchedAt),
			NextRefreshAt: m.nextRefresh(widgetID),
		})
	}
}

// Current returns the cached state of widgetID's feed, including stale data.
func (m *Manager) Current(widgetID string) (domain.Update, bool) {
	m.mu.Lock()
	sub, ok := m.subs[widgetID]
	var key domain.Key
	if ok {
		key = sub.Key
	}
	m.mu.Unlock()
	if !ok {
		return domain.Update{}, false
	}

	e, ok := m.store.Peek(key)
	if !ok {
		return domain.Update{NextRefreshAt: m.nextRefresh(widgetID)}, true
	}
	return domain.Update{
		Data:          e.Data,
		IsLoading:     e.IsLoading,
		Error:         e.LastError,
		Stale:         e.Data != nil && (e.LastError != "" || !e.FreshAt(time.Now())),
		LastFetchedAt: domain.Timestamp(e.FetchedAt),
		NextRefreshAt: m.nextRefresh(widgetID),
	}, true
}

// Subscriptions returns a snapshot of every subscription ordered by widget id.
func (m *Manager) Subscriptions() []domain.Subscription {
	m.mu.Lock()
	out := make([]domain.Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].WidgetID < out[j].WidgetID })
	for i := range out {
		out[i].RetryCount = m.orch.RetryCount(out[i].WidgetID)
		if out[i].IsActive {
			out[i].NextRefreshAt = m.nextRefresh(out[i].WidgetID)
		}
	}
	return out
}

// ConnectionStatus returns the push channel status.
func (m *Manager) ConnectionStatus() (domain.ConnectionStatus, bool) {
	return m.ch.Status()
}

func (m *Manager) nextRefresh(widgetID string) *time.Time {
	if t, ok := m.sched.NextRun(widgetID); ok {
		return &t
	}
	return nil
}

// widgetsFor returns the sorted ids of widgets subscribed to key.
func (m *Manager) widgetsFor(key domain.Key) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.subs {
		if s.Key == key {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// pushTTL is the shortest refresh interval among key's subscribers, so pushed
// data never outlives the next scheduled refresh.
func (m *Manager) pushTTL(key domain.Key) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ttl time.Duration
	found := false
	for _, s := range m.subs {
		if s.Key != key {
			continue
		}
		if !found || s.RefreshInterval < ttl {
			ttl = s.RefreshInterval
		}
		found = true
	}
	if ttl <= 0 {
		ttl = m.cfg.PushTTL
	}
	return ttl, found
}

func (m *Manager) onPushData(key domain.Key, data json.RawMessage, _ time.Time) {
	ttl, ok := m.pushTTL(key)
	if !ok {
		m.log.Debug("ignoring push data for unwatched feed", "feed", key.String())
		return
	}
	if !m.orch.Ingest(key, data, ttl) {
		m.log.Debug("discarded out-of-order push data", "feed", key.String())
	}
}

func (m *Manager) onPushError(key domain.Key, msg string) {
	if len(m.widgetsFor(key)) == 0 {
		return
	}
	m.orch.Fail(key, msg)
}

func (m *Manager) reportError(widgetID, msg string) {
	if cb := m.callbacks().OnError; cb != nil {
		cb(widgetID, msg)
	}
}

// onEvent fans bus events out to the widgets of the affected feed.
func (m *Manager) onEvent(e events.Event) {
	if e.Kind == events.ConnectionChanged {
		m.onConnectionChanged(e.Status, e.Simulated)
		return
	}

	ids := m.widgetsFor(e.Key)
	if len(ids) == 0 {
		return
	}
	cb := m.callbacks()

	switch e.Kind {
	case events.FeedLoading:
		last, _ := m.store.Peek(e.Key)
		for _, id := range ids {
			if cb.OnDataUpdate != nil {
				cb.OnDataUpdate(id, domain.Update{
					Data:          last.Data,
					IsLoading:     true,
					Stale:         last.Data != nil && !last.FreshAt(time.Now()),
					LastFetchedAt: domain.Timestamp(last.FetchedAt),
					NextRefreshAt: m.nextRefresh(id),
				})
			}
		}

	case events.FeedUpdated:
		at := domain.Timestamp(e.FetchedAt)
		m.mu.Lock()
		for _, id := range ids {
			if s, ok := m.subs[id]; ok {
				s.LastFetchedAt = at
			}
		}
		m.mu.Unlock()
		for _, id := range ids {
			if cb.OnDataUpdate != nil {
				cb.OnDataUpdate(id, domain.Update{
					Data:          e.Data,
					LastFetchedAt: at,
					NextRefreshAt: m.nextRefresh(id),
				})
			}
		}

	case events.FeedError:
		last, _ := m.store.Peek(e.Key)
		for _, id := range ids {
			if cb.OnError != nil {
				cb.OnError(id, e.Err)
			}
			if cb.OnDataUpdate != nil {
				cb.OnDataUpdate(id, domain.Update{
					Data:          last.Data,
					Error:         e.Err,
					Stale:         last.Data != nil,
					LastFetchedAt: domain.Timestamp(last.FetchedAt),
					NextRefreshAt: m.nextRefresh(id),
				})
			}
		}
	}
}

func (m *Manager) onConnectionChanged(status domain.ConnectionStatus, simulated bool) {
	m.mu.Lock()
	prev := m.lastStatus
	m.lastStatus = status
	cb := m.cb
	m.mu.Unlock()

	if cb.OnConnectionChange != nil {
		cb.OnConnectionChange(status, simulated)
	}

	// A connection lost while live affects every watched feed.
	if prev == domain.StatusConnected && status == domain.StatusError && cb.OnError != nil {
		m.mu.Lock()
		ids := make([]string, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		m.mu.Unlock()
		sort.Strings(ids)
		for _, id := range ids {
			cb.OnError(id, "push channel connection lost")
		}
	}
}
