// Package channel maintains the single push connection to the feed server:
// connection state, reconnection with capped backoff, heartbeats and the set
// of announced feeds.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradeboard/internal/domain"
	"tradeboard/internal/util"
)

// Config holds push channel settings.
type Config struct {
	URL               string
	Environment       domain.Environment
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	HeartbeatInterval time.Duration // zero disables the watchdog
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
}

// Observer receives channel notifications, typically for metrics.
type Observer interface {
	PushMessage(msgType string)
	Reconnect()
	SetChannelStatus(status domain.ConnectionStatus)
}

type nopObserver struct{}

func (nopObserver) PushMessage(string)                       {}
func (nopObserver) Reconnect()                               {}
func (nopObserver) SetChannelStatus(domain.ConnectionStatus) {}

// Handlers are invoked from the channel's read goroutine.
type Handlers struct {
	OnData        func(key domain.Key, data json.RawMessage, at time.Time)
	OnServerError func(key domain.Key, msg string)
	OnStatus      func(status domain.ConnectionStatus, simulated bool)
}

// Channel is the process-wide push connection.
type Channel struct {
	cfg       Config
	dialer    Dialer
	simulator Dialer // development fallback; may be nil
	obs       Observer
	log       *slog.Logger

	mu        sync.Mutex
	handlers  Handlers
	status    domain.ConnectionStatus
	simulated bool
	attempts  int
	conn      Conn
	announced map[domain.Key]struct{}
	cancel    context.CancelFunc
	done      chan struct{}

	// sleep waits between reconnect attempts, reporting false if ctx ended
	// first.
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a disconnected Channel. simulator is used once reconnect
// attempts are exhausted in development; pass nil to never simulate.
func New(cfg Config, dialer, simulator Dialer, log *slog.Logger) *Channel {
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = 5
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Channel{
		cfg:       cfg,
		dialer:    dialer,
		simulator: simulator,
		obs:       nopObserver{},
		log:       log,
		status:    domain.StatusDisconnected,
		announced: make(map[domain.Key]struct{}),
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// SetHandlers replaces the inbound callbacks.
func (c *Channel) SetHandlers(h Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = h
}

// SetObserver installs obs. Call before Connect.
func (c *Channel) SetObserver(obs Observer) {
	if obs == nil {
		obs = nopObserver{}
	}
	c.obs = obs
}

// Status returns the current connection status and whether the simulator is
// serving it.
func (c *Channel) Status() (domain.ConnectionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.simulated
}

// Attempts returns the number of reconnect attempts since the last
// successful handshake.
func (c *Channel) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Announced returns the announced feeds in key order.
func (c *Channel) Announced() []domain.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announcedLocked()
}

func (c *Channel) announcedLocked() []domain.Key {
	keys := make([]domain.Key, 0, len(c.announced))
	for k := range c.announced {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Connect starts the connection loop in the background. It is a no-op while
// the loop is already running.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.attempts = 0
	c.simulated = false
	c.mu.Unlock()

	go c.run(ctx, done)
}

// Disconnect stops the connection loop, closes the connection and waits for
// the loop to exit.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.setStatus(domain.StatusDisconnected, false)
}

// Announce tells the server to push updates for key. Announcing a feed that
// is already announced writes nothing.
func (c *Channel) Announce(key domain.Key) {
	c.mu.Lock()
	if _, ok := c.announced[key]; ok {
		c.mu.Unlock()
		return
	}
	c.announced[key] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, subscriptionMessage(key))
	}
}

// Revoke withdraws an announcement. Revoking an unknown feed writes nothing.
func (c *Channel) Revoke(key domain.Key) {
	c.mu.Lock()
	if _, ok := c.announced[key]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.announced, key)
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		c.write(conn, unsubscriptionMessage(key))
	}
}

func (c *Channel) write(conn Conn, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(ctx, msg); err != nil {
		c.log.Warn("push write failed", "type", string(msg.Type), "feed", msg.Key().String(), "error", err)
	}
}

func (c *Channel) setStatus(status domain.ConnectionStatus, simulated bool) {
	c.mu.Lock()
	changed := c.status != status || c.simulated != simulated
	c.status = status
	c.simulated = simulated
	onStatus := c.handlers.OnStatus
	c.mu.Unlock()

	if !changed {
		return
	}
	c.log.Info("push channel status", "status", string(status), "simulated", simulated)
	c.obs.SetChannelStatus(status)
	if onStatus != nil {
		onStatus(status, simulated)
	}
}

// run is the connection loop: dial, serve until the connection drops, back
// off and redial. When attempts are exhausted it either switches to the
// simulator (development) or gives up in the error state (production).
func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
	}()

	for {
		c.setStatus(domain.StatusConnecting, false)
		conn, err := c.dial(ctx, c.dialer)
		if err == nil {
			clean := c.serve(ctx, conn, false)
			if ctx.Err() != nil {
				return
			}
			if clean {
				c.setStatus(domain.StatusDisconnected, false)
			} else {
				c.setStatus(domain.StatusError, false)
			}
		} else {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("push channel handshake failed", "url", c.cfg.URL, "error", err)
			c.setStatus(domain.StatusError, false)
		}

		c.mu.Lock()
		attempt := c.attempts
		exhausted := attempt >= c.cfg.ReconnectAttempts
		if !exhausted {
			c.attempts++
		}
		c.mu.Unlock()

		if exhausted {
			c.giveUp(ctx, attempt)
			return
		}

		delay := util.Backoff(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax)
		c.obs.Reconnect()
		c.log.Info("push channel reconnecting", "attempt", attempt+1, "max", c.cfg.ReconnectAttempts, "delay", delay)

		if !c.sleep(ctx, delay) {
			return
		}
	}
}

func (c *Channel) giveUp(ctx context.Context, attempts int) {
	if c.cfg.Environment == domain.EnvDevelopment && c.simulator != nil {
		c.log.Warn("push channel unreachable, switching to simulated data", "attempts", attempts)
		conn, err := c.simulator.Dial(ctx, c.cfg.URL)
		if err != nil {
			c.log.Error("starting simulator", "error", err)
			return
		}
		c.serve(ctx, conn, true)
		return
	}
	c.log.Error("push channel unreachable, giving up", "attempts", attempts, "url", c.cfg.URL)
}

func (c *Channel) dial(ctx context.Context, d Dialer) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	return d.Dial(ctx, c.cfg.URL)
}

// serve runs the read loop on an established connection until it fails. It
// reports whether the connection ended with a clean close.
func (c *Channel) serve(ctx context.Context, conn Conn, simulated bool) bool {
	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	keys := c.announcedLocked()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	c.setStatus(domain.StatusConnected, simulated)
	for _, k := range keys {
		c.write(conn, subscriptionMessage(k))
	}

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	beat := make(chan struct{}, 1)
	var missed atomic.Bool
	if c.cfg.HeartbeatInterval > 0 {
		go c.watchdog(readCtx, beat, func() {
			missed.Store(true)
			cancel()
		})
	}

	for {
		b, err := conn.Read(readCtx)
		if err != nil {
			switch {
			case missed.Load():
				c.log.Warn("push channel missed heartbeats, reconnecting")
				return false
			case ctx.Err() != nil:
				return true
			case errors.Is(err, ErrClosed):
				c.log.Info("push channel closed by server")
				return true
			default:
				c.log.Warn("push channel read failed", "error", err)
				return false
			}
		}
		c.handle(readCtx, conn, b, beat)
	}
}

// watchdog calls expired when no heartbeat arrives for two intervals.
func (c *Channel) watchdog(ctx context.Context, beat <-chan struct{}, expired func()) {
	limit := 2 * c.cfg.HeartbeatInterval
	t := time.NewTimer(limit)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat:
			t.Reset(limit)
		case <-t.C:
			expired()
			return
		}
	}
}

func (c *Channel) handle(ctx context.Context, conn Conn, b []byte, beat chan<- struct{}) {
	msg, err := Decode(b)
	if err != nil {
		c.log.Warn("dropping push message", "error", err)
		return
	}
	c.obs.PushMessage(string(msg.Type))

	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()

	switch msg.Type {
	case TypeData:
		if h.OnData != nil {
			h.OnData(msg.Key(), msg.Data, msg.Time())
		}
	case TypeError:
		if msg.FeedType == "" {
			c.log.Warn("push server error", "error", msg.Error)
			return
		}
		if h.OnServerError != nil {
			h.OnServerError(msg.Key(), msg.Error)
		}
	case TypeHeartbeat:
		select {
		case beat <- struct{}{}:
		default:
		}
		if err := conn.Write(ctx, heartbeatMessage()); err != nil {
			c.log.Warn("heartbeat ack failed", "error", err)
		}
	case TypeSubscription, TypeUnsubscription:
		c.log.Debug("push server acknowledged", "type", string(msg.Type), "feed", msg.Key().String())
	}
}
