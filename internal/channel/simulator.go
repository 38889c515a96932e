package channel

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"tradeboard/internal/domain"
)

// Compile-time interface check.
var _ Dialer = (*SimulatorDialer)(nil)

// SimulatorDialer produces in-memory connections that synthesise data for
// every announced feed. It stands in for the push server during development
// when the real one cannot be reached.
type SimulatorDialer struct {
	Interval          time.Duration // between synthetic data rounds
	HeartbeatInterval time.Duration // zero disables heartbeats
	// Generate builds the payload for the n-th update of key. Nil uses a
	// random walk.
	Generate func(key domain.Key, n int) json.RawMessage
}

// Dial implements Dialer. The url is ignored.
func (d *SimulatorDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := d.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	gen := d.Generate
	if gen == nil {
		gen = newRandomWalk().next
	}

	c := &simConn{
		feeds:  make(map[domain.Key]int),
		out:    make(chan []byte, 64),
		kick:   make(chan struct{}, 1),
		closed: make(chan struct{}),
		gen:    gen,
	}
	go c.loop(interval, d.HeartbeatInterval)
	return c, nil
}

type simConn struct {
	mu    sync.Mutex
	feeds map[domain.Key]int // updates emitted per feed

	out       chan []byte
	kick      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	gen       func(domain.Key, int) json.RawMessage
}

func (c *simConn) loop(interval, heartbeat time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()

	var beat <-chan time.Time
	if heartbeat > 0 {
		hb := time.NewTicker(heartbeat)
		defer hb.Stop()
		beat = hb.C
	}

	for {
		select {
		case <-c.closed:
			return
		case <-tick.C:
			c.emit(false)
		case <-c.kick:
			c.emit(true)
		case <-beat:
			c.send(heartbeatMessage())
		}
	}
}

// emit sends one data message per announced feed, or only for feeds that
// have not produced any data yet when onlyNew is set.
func (c *simConn) emit(onlyNew bool) {
	c.mu.Lock()
	var batch []Message
	for key, n := range c.feeds {
		if onlyNew && n > 0 {
			continue
		}
		c.feeds[key] = n + 1
		batch = append(batch, Message{
			Type:       TypeData,
			FeedType:   key.FeedType,
			DataSource: key.DataSource,
			Data:       c.gen(key, n),
			Timestamp:  time.Now().UnixMilli(),
		})
	}
	c.mu.Unlock()

	for _, m := range batch {
		c.send(m)
	}
}

func (c *simConn) send(m Message) {
	b, err := json.Marshal(m)
	if err != nil {
		return
	}
	select {
	case c.out <- b:
	case <-c.closed:
	}
}

func (c *simConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.out:
		return b, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *simConn) Write(ctx context.Context, msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case TypeSubscription:
		key := msg.Key()
		if _, ok := c.feeds[key]; !ok {
			c.feeds[key] = 0
			select {
			case c.kick <- struct{}{}:
			default:
			}
		}
	case TypeUnsubscription:
		delete(c.feeds, msg.Key())
	}
	return nil
}

func (c *simConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// randomWalk synthesises a drifting value per feed.
type randomWalk struct {
	mu     sync.Mutex
	values map[domain.Key]float64
}

func newRandomWalk() *randomWalk {
	return &randomWalk{values: make(map[domain.Key]float64)}
}

func (w *randomWalk) next(key domain.Key, n int) json.RawMessage {
	w.mu.Lock()
	prev, ok := w.values[key]
	if !ok {
		prev = 50 + rand.Float64()*100
	}
	change := prev * (rand.Float64() - 0.5) * 0.01
	value := math.Round((prev+change)*100) / 100
	w.values[key] = value
	w.mu.Unlock()

	b, _ := json.Marshal(map[string]any{
		"value":     value,
		"change":    math.Round(change*100) / 100,
		"sequence":  n,
		"simulated": true,
		"timestamp": time.Now().UnixMilli(),
	})
	return b
}
