package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"tradeboard/internal/domain"
	"tradeboard/internal/subscription"
)

// Subscriptions is the part of *subscription.Manager the gateway drives.
type Subscriptions interface {
	Subscribe(widgetID, feedType, dataSource string, refreshInterval time.Duration) error
	Unsubscribe(widgetID string)
	Pause(widgetID string) bool
	Resume(widgetID string) bool
	Refresh(widgetID string) bool
	SetRefreshInterval(widgetID string, d time.Duration) error
	SetCallbacks(cb subscription.Callbacks)
	ConnectionStatus() (domain.ConnectionStatus, bool)
	Subscriptions() []domain.Subscription
}

var _ Subscriptions = (*subscription.Manager)(nil)

// SubscriptionGauge records the live subscription count.
type SubscriptionGauge interface {
	SetSubscriptions(n int)
}

// DefaultRefreshInterval applies when a subscribe message omits
// refreshInterval.
const DefaultRefreshInterval = 30 * time.Second

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// Client message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPause       = "pause"
	msgResume      = "resume"
	msgRefresh     = "refresh"
	msgInterval    = "interval"
)

// Server message types.
const (
	msgData         = "data"
	msgError        = "error"
	msgConnection   = "connection"
	msgSubscription = "subscription"
)

// clientMessage is a request from a dashboard session. RefreshInterval is in
// milliseconds.
type clientMessage struct {
	Type            string `json:"type"`
	WidgetID        string `json:"widgetId"`
	FeedType        string `json:"feedType,omitempty"`
	DataSource      string `json:"dataSource,omitempty"`
	RefreshInterval int64  `json:"refreshInterval,omitempty"`
}

// serverMessage is pushed to a dashboard session.
type serverMessage struct {
	Type       string                  `json:"type"`
	WidgetID   string                  `json:"widgetId,omitempty"`
	Update     *domain.Update          `json:"update,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Status     domain.ConnectionStatus `json:"status,omitempty"`
	Simulated  bool                    `json:"simulated,omitempty"`
	Subscribed bool                    `json:"subscribed,omitempty"`
}

// session is one WebSocket client. Its widget ids are namespaced as
// "<session id>/<widget id>" inside the manager.
type session struct {
	id     string
	conn   *websocket.Conn
	send   chan serverMessage
	cancel context.CancelFunc

	mu      sync.Mutex
	widgets map[string]struct{}
}

func (s *session) qualify(widgetID string) string {
	return s.id + "/" + widgetID
}

// enqueue never blocks; messages for a slow client are dropped.
func (s *session) enqueue(msg serverMessage) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Hub manages WebSocket sessions and routes manager callbacks to the session
// that owns each widget.
type Hub struct {
	mgr   Subscriptions
	gauge SubscriptionGauge
	log   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	onStatus []func(domain.ConnectionStatus, bool)
}

// NewHub creates a Hub. gauge may be nil.
func NewHub(mgr Subscriptions, gauge SubscriptionGauge, log *slog.Logger) *Hub {
	return &Hub{
		mgr:      mgr,
		gauge:    gauge,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Install takes over the manager's callbacks. Each of onStatus is also
// called on every connection change.
func (h *Hub) Install(onStatus ...func(domain.ConnectionStatus, bool)) {
	h.mu.Lock()
	h.onStatus = append(h.onStatus, onStatus...)
	h.mu.Unlock()

	h.mgr.SetCallbacks(subscription.Callbacks{
		OnDataUpdate: func(id string, u domain.Update) {
			h.route(id, func(wid string) serverMessage {
				return serverMessage{Type: msgData, WidgetID: wid, Update: &u}
			})
		},
		OnError: func(id, msg string) {
			h.route(id, func(wid string) serverMessage {
				return serverMessage{Type: msgError, WidgetID: wid, Error: msg}
			})
		},
		OnConnectionChange: h.broadcastStatus,
		OnSubscriptionChange: func(id string, subscribed bool) {
			if h.gauge != nil {
				h.gauge.SetSubscriptions(len(h.mgr.Subscriptions()))
			}
			h.route(id, func(wid string) serverMessage {
				return serverMessage{Type: msgSubscription, WidgetID: wid, Subscribed: subscribed}
			})
		},
	})
}

// Len returns the number of open sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// route delivers a message built for the unqualified widget id to the session
// owning the qualified id. Ids that belong to no session are ignored.
func (h *Hub) route(qualified string, build func(widgetID string) serverMessage) {
	sid, wid, ok := strings.Cut(qualified, "/")
	if !ok {
		return
	}
	h.mu.Lock()
	s := h.sessions[sid]
	h.mu.Unlock()
	if s == nil {
		return
	}
	if !s.enqueue(build(wid)) {
		h.log.Warn("dropping message for slow session", "session", sid, "widget", wid)
	}
}

func (h *Hub) broadcastStatus(status domain.ConnectionStatus, simulated bool) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	listeners := slices.Clone(h.onStatus)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(status, simulated)
	}
	msg := serverMessage{Type: msgConnection, Status: status, Simulated: simulated}
	for _, s := range sessions {
		s.enqueue(msg)
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves the session until
// the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s := &session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan serverMessage, sendBuffer),
		cancel:  cancel,
		widgets: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.log.Info("session opened", "session", s.id, "remote", r.RemoteAddr)

	status, simulated := h.mgr.ConnectionStatus()
	s.enqueue(serverMessage{Type: msgConnection, Status: status, Simulated: simulated})

	go h.writeLoop(ctx, s)
	err = h.readLoop(ctx, s)
	h.close(s)

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
		conn.CloseNow()
	default:
		h.log.Warn("session read failed", "session", s.id, "error", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

func (h *Hub) readLoop(ctx context.Context, s *session) error {
	for {
		var msg clientMessage
		if err := wsjson.Read(ctx, s.conn, &msg); err != nil {
			return err
		}
		if err := h.dispatch(s, msg); err != nil {
			s.enqueue(serverMessage{Type: msgError, WidgetID: msg.WidgetID, Error: err.Error()})
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, s *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, s.conn, msg)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					h.log.Warn("session write failed", "session", s.id, "error", err)
				}
				s.cancel()
				return
			}
		}
	}
}

func (h *Hub) dispatch(s *session, msg clientMessage) error {
	if msg.WidgetID == "" {
		return fmt.Errorf("%s: missing widgetId", msg.Type)
	}
	id := s.qualify(msg.WidgetID)

	switch msg.Type {
	case msgSubscribe:
		interval := DefaultRefreshInterval
		if msg.RefreshInterval != 0 {
			interval = time.Duration(msg.RefreshInterval) * time.Millisecond
		}
		s.mu.Lock()
		_, had := s.widgets[id]
		s.widgets[id] = struct{}{}
		s.mu.Unlock()
		if err := h.mgr.Subscribe(id, msg.FeedType, msg.DataSource, interval); err != nil {
			// A rejected re-subscribe leaves the earlier subscription in
			// place, and the session must still release it on close.
			if !had {
				s.mu.Lock()
				delete(s.widgets, id)
				s.mu.Unlock()
			}
			// The manager already reported the error through OnError.
			return nil
		}
	case msgUnsubscribe:
		s.mu.Lock()
		delete(s.widgets, id)
		s.mu.Unlock()
		h.mgr.Unsubscribe(id)
	case msgPause:
		if !h.mgr.Pause(id) {
			return fmt.Errorf("pause: unknown widget %s", msg.WidgetID)
		}
	case msgResume:
		if !h.mgr.Resume(id) {
			return fmt.Errorf("resume: unknown widget %s", msg.WidgetID)
		}
	case msgRefresh:
		if !h.mgr.Refresh(id) {
			return fmt.Errorf("refresh: unknown widget %s", msg.WidgetID)
		}
	case msgInterval:
		if err := h.mgr.SetRefreshInterval(id, time.Duration(msg.RefreshInterval)*time.Millisecond); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

// close releases every widget the session subscribed.
func (h *Hub) close(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	s.mu.Lock()
	ids := make([]string, 0, len(s.widgets))
	for id := range s.widgets {
		ids = append(ids, id)
	}
	s.widgets = make(map[string]struct{})
	s.mu.Unlock()

	for _, id := range ids {
		h.mgr.Unsubscribe(id)
	}
	h.log.Info("session closed", "session", s.id, "widgets", len(ids))
}

// CloseAll ends every open session.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
}
