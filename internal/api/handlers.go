package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tradeboard/internal/domain"
)

// feedResponse uses the same envelope as the upstream feed API, so a
// gateway can itself serve as an HTTP feed source.
type feedResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stale     bool            `json:"stale"`
	FetchedAt *time.Time      `json:"fetchedAt,omitempty"`
	ExpiresAt *time.Time      `json:"expiresAt,omitempty"`
}

// subscriptionView is one row of GET /api/subscriptions.
type subscriptionView struct {
	WidgetID        string     `json:"widgetId"`
	FeedType        string     `json:"feedType"`
	DataSource      string     `json:"dataSource"`
	RefreshInterval int64      `json:"refreshInterval"`
	IsActive        bool       `json:"isActive"`
	RetryCount      int        `json:"retryCount"`
	LastFetchedAt   *time.Time `json:"lastFetchedAt,omitempty"`
	NextRefreshAt   *time.Time `json:"nextRefreshAt,omitempty"`
}

// handleGetFeed serves the cached value of a feed, stale or not. It never
// triggers a fetch.
func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	key := domain.NewKey(chi.URLParam(r, "feedType"), chi.URLParam(r, "dataSource"))

	e, ok := s.deps.Cache.Peek(key)
	if !ok || e.Data == nil {
		writeJSONStatus(w, http.StatusNotFound, feedResponse{Error: "no cached data for " + key.String()})
		return
	}
	writeJSON(w, feedResponse{
		Success:   true,
		Data:      e.Data,
		Error:     e.LastError,
		Stale:     e.LastError != "" || !e.FreshAt(time.Now()),
		FetchedAt: domain.Timestamp(e.FetchedAt),
		ExpiresAt: domain.Timestamp(e.ExpiresAt),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status, simulated := s.deps.Manager.ConnectionStatus()
	writeJSON(w, statusResponse{
		Connection:    status,
		Simulated:     simulated,
		Subscriptions: len(s.deps.Manager.Subscriptions()),
		CacheEntries:  s.deps.Cache.Len(),
		Sessions:      s.hub.Len(),
	})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, _ *http.Request) {
	subs := s.deps.Manager.Subscriptions()
	out := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionView{
			WidgetID:        sub.WidgetID,
			FeedType:        sub.Key.FeedType,
			DataSource:      sub.Key.DataSource,
			RefreshInterval: sub.RefreshInterval.Milliseconds(),
			IsActive:        sub.IsActive,
			RetryCount:      sub.RetryCount,
			LastFetchedAt:   sub.LastFetchedAt,
			NextRefreshAt:   sub.NextRefreshAt,
		})
	}
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}
