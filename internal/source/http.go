package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"golang.org/x/time/rate"

	"tradeboard/internal/domain"
)

// Compile-time interface check.
var _ Source = (*HTTPSource)(nil)

// StatusClass buckets an HTTP status code for error classification.
type StatusClass int

const (
	StatusOK StatusClass = iota
	StatusTransient
	StatusServer
)

// ClassifyHTTPStatus maps a response status to a StatusClass: 2xx is OK,
// 408/429/5xx are transient, everything else is a server failure.
func ClassifyHTTPStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return StatusOK
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return StatusTransient
	default:
		return StatusServer
	}
}

// HTTPSource fetches feeds with GET {baseURL}/feeds/{feedType}/{dataSource}
// and unwraps the JSON envelope.
type HTTPSource struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPSource creates an HTTPSource. Outbound requests are throttled to rps
// requests per second with the given burst; rps <= 0 disables throttling.
func NewHTTPSource(baseURL string, client *http.Client, rps float64, burst int) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
	}
}

// Endpoint returns the request URL for key.
func (s *HTTPSource) Endpoint(key domain.Key) string {
	return s.baseURL + "/feeds/" + url.PathEscape(key.FeedType) + "/" + url.PathEscape(key.DataSource)
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for rate limiter: %v", ErrTransient, err)
	}

	endpoint := s.Endpoint(key)
	var env Envelope
	var status int

	err := requests.URL(endpoint).
		Client(s.client).
		Accept("application/json").
		AddValidator(nil).
		Handle(func(res *http.Response) error {
			status = res.StatusCode
			switch ClassifyHTTPStatus(res.StatusCode) {
			case StatusTransient:
				return fmt.Errorf("%w: GET %s: status %d", ErrTransient, endpoint, res.StatusCode)
			case StatusServer:
				return fmt.Errorf("%w: GET %s: status %d", ErrServer, endpoint, res.StatusCode)
			}
			if err := requests.ToJSON(&env)(res); err != nil {
				return fmt.Errorf("%w: decoding %s: %v", ErrMalformed, endpoint, err)
			}
			return nil
		}).
		Fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrTransient) || errors.Is(err, ErrServer) || errors.Is(err, ErrMalformed) {
			return nil, err
		}
		// Transport level: refused, reset, DNS, timeout or cancellation.
		return nil, fmt.Errorf("%w: GET %s: %v", ErrTransient, endpoint, err)
	}

	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request unsuccessful"
		}
		return nil, fmt.Errorf("%w: GET %s (status %d): %s", ErrServer, endpoint, status, msg)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: GET %s: success envelope without data", ErrMalformed, endpoint)
	}

	return env.Data, nil
}
