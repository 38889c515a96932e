package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"tradeboard/internal/domain"
)

// Feed types served by AlpacaSource. The data source is the ticker symbol.
const (
	FeedLatestTrade = "latest-trade"
	FeedLatestQuote = "latest-quote"
	FeedLatestBar   = "latest-bar"
	FeedSnapshot    = "snapshot"
)

// AlpacaFeedTypes lists the feed types AlpacaSource understands.
var AlpacaFeedTypes = []string{FeedLatestTrade, FeedLatestQuote, FeedLatestBar, FeedSnapshot}

// MarketData is the subset of the Alpaca market-data client used here.
type MarketData interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
	GetLatestBar(symbol string, req marketdata.GetLatestBarRequest) (*marketdata.Bar, error)
	GetSnapshot(symbol string, req marketdata.GetSnapshotRequest) (*marketdata.Snapshot, error)
}

var (
	_ MarketData = (*marketdata.Client)(nil)
	_ Source     = (*AlpacaSource)(nil)
)

// AlpacaSource serves US equity feeds straight from Alpaca.
type AlpacaSource struct {
	client MarketData
}

// NewAlpacaSource creates an AlpacaSource backed by a real market-data client.
func NewAlpacaSource(apiKey, apiSecret, dataURL string) *AlpacaSource {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaSource{client: marketdata.NewClient(opts)}
}

// NewAlpacaSourceWith wraps an existing client.
func NewAlpacaSourceWith(client MarketData) *AlpacaSource {
	return &AlpacaSource{client: client}
}

// Fetch implements Source.
func (a *AlpacaSource) Fetch(ctx context.Context, key domain.Key) (json.RawMessage, error) {
	symbol := strings.ToUpper(key.DataSource)
	if symbol == "" || symbol == strings.ToUpper(domain.DefaultDataSource) {
		return nil, fmt.Errorf("%w: %s needs a symbol as data source", ErrServer, key.FeedType)
	}

	var call func() (any, error)
	switch key.FeedType {
	case FeedLatestTrade:
		call = func() (any, error) { return a.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}) }
	case FeedLatestQuote:
		call = func() (any, error) { return a.client.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{}) }
	case FeedLatestBar:
		call = func() (any, error) { return a.client.GetLatestBar(symbol, marketdata.GetLatestBarRequest{}) }
	case FeedSnapshot:
		call = func() (any, error) { return a.client.GetSnapshot(symbol, marketdata.GetSnapshotRequest{}) }
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, key.FeedType)
	}

	// The SDK takes no context; run the call aside so cancellation still
	// releases the caller.
	type result struct {
		v   any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := call()
		ch <- result{v, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: alpaca %s %s: %v", ErrTransient, key.FeedType, symbol, ctx.Err())
	case r = <-ch:
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: alpaca %s %s: %v", ErrTransient, key.FeedType, symbol, r.err)
	}
	if isNil(r.v) {
		return nil, fmt.Errorf("%w: alpaca %s %s: no data", ErrServer, key.FeedType, symbol)
	}

	data, err := json.Marshal(r.v)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding alpaca %s: %v", ErrMalformed, key.FeedType, err)
	}
	return data, nil
}

func isNil(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case *marketdata.Trade:
		return t == nil
	case *marketdata.Quote:
		return t == nil
	case *marketdata.Bar:
		return t == nil
	case *marketdata.Snapshot:
		return t == nil
	}
	return false
}
