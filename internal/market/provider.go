package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRateLimited reports a provider 429. Retried like any other
// transient failure.
var ErrRateLimited = errors.New("price provider rate limited")

// Provider is the contract the pipeline consumes for price data.
// Implementations must return bars with monotonically non-decreasing
// timestamps.
type Provider interface {
	GetBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, time.Time, error)
}

// RetryPolicy holds the provider retry knobs.
type RetryPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy matches the provider contract: base 2s, cap 30s,
// three retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 2 * time.Second, Cap: 30 * time.Second, MaxRetries: 3}
}

// RetryingProvider wraps a Provider with exponential backoff. After
// exhaustion every error surfaces as ErrDataSourceUnavailable so
// callers can treat the source as down for this tick.
type RetryingProvider struct {
	inner  Provider
	policy RetryPolicy
}

// NewRetryingProvider wraps inner with the given policy.
func NewRetryingProvider(inner Provider, policy RetryPolicy) *RetryingProvider {
	if policy.Base == 0 {
		policy = DefaultRetryPolicy()
	}
	return &RetryingProvider{inner: inner, policy: policy}
}

func (p *RetryingProvider) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.policy.Base
	bo.MaxInterval = p.policy.Cap
	bo.MaxElapsedTime = 0
	var b backoff.BackOff = backoff.WithMaxRetries(bo, uint64(p.policy.MaxRetries))
	return backoff.WithContext(b, ctx)
}

// GetBars fetches bars with retry.
func (p *RetryingProvider) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error) {
	var bars []Bar
	op := func() error {
		var err error
		bars, err = p.inner.GetBars(ctx, symbol, timeframe, count)
		return err
	}
	if err := backoff.Retry(op, p.newBackoff(ctx)); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: get_bars %s/%s: %v", ErrDataSourceUnavailable, symbol, timeframe, err)
	}
	return bars, nil
}

// GetCurrentPrice fetches the latest price with retry.
func (p *RetryingProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	var (
		price float64
		ts    time.Time
	)
	op := func() error {
		var err error
		price, ts, err = p.inner.GetCurrentPrice(ctx, symbol)
		return err
	}
	if err := backoff.Retry(op, p.newBackoff(ctx)); err != nil {
		if ctx.Err() != nil {
			return 0, time.Time{}, ctx.Err()
		}
		return 0, time.Time{}, fmt.Errorf("%w: get_current_price %s: %v", ErrDataSourceUnavailable, symbol, err)
	}
	return price, ts, nil
}

// ============================================================================
// HTTP PROVIDER
// ============================================================================

// HTTPProvider is a thin JSON client for a bar/price endpoint. The
// upstream adapter behind the endpoint is outside this system; only the
// wire shape below is assumed.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider against baseURL.
func NewHTTPProvider(baseURL string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type priceResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"` // unix milliseconds
}

// GetBars fetches up to count bars for symbol/timeframe.
func (p *HTTPProvider) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]Bar, error) {
	url := fmt.Sprintf("%s/bars?symbol=%s&timeframe=%s&count=%d", p.baseURL, symbol, timeframe, count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bars request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, err
	}

	var bars []Bar
	if err := json.NewDecoder(resp.Body).Decode(&bars); err != nil {
		return nil, fmt.Errorf("decode bars: %w", err)
	}
	for i := range bars {
		bars[i].Symbol = symbol
		bars[i].Timeframe = timeframe
	}
	return bars, nil
}

// GetCurrentPrice fetches the latest price for symbol.
func (p *HTTPProvider) GetCurrentPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	url := fmt.Sprintf("%s/price?symbol=%s", p.baseURL, symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, time.Time{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("price request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return 0, time.Time{}, err
	}

	var pr priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return 0, time.Time{}, fmt.Errorf("decode price: %w", err)
	}
	return pr.Price, time.UnixMilli(pr.Ts), nil
}

func statusError(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return fmt.Errorf("provider returned status %d", code)
	}
}
