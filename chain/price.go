package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HTTPPriceFeed fetches the wrapped asset's USD price from a CoinGecko-style
// simple-price endpoint, caching the result briefly so a depletion scan does
// not hammer the source.
type HTTPPriceFeed struct {
	baseURL    string
	assetID    string
	httpClient *http.Client
	cacheTTL   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	cached    float64
	fetchedAt time.Time
}

// PriceFeedConfig configures the feed.
type PriceFeedConfig struct {
	BaseURL  string
	AssetID  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// NewHTTPPriceFeed constructs a price feed client.
func NewHTTPPriceFeed(cfg PriceFeedConfig) *HTTPPriceFeed {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &HTTPPriceFeed{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		assetID:    strings.TrimSpace(cfg.AssetID),
		httpClient: &http.Client{Timeout: timeout},
		cacheTTL:   ttl,
		now:        time.Now,
	}
}

// AssetUSDPrice returns the cached price when fresh, otherwise fetching.
func (f *HTTPPriceFeed) AssetUSDPrice(ctx context.Context) (float64, error) {
	if f == nil || f.httpClient == nil {
		return 0, fmt.Errorf("price feed not configured")
	}
	f.mu.Lock()
	if f.cached > 0 && f.now().Sub(f.fetchedAt) < f.cacheTTL {
		price := f.cached
		f.mu.Unlock()
		return price, nil
	}
	f.mu.Unlock()

	price, err := f.fetch(ctx)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	f.cached = price
	f.fetchedAt = f.now()
	f.mu.Unlock()
	return price, nil
}

func (f *HTTPPriceFeed) fetch(ctx context.Context) (float64, error) {
	query := url.Values{}
	query.Set("ids", f.assetID)
	query.Set("vs_currencies", "usd")
	endpoint := f.baseURL + "/api/v3/simple/price?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("price request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return 0, fmt.Errorf("read price response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price request failed: status %d", resp.StatusCode)
	}
	var decoded map[string]map[string]float64
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	price := decoded[f.assetID]["usd"]
	if price <= 0 {
		return 0, fmt.Errorf("price feed returned no usd price for %s", f.assetID)
	}
	return price, nil
}
