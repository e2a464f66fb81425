package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// AggregatorClient prices swaps against a 0x-style HTTP aggregator API.
type AggregatorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// AggregatorConfig configures the client.
type AggregatorConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewAggregatorClient constructs a quote client.
func NewAggregatorClient(cfg AggregatorConfig) *AggregatorClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &AggregatorClient{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type quoteResponse struct {
	To              string `json:"to"`
	Data            string `json:"data"`
	Value           string `json:"value"`
	AllowanceTarget string `json:"allowanceTarget"`
	BuyAmount       string `json:"buyAmount"`
}

type quoteError struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// SwapQuote requests a priced route. Aggregator "no liquidity" responses are
// normalised to ErrNoRoute so callers can escalate slippage without string
// matching provider payloads.
func (c *AggregatorClient) SwapQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("aggregator client not configured")
	}
	if req.SellAmount == nil || req.SellAmount.Sign() <= 0 {
		return nil, fmt.Errorf("sell amount must be positive")
	}

	query := url.Values{}
	query.Set("sellToken", strings.ToLower(req.SellToken.Hex()))
	query.Set("buyToken", strings.ToLower(req.BuyToken.Hex()))
	query.Set("sellAmount", req.SellAmount.String())
	query.Set("taker", strings.ToLower(req.Taker.Hex()))
	query.Set("slippageBps", strconv.Itoa(req.SlippageBps))

	endpoint := c.baseURL + "/swap/v1/quote?" + query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build quote request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("0x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("quote request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read quote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var qerr quoteError
		if json.Unmarshal(body, &qerr) == nil && isNoRoute(qerr) {
			return nil, ErrNoRoute
		}
		return nil, fmt.Errorf("quote request failed: status %d", resp.StatusCode)
	}

	var decoded quoteResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode quote response: %w", err)
	}
	return decoded.toQuote()
}

func isNoRoute(qerr quoteError) bool {
	code := strings.ToUpper(strings.TrimSpace(qerr.Code))
	if code == "NO_ROUTE" || code == "INSUFFICIENT_ASSET_LIQUIDITY" {
		return true
	}
	return strings.Contains(strings.ToLower(qerr.Reason), "no route")
}

func (r quoteResponse) toQuote() (*Quote, error) {
	if !common.IsHexAddress(r.To) {
		return nil, fmt.Errorf("quote target %q invalid", r.To)
	}
	data, err := hexutil.Decode(r.Data)
	if err != nil {
		return nil, fmt.Errorf("decode quote calldata: %w", err)
	}
	value := new(big.Int)
	if strings.TrimSpace(r.Value) != "" {
		parsed, ok := new(big.Int).SetString(r.Value, 10)
		if !ok {
			return nil, fmt.Errorf("quote value %q invalid", r.Value)
		}
		value = parsed
	}
	quote := &Quote{
		To:    common.HexToAddress(r.To),
		Data:  data,
		Value: value,
	}
	if common.IsHexAddress(r.AllowanceTarget) {
		quote.Spender = common.HexToAddress(r.AllowanceTarget)
	}
	if strings.TrimSpace(r.BuyAmount) != "" {
		if parsed, ok := new(big.Int).SetString(r.BuyAmount, 10); ok {
			quote.BuyAmount = parsed
		}
	}
	return quote, nil
}
