package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// CustodyClient submits batched calls through a custody provider's
// delegated-execution HTTP API and polls operations to confirmation.
type CustodyClient struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	pollInterval time.Duration
}

// CustodyConfig configures the client.
type CustodyConfig struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	PollInterval time.Duration
}

// NewCustodyClient constructs an execution client.
func NewCustodyClient(cfg CustodyConfig) *CustodyClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &CustodyClient{
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:       strings.TrimSpace(cfg.APIKey),
		httpClient:   &http.Client{Timeout: timeout},
		pollInterval: poll,
	}
}

type batchCallPayload struct {
	To    string `json:"to"`
	Data  string `json:"data"`
	Value string `json:"value"`
}

type submitResponse struct {
	OperationID string `json:"operationId"`
}

// operationResponse tolerates the provider's historical field names for the
// transaction identifier. Normalisation happens here and nowhere else; the
// rest of the engine only ever sees TxHash.
type operationResponse struct {
	Status          string `json:"status"`
	TxHash          string `json:"txHash"`
	TransactionHash string `json:"transactionHash"`
	Hash            string `json:"hash"`
	Error           string `json:"error"`
}

func (r operationResponse) txHash() string {
	for _, candidate := range []string{r.TxHash, r.TransactionHash, r.Hash} {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// SubmitBatch posts the calls as one delegated execution from the wallet.
func (c *CustodyClient) SubmitBatch(ctx context.Context, wallet common.Address, calls []Call) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", fmt.Errorf("custody client not configured")
	}
	if len(calls) == 0 {
		return "", fmt.Errorf("at least one call required")
	}
	payload := make([]batchCallPayload, 0, len(calls))
	for _, call := range calls {
		entry := batchCallPayload{
			To:    strings.ToLower(call.To.Hex()),
			Value: "0",
		}
		if len(call.Data) > 0 {
			entry.Data = hexutil.Encode(call.Data)
		}
		if call.Value != nil && call.Value.Sign() > 0 {
			entry.Value = call.Value.String()
		}
		payload = append(payload, entry)
	}
	body, err := json.Marshal(map[string]any{"calls": payload})
	if err != nil {
		return "", fmt.Errorf("encode batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/wallets/%s/batch", c.baseURL, strings.ToLower(wallet.Hex()))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit batch: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read batch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("submit batch failed: status %d", resp.StatusCode)
	}
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("decode batch response: %w", err)
	}
	opID := strings.TrimSpace(decoded.OperationID)
	if opID == "" {
		return "", fmt.Errorf("batch response missing operation id")
	}
	return opID, nil
}

// AwaitConfirmation polls the operation until it confirms, fails, or the
// timeout elapses. A timeout surfaces as ErrConfirmTimeout, which callers
// must treat as retryable after a fresh on-chain state check.
func (c *CustodyClient) AwaitConfirmation(ctx context.Context, operationID string, timeout time.Duration) (string, error) {
	if c == nil || c.httpClient == nil {
		return "", fmt.Errorf("custody client not configured")
	}
	trimmed := strings.TrimSpace(operationID)
	if trimmed == "" {
		return "", fmt.Errorf("operation id required")
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		op, err := c.fetchOperation(ctx, trimmed)
		if err != nil {
			return "", err
		}
		switch strings.ToLower(strings.TrimSpace(op.Status)) {
		case "confirmed", "success":
			hash := op.txHash()
			if hash == "" {
				return "", fmt.Errorf("operation %s confirmed without tx hash", trimmed)
			}
			return hash, nil
		case "failed", "reverted":
			reason := strings.TrimSpace(op.Error)
			if reason == "" {
				reason = "execution reverted"
			}
			return "", fmt.Errorf("operation %s failed: %s", trimmed, reason)
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("operation %s: %w", trimmed, ErrConfirmTimeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *CustodyClient) fetchOperation(ctx context.Context, operationID string) (*operationResponse, error) {
	endpoint := fmt.Sprintf("%s/v1/operations/%s", c.baseURL, operationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build operation request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch operation: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read operation response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch operation failed: status %d", resp.StatusCode)
	}
	var decoded operationResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode operation response: %w", err)
	}
	return &decoded, nil
}
