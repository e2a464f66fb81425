package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// FuncOracle adapts callback functions to the BalanceOracle interface.
type FuncOracle struct {
	NativeFunc    func(ctx context.Context, addr common.Address) (*big.Int, error)
	WrappedFunc   func(ctx context.Context, addr common.Address) (*big.Int, error)
	AllowanceFunc func(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// NativeBalance delegates to the configured callback.
func (o FuncOracle) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if o.NativeFunc == nil {
		return new(big.Int), nil
	}
	return o.NativeFunc(ctx, addr)
}

// WrappedBalance delegates to the configured callback.
func (o FuncOracle) WrappedBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	if o.WrappedFunc == nil {
		return new(big.Int), nil
	}
	return o.WrappedFunc(ctx, addr)
}

// Allowance delegates to the configured callback.
func (o FuncOracle) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	if o.AllowanceFunc == nil {
		return new(big.Int), nil
	}
	return o.AllowanceFunc(ctx, owner, spender)
}

// FuncQuotes adapts a callback to the QuoteService interface.
type FuncQuotes struct {
	QuoteFunc func(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// SwapQuote delegates to the configured callback.
func (q FuncQuotes) SwapQuote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if q.QuoteFunc == nil {
		return nil, ErrNoRoute
	}
	return q.QuoteFunc(ctx, req)
}

// FuncExecutor adapts callbacks to the ExecutionService interface.
type FuncExecutor struct {
	SubmitFunc func(ctx context.Context, wallet common.Address, calls []Call) (string, error)
	AwaitFunc  func(ctx context.Context, operationID string, timeout time.Duration) (string, error)
}

// SubmitBatch delegates to the configured callback.
func (e FuncExecutor) SubmitBatch(ctx context.Context, wallet common.Address, calls []Call) (string, error) {
	if e.SubmitFunc == nil {
		return "", fmt.Errorf("execution service not configured")
	}
	return e.SubmitFunc(ctx, wallet, calls)
}

// AwaitConfirmation delegates to the configured callback.
func (e FuncExecutor) AwaitConfirmation(ctx context.Context, operationID string, timeout time.Duration) (string, error) {
	if e.AwaitFunc == nil {
		return "", fmt.Errorf("execution service not configured")
	}
	return e.AwaitFunc(ctx, operationID, timeout)
}

// FuncPrice adapts a callback to the PriceFeed interface.
type FuncPrice struct {
	PriceFunc func(ctx context.Context) (float64, error)
}

// AssetUSDPrice delegates to the configured callback.
func (p FuncPrice) AssetUSDPrice(ctx context.Context) (float64, error) {
	if p.PriceFunc == nil {
		return 0, fmt.Errorf("price feed not configured")
	}
	return p.PriceFunc(ctx)
}
