// Package chain defines the collaborator interfaces the bump engine depends
// on (balance reads, swap quotes, delegated execution, pricing) and their
// production adapters. Business logic packages only see these interfaces.
package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrNoRoute indicates the aggregator could not price the requested trade.
	ErrNoRoute = errors.New("chain: no swap route found")
	// ErrConfirmTimeout indicates an operation did not confirm within the
	// deadline. The underlying transaction may still land; callers must
	// re-check on-chain state before treating the operation as failed.
	ErrConfirmTimeout = errors.New("chain: confirmation timed out")
)

// Call is one entry of a batched delegated execution.
type Call struct {
	To    common.Address
	Data  []byte
	Value *big.Int
}

// BalanceOracle reads on-chain balances. Pure reads, no side effects.
type BalanceOracle interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	WrappedBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
}

// QuoteRequest describes one aggregator quote lookup.
type QuoteRequest struct {
	SellToken   common.Address
	BuyToken    common.Address
	SellAmount  *big.Int
	Taker       common.Address
	SlippageBps int
}

// Quote is the aggregator's priced route. Spender is the contract that must
// be approved before the swap call can pull the sell asset.
type Quote struct {
	To        common.Address
	Data      []byte
	Value     *big.Int
	Spender   common.Address
	BuyAmount *big.Int
}

// QuoteService prices swaps. A missing route is reported as ErrNoRoute.
type QuoteService interface {
	SwapQuote(ctx context.Context, req QuoteRequest) (*Quote, error)
}

// ExecutionService submits batched calls through a wallet's delegated
// execution path. Wallets are identified by their on-chain address; the
// custody provider resolves each wallet's own delegated signer.
type ExecutionService interface {
	SubmitBatch(ctx context.Context, wallet common.Address, calls []Call) (string, error)
	AwaitConfirmation(ctx context.Context, operationID string, timeout time.Duration) (string, error)
}

// PriceFeed reports the wrapped asset's USD price.
type PriceFeed interface {
	AssetUSDPrice(ctx context.Context) (float64, error)
}
