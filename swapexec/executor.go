// Package swapexec drives a single bump trade: quote with slippage
// escalation, spend authorisation when required, and one batched delegated
// execution. It never advances rotation state; that stays with the caller.
package swapexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"clawdbump/chain"
	"clawdbump/models"
	"clawdbump/observability"
)

// ErrNoRouteFound indicates the aggregator could not price the trade at
// either slippage tolerance. Two attempts maximum, no further retries.
var ErrNoRouteFound = errors.New("swapexec: no route found")

// NativeAssetAddress is the aggregator pseudo-address for the chain's native
// asset.
var NativeAssetAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// SellPath selects how the sell side of a bump settles. Modelled as a tagged
// union rather than a boolean so branching stays exhaustive.
type SellPath int

const (
	// SellWrapped sells the wrapped asset: zero-value, data-only call that
	// requires a spend authorisation for the quote's designated spender.
	SellWrapped SellPath = iota
	// SellNative sells the native asset: a value-bearing call with no
	// authorisation step.
	SellNative
)

// String renders the path for logs.
func (p SellPath) String() string {
	switch p {
	case SellWrapped:
		return "wrapped"
	case SellNative:
		return "native"
	}
	return fmt.Sprintf("SellPath(%d)", int(p))
}

// Trade describes one bump to execute.
type Trade struct {
	User      string
	Wallet    common.Address
	Token     common.Address
	AmountWei *big.Int
	Path      SellPath
}

// Executor performs bump trades.
type Executor struct {
	db             *gorm.DB
	oracle         chain.BalanceOracle
	quotes         chain.QuoteService
	exec           chain.ExecutionService
	wrapped        common.Address
	slippageBps    int
	escalatedBps   int
	confirmTimeout time.Duration
	metrics        *observability.BumpdMetrics
	log            *slog.Logger
	now            func() time.Time
}

// Config bundles executor construction parameters.
type Config struct {
	DB                   *gorm.DB
	Oracle               chain.BalanceOracle
	Quotes               chain.QuoteService
	Exec                 chain.ExecutionService
	WrappedAsset         common.Address
	SlippageBps          int
	EscalatedSlippageBps int
	ConfirmTimeout       time.Duration
	Logger               *slog.Logger
	Clock                func() time.Time
}

// NewExecutor constructs a swap executor.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		db:             cfg.DB,
		oracle:         cfg.Oracle,
		quotes:         cfg.Quotes,
		exec:           cfg.Exec,
		wrapped:        cfg.WrappedAsset,
		slippageBps:    cfg.SlippageBps,
		escalatedBps:   cfg.EscalatedSlippageBps,
		confirmTimeout: cfg.ConfirmTimeout,
		metrics:        observability.Bumpd(),
		log:            cfg.Logger,
		now:            cfg.Clock,
	}
	if e.slippageBps <= 0 {
		e.slippageBps = 500
	}
	if e.escalatedBps <= 0 {
		e.escalatedBps = 1000
	}
	if e.confirmTimeout <= 0 {
		e.confirmTimeout = 90 * time.Second
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Execute runs the trade through quote, authorisation, and submission. On
// success the confirmed transaction hash is returned and a success audit
// entry written; on any failure a failed audit entry is written and the
// error propagated without touching rotation state.
func (e *Executor) Execute(ctx context.Context, trade Trade) (string, error) {
	if trade.AmountWei == nil || trade.AmountWei.Sign() <= 0 {
		return "", fmt.Errorf("trade amount must be positive")
	}
	start := e.now()

	txHash, err := e.run(ctx, trade)
	if err != nil {
		e.audit(trade, models.StatusFailed, err.Error(), "")
		return "", err
	}

	e.metrics.ObserveSwapLatency(e.now().Sub(start))
	e.audit(trade, models.StatusSuccess, "bump executed", txHash)
	e.log.Info("bump executed", "user", trade.User, "wallet", trade.Wallet.Hex(),
		"amount_wei", trade.AmountWei.String(), "path", trade.Path.String(), "tx", txHash)
	return txHash, nil
}

func (e *Executor) run(ctx context.Context, trade Trade) (string, error) {
	quote, err := e.quoteWithEscalation(ctx, trade)
	if err != nil {
		return "", err
	}

	calls := make([]chain.Call, 0, 2)
	switch trade.Path {
	case SellWrapped:
		approval, err := e.approvalCall(ctx, trade, quote)
		if err != nil {
			return "", err
		}
		if approval != nil {
			calls = append(calls, *approval)
		}
	case SellNative:
		// Value rides on the swap call itself; nothing to authorise.
	default:
		return "", fmt.Errorf("unknown sell path %d", int(trade.Path))
	}
	calls = append(calls, chain.Call{To: quote.To, Data: quote.Data, Value: quote.Value})

	operationID, err := e.exec.SubmitBatch(ctx, trade.Wallet, calls)
	if err != nil {
		return "", fmt.Errorf("submit swap: %w", err)
	}
	txHash, err := e.exec.AwaitConfirmation(ctx, operationID, e.confirmTimeout)
	if err != nil {
		return "", fmt.Errorf("confirm swap: %w", err)
	}
	return txHash, nil
}

// quoteWithEscalation asks the aggregator at the base tolerance, retrying
// exactly once at the escalated tolerance when no route is found.
func (e *Executor) quoteWithEscalation(ctx context.Context, trade Trade) (*chain.Quote, error) {
	req := chain.QuoteRequest{
		SellToken:   e.sellToken(trade.Path),
		BuyToken:    trade.Token,
		SellAmount:  trade.AmountWei,
		Taker:       trade.Wallet,
		SlippageBps: e.slippageBps,
	}
	quote, err := e.quotes.SwapQuote(ctx, req)
	if err == nil {
		e.metrics.QuoteRequests.WithLabelValues("ok").Inc()
		return quote, nil
	}
	if !errors.Is(err, chain.ErrNoRoute) {
		e.metrics.QuoteRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("quote at %dbps: %w", e.slippageBps, err)
	}
	e.metrics.QuoteRequests.WithLabelValues("no_route").Inc()
	e.log.Warn("no route at base slippage, escalating",
		"user", trade.User, "slippage_bps", e.escalatedBps)

	req.SlippageBps = e.escalatedBps
	quote, err = e.quotes.SwapQuote(ctx, req)
	if err == nil {
		e.metrics.QuoteRequests.WithLabelValues("ok").Inc()
		return quote, nil
	}
	if errors.Is(err, chain.ErrNoRoute) {
		e.metrics.QuoteRequests.WithLabelValues("no_route").Inc()
		return nil, ErrNoRouteFound
	}
	e.metrics.QuoteRequests.WithLabelValues("error").Inc()
	return nil, fmt.Errorf("quote at %dbps: %w", e.escalatedBps, err)
}

// approvalCall returns a max-allowance approve call when the current
// allowance to the quote's spender cannot cover the trade, nil otherwise.
func (e *Executor) approvalCall(ctx context.Context, trade Trade, quote *chain.Quote) (*chain.Call, error) {
	if quote.Spender == (common.Address{}) {
		return nil, nil
	}
	allowance, err := e.oracle.Allowance(ctx, trade.Wallet, quote.Spender)
	if err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	if allowance.Cmp(trade.AmountWei) >= 0 {
		return nil, nil
	}
	data, err := chain.PackApprove(quote.Spender, chain.MaxApproval)
	if err != nil {
		return nil, err
	}
	return &chain.Call{To: e.wrapped, Data: data, Value: new(big.Int)}, nil
}

func (e *Executor) sellToken(path SellPath) common.Address {
	if path == SellNative {
		return NativeAssetAddress
	}
	return e.wrapped
}

func (e *Executor) audit(trade Trade, status, message, txHash string) {
	entry := models.BumpLog{
		UserAddress:      trade.User,
		SatelliteAddress: trade.Wallet.Hex(),
		Action:           models.ActionSwap,
		Status:           status,
		Message:          message,
		AmountWei:        models.FormatWei(trade.AmountWei),
		TxHash:           txHash,
		CreatedAt:        e.now(),
	}
	if err := models.AppendLog(e.db, entry); err != nil {
		e.log.Error("audit log write failed", "error", err.Error())
	}
}
