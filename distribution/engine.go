// Package distribution splits a user's distributable credit across the five
// satellite wallets and records the move against the credit ledger once the
// on-chain transfer has confirmed.
package distribution

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
	"clawdbump/ledger"
	"clawdbump/models"
	"clawdbump/observability"
)

var (
	// ErrNoCreditAvailable indicates the user has nothing distributable:
	// either no ledger credit or nothing actually held on-chain.
	ErrNoCreditAvailable = errors.New("distribution: no credit available")
	// ErrIncompleteWalletSet indicates the user does not have exactly five
	// satellite wallets provisioned.
	ErrIncompleteWalletSet = errors.New("distribution: satellite wallet set incomplete")
)

// Share is one satellite's slice of a distribution.
type Share struct {
	Satellite common.Address
	AmountWei *big.Int
	Native    bool
}

// Result summarises a completed distribution.
type Result struct {
	TxHash   string
	TotalWei *big.Int
	Shares   []Share
}

// Engine performs main-to-satellite distributions.
type Engine struct {
	db             *gorm.DB
	ledger         *ledger.Ledger
	oracle         chain.BalanceOracle
	exec           chain.ExecutionService
	wrapped        common.Address
	confirmTimeout time.Duration
	metrics        *observability.BumpdMetrics
	log            *slog.Logger
	now            func() time.Time
}

// Config bundles engine construction parameters.
type Config struct {
	DB             *gorm.DB
	Ledger         *ledger.Ledger
	Oracle         chain.BalanceOracle
	Exec           chain.ExecutionService
	WrappedAsset   common.Address
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Clock          func() time.Time
}

// NewEngine constructs a distribution engine.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		db:             cfg.DB,
		ledger:         cfg.Ledger,
		oracle:         cfg.Oracle,
		exec:           cfg.Exec,
		wrapped:        cfg.WrappedAsset,
		confirmTimeout: cfg.ConfirmTimeout,
		metrics:        observability.Bumpd(),
		log:            cfg.Logger,
		now:            cfg.Clock,
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

// SplitShares divides amount into five shares: floor(amount/5) each, with the
// remainder added to the first wallet so the shares sum to exactly amount.
func SplitShares(amount *big.Int) []*big.Int {
	count := big.NewInt(models.SatelliteCount)
	base := new(big.Int).Quo(amount, count)
	shares := make([]*big.Int, models.SatelliteCount)
	used := new(big.Int).Mul(base, big.NewInt(models.SatelliteCount-1))
	shares[0] = new(big.Int).Sub(amount, used)
	for i := 1; i < models.SatelliteCount; i++ {
		shares[i] = new(big.Int).Set(base)
	}
	return shares
}

// Distribute moves the user's distributable credit from the main wallet into
// the five satellite wallets. Distribution is capped at what the main wallet
// actually holds on-chain. When preferNative is false and the on-chain
// wrapped balance cannot cover the amount, the shortfall of native asset is
// converted first; conversion and distribution are two sequential,
// independently confirmed operations. The ledger mutates only after the
// distribution transfer confirmed.
func (e *Engine) Distribute(ctx context.Context, user string, preferNative bool) (*Result, error) {
	mainWallet := common.HexToAddress(user)

	credit, err := e.ledger.MainCredit(ctx, user)
	if err != nil {
		return nil, err
	}
	native, err := e.oracle.NativeBalance(ctx, mainWallet)
	if err != nil {
		return nil, err
	}
	wrapped, err := e.oracle.WrappedBalance(ctx, mainWallet)
	if err != nil {
		return nil, err
	}
	onChain := new(big.Int).Add(native, wrapped)

	amount := new(big.Int).Set(credit)
	if onChain.Cmp(amount) < 0 {
		amount.Set(onChain)
	}
	if amount.Sign() <= 0 {
		return nil, ErrNoCreditAvailable
	}

	wallets, err := models.SatelliteWalletsFor(e.db.WithContext(ctx), user)
	if err != nil {
		return nil, err
	}
	if len(wallets) != models.SatelliteCount {
		return nil, fmt.Errorf("%w: have %d wallets, want %d", ErrIncompleteWalletSet, len(wallets), models.SatelliteCount)
	}

	useNative := preferNative && native.Cmp(amount) >= 0
	if !useNative {
		if err := e.ensureWrapped(ctx, user, mainWallet, amount, wrapped); err != nil {
			return nil, err
		}
	}

	shares := SplitShares(amount)
	calls := make([]chain.Call, 0, models.SatelliteCount)
	result := &Result{TotalWei: amount, Shares: make([]Share, 0, models.SatelliteCount)}
	legs := make([]ledger.DistributionLeg, 0, models.SatelliteCount)
	for i, wallet := range wallets {
		target := common.HexToAddress(wallet.Address)
		share := shares[i]
		leg := ledger.DistributionLeg{Satellite: wallet.Address}
		if useNative {
			calls = append(calls, chain.Call{To: target, Value: share})
			leg.NativeWei = share
		} else {
			data, packErr := chain.PackTransfer(target, share)
			if packErr != nil {
				return nil, packErr
			}
			calls = append(calls, chain.Call{To: e.wrapped, Data: data, Value: new(big.Int)})
			leg.WrappedWei = share
		}
		legs = append(legs, leg)
		result.Shares = append(result.Shares, Share{Satellite: target, AmountWei: share, Native: useNative})
	}

	operationID, err := e.exec.SubmitBatch(ctx, mainWallet, calls)
	if err != nil {
		return nil, fmt.Errorf("submit distribution: %w", err)
	}
	txHash, err := e.exec.AwaitConfirmation(ctx, operationID, e.confirmTimeout)
	if err != nil {
		return nil, fmt.Errorf("confirm distribution: %w", err)
	}
	result.TxHash = txHash

	if err := e.ledger.RecordDistribution(ctx, user, legs, txHash); err != nil {
		// The transfer confirmed but the ledger did not move: on-chain
		// and database views now disagree until reconciliation.
		e.log.Error("distribution recorded on-chain but ledger write failed",
			"user", user, "tx", txHash, "error", err.Error())
		return nil, fmt.Errorf("record distribution (tx %s confirmed): %w", txHash, err)
	}

	e.metrics.DistributionTotal.Inc()
	e.log.Info("distribution complete", "user", user,
		"total_wei", amount.String(), "native", useNative, "tx", txHash)
	return result, nil
}

// ensureWrapped converts exactly the native shortfall into wrapped asset and
// waits for confirmation before distribution proceeds.
func (e *Engine) ensureWrapped(ctx context.Context, user string, mainWallet common.Address, amount, wrapped *big.Int) error {
	if wrapped.Cmp(amount) >= 0 {
		return nil
	}
	shortfall := new(big.Int).Sub(amount, wrapped)
	data, err := chain.PackDeposit()
	if err != nil {
		return err
	}
	operationID, err := e.exec.SubmitBatch(ctx, mainWallet, []chain.Call{{
		To:    e.wrapped,
		Data:  data,
		Value: shortfall,
	}})
	if err != nil {
		return fmt.Errorf("submit conversion: %w", err)
	}
	txHash, err := e.exec.AwaitConfirmation(ctx, operationID, e.confirmTimeout)
	if err != nil {
		return fmt.Errorf("confirm conversion: %w", err)
	}
	e.metrics.ConversionTotal.Inc()
	entry := models.BumpLog{
		UserAddress: user,
		Action:      models.ActionConversion,
		Status:      models.StatusSuccess,
		Message:     "converted native shortfall before distribution",
		AmountWei:   models.FormatWei(shortfall),
		TxHash:      txHash,
		CreatedAt:   e.now(),
	}
	if err := models.AppendLog(e.db, entry); err != nil {
		e.log.Error("audit log write failed", "error", err.Error())
	}
	return nil
}
