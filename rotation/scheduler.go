// Package rotation decides, once per interval, whether the session's current
// satellite wallet can execute a bump, rotating to the next wallet on
// insufficiency and stopping the session only when all five are depleted.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clawdbump/chain"
	"clawdbump/ledger"
	"clawdbump/models"
	"clawdbump/observability"
	"clawdbump/session"
	"clawdbump/swapexec"
)

// ErrWalletNotFound indicates the rotation index does not resolve to a
// provisioned satellite wallet. Fatal to the tick.
var ErrWalletNotFound = errors.New("rotation: wallet not found")

// Outcome classifies a tick result.
type Outcome string

const (
	// OutcomeSuccess means a bump was executed and rotation advanced.
	OutcomeSuccess Outcome = "success"
	// OutcomeSkipped means the tick did not trade. When rotation advanced
	// the current wallet was depleted; when it did not, the swap itself
	// failed and the same wallet will be retried next tick.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeAllDepleted means every satellite is below the bump threshold
	// and the session was stopped by this tick.
	OutcomeAllDepleted Outcome = "all_depleted"
	// OutcomeStopped means the session was not running when the tick fired.
	OutcomeStopped Outcome = "stopped"
)

// TickResult is the structured response of one tick.
type TickResult struct {
	Outcome     Outcome
	SessionID   uuid.UUID
	WalletIndex int
	NextIndex   int
	RequiredWei *big.Int
	TxHash      string
	Reason      string
}

// Scheduler drives per-tick wallet selection and depletion handling.
type Scheduler struct {
	db             *gorm.DB
	ledger         *ledger.Ledger
	oracle         chain.BalanceOracle
	price          chain.PriceFeed
	exec           chain.ExecutionService
	swapper        *swapexec.Executor
	sessions       *session.Manager
	wrapped        common.Address
	confirmTimeout time.Duration
	metrics        *observability.BumpdMetrics
	log            *slog.Logger
	now            func() time.Time
}

// Config bundles scheduler construction parameters.
type Config struct {
	DB             *gorm.DB
	Ledger         *ledger.Ledger
	Oracle         chain.BalanceOracle
	Price          chain.PriceFeed
	Exec           chain.ExecutionService
	Swapper        *swapexec.Executor
	Sessions       *session.Manager
	WrappedAsset   common.Address
	ConfirmTimeout time.Duration
	Logger         *slog.Logger
	Clock          func() time.Time
}

// NewScheduler constructs a rotation scheduler.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		db:             cfg.DB,
		ledger:         cfg.Ledger,
		oracle:         cfg.Oracle,
		price:          cfg.Price,
		exec:           cfg.Exec,
		swapper:        cfg.Swapper,
		sessions:       cfg.Sessions,
		wrapped:        cfg.WrappedAsset,
		confirmTimeout: cfg.ConfirmTimeout,
		metrics:        observability.Bumpd(),
		log:            cfg.Logger,
		now:            cfg.Clock,
	}
	if s.confirmTimeout <= 0 {
		s.confirmTimeout = 90 * time.Second
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RequiredWei converts the USD bump amount into asset units at the current
// price, floored at one unit so a dust-priced bump never becomes a zero
// amount swap.
func RequiredWei(amountUSD, price float64) (*big.Int, error) {
	if price <= 0 {
		return nil, fmt.Errorf("asset price must be positive, got %v", price)
	}
	if amountUSD <= 0 {
		return nil, fmt.Errorf("bump amount must be positive, got %v", amountUSD)
	}
	value := new(big.Float).Quo(big.NewFloat(amountUSD), big.NewFloat(price))
	value.Mul(value, big.NewFloat(1e18))
	wei, _ := value.Int(nil)
	if wei.Sign() <= 0 {
		wei = big.NewInt(1)
	}
	return wei, nil
}

// Tick evaluates one scheduled bump for the session at the given rotation
// index. All failures inside the tick are converted into audit entries and a
// structured result; the session is never left in an ambiguous state.
func (s *Scheduler) Tick(ctx context.Context, sessionID uuid.UUID, walletIndex int) (*TickResult, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	result := &TickResult{SessionID: sessionID, WalletIndex: walletIndex, NextIndex: walletIndex}

	if sess.Status != models.SessionRunning {
		result.Outcome = OutcomeStopped
		result.Reason = "session not running"
		s.metrics.RecordTick(string(OutcomeStopped))
		return result, nil
	}

	wallets, err := models.SatelliteWalletsFor(s.db.WithContext(ctx), sess.UserAddress)
	if err != nil {
		return nil, err
	}
	if walletIndex < 0 || walletIndex >= len(wallets) {
		return nil, fmt.Errorf("%w: index %d of %d wallets", ErrWalletNotFound, walletIndex, len(wallets))
	}
	wallet := wallets[walletIndex]
	satellite := common.HexToAddress(wallet.Address)

	price, err := s.price.AssetUSDPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("price lookup: %w", err)
	}
	required, err := RequiredWei(sess.AmountUSD, price)
	if err != nil {
		return nil, err
	}
	result.RequiredWei = required

	_, dbWrapped, err := s.ledger.SatelliteCredit(ctx, sess.UserAddress, wallet.Address)
	if err != nil {
		return nil, err
	}
	chainWrapped, err := s.oracle.WrappedBalance(ctx, satellite)
	if err != nil {
		return nil, fmt.Errorf("wrapped balance: %w", err)
	}

	// The chain is the binding constraint: a transaction cannot spend what
	// is not there. Try converting the native shortfall first.
	effective := new(big.Int).Set(chainWrapped)
	if effective.Cmp(required) < 0 {
		converted, convErr := s.convertShortfall(ctx, sess.UserAddress, satellite, required, effective)
		if convErr != nil {
			s.log.Warn("shortfall conversion failed",
				"user", sess.UserAddress, "satellite", wallet.Address, "error", convErr.Error())
		} else if converted != nil {
			effective = converted
		}
	}

	if effective.Cmp(required) < 0 {
		return s.handleInsufficient(ctx, sess, wallets, walletIndex, required, result)
	}

	// On-chain has proven funds the ledger does not know about (a direct
	// external transfer). Favor availability: lift the database to match.
	if dbWrapped.Cmp(required) < 0 {
		if err := s.ledger.SetSatelliteWrapped(ctx, sess.UserAddress, wallet.Address, effective); err != nil {
			return nil, err
		}
	}

	txHash, swapErr := s.swapper.Execute(ctx, swapexec.Trade{
		User:      sess.UserAddress,
		Wallet:    satellite,
		Token:     common.HexToAddress(sess.TokenAddress),
		AmountWei: required,
		Path:      swapexec.SellWrapped,
	})
	if swapErr != nil {
		// Rotation stays put so the same wallet is retried next tick.
		result.Outcome = OutcomeSkipped
		result.Reason = swapErr.Error()
		s.metrics.RecordTick("failed")
		return result, nil
	}

	next, err := s.sessions.AdvanceRotation(ctx, sess.ID, walletIndex)
	if err != nil {
		s.log.Warn("rotation advance failed after swap", "session", sess.ID.String(), "error", err.Error())
		next = walletIndex
	}
	if err := s.ledger.SyncSatelliteToChain(ctx, sess.UserAddress, wallet.Address); err != nil {
		s.log.Warn("post-swap satellite sync failed",
			"satellite", wallet.Address, "error", err.Error())
	}

	result.Outcome = OutcomeSuccess
	result.NextIndex = next
	result.TxHash = txHash
	s.metrics.RecordTick(string(OutcomeSuccess))
	return result, nil
}

// handleInsufficient reconciles the depleted wallet, then either rotates to
// the next wallet or, when every satellite is below the threshold, stops the
// session. A single low wallet only causes rotation, never termination.
func (s *Scheduler) handleInsufficient(ctx context.Context, sess *models.BumpSession, wallets []models.SatelliteWallet, walletIndex int, required *big.Int, result *TickResult) (*TickResult, error) {
	wallet := wallets[walletIndex]
	if err := s.ledger.SyncSatelliteToChain(ctx, sess.UserAddress, wallet.Address); err != nil {
		s.log.Warn("satellite sync failed", "satellite", wallet.Address, "error", err.Error())
	}
	s.auditSkip(sess, wallet.Address, required)

	depleted, err := s.allDepleted(ctx, sess.UserAddress, wallets, required)
	if err != nil {
		return nil, err
	}
	if depleted {
		if err := s.sessions.MarkStopped(ctx, sess.ID, "all satellites depleted"); err != nil {
			return nil, err
		}
		entry := models.BumpLog{
			UserAddress: sess.UserAddress,
			Action:      models.ActionSessionStopped,
			Status:      models.StatusSuccess,
			Message:     "all satellite wallets below bump threshold",
			AmountWei:   models.FormatWei(required),
			CreatedAt:   s.now(),
		}
		if logErr := models.AppendLog(s.db, entry); logErr != nil {
			s.log.Error("audit log write failed", "error", logErr.Error())
		}
		s.metrics.SessionsStopped.Inc()
		s.metrics.RecordTick(string(OutcomeAllDepleted))
		result.Outcome = OutcomeAllDepleted
		result.Reason = "all satellites depleted"
		return result, nil
	}

	next, err := s.sessions.AdvanceRotation(ctx, sess.ID, walletIndex)
	if err != nil {
		return nil, err
	}
	result.Outcome = OutcomeSkipped
	result.NextIndex = next
	result.Reason = "insufficient balance"
	s.metrics.RecordTick(string(OutcomeSkipped))
	return result, nil
}

// convertShortfall converts exactly the missing wrapped amount from the
// satellite's native balance when that balance covers it. Returns the new
// effective wrapped balance, or nil when no conversion was possible.
func (s *Scheduler) convertShortfall(ctx context.Context, user string, satellite common.Address, required, wrapped *big.Int) (*big.Int, error) {
	shortfall := new(big.Int).Sub(required, wrapped)
	native, err := s.oracle.NativeBalance(ctx, satellite)
	if err != nil {
		return nil, fmt.Errorf("native balance: %w", err)
	}
	if native.Cmp(shortfall) < 0 {
		return nil, nil
	}
	data, err := chain.PackDeposit()
	if err != nil {
		return nil, err
	}
	operationID, err := s.exec.SubmitBatch(ctx, satellite, []chain.Call{{
		To:    s.wrapped,
		Data:  data,
		Value: shortfall,
	}})
	if err != nil {
		return nil, fmt.Errorf("submit conversion: %w", err)
	}
	txHash, err := s.exec.AwaitConfirmation(ctx, operationID, s.confirmTimeout)
	if err != nil {
		return nil, fmt.Errorf("confirm conversion: %w", err)
	}
	s.metrics.ConversionTotal.Inc()
	entry := models.BumpLog{
		UserAddress:      user,
		SatelliteAddress: satellite.Hex(),
		Action:           models.ActionConversion,
		Status:           models.StatusSuccess,
		Message:          "converted native shortfall before bump",
		AmountWei:        models.FormatWei(shortfall),
		TxHash:           txHash,
		CreatedAt:        s.now(),
	}
	if err := models.AppendLog(s.db, entry); err != nil {
		s.log.Error("audit log write failed", "error", err.Error())
	}

	refreshed, err := s.oracle.WrappedBalance(ctx, satellite)
	if err != nil {
		return nil, fmt.Errorf("wrapped balance after conversion: %w", err)
	}
	return refreshed, nil
}

// allDepleted reports whether every satellite's min(database, on-chain)
// wrapped balance is below the required amount. Reads for independent
// satellites are issued concurrently.
func (s *Scheduler) allDepleted(ctx context.Context, user string, wallets []models.SatelliteWallet, required *big.Int) (bool, error) {
	type balanceResult struct {
		effective *big.Int
		err       error
	}
	results := make(chan balanceResult, len(wallets))
	for _, wallet := range wallets {
		go func(satellite string) {
			_, db, err := s.ledger.SatelliteCredit(ctx, user, satellite)
			if err != nil {
				results <- balanceResult{err: err}
				return
			}
			onChain, err := s.oracle.WrappedBalance(ctx, common.HexToAddress(satellite))
			if err != nil {
				results <- balanceResult{err: err}
				return
			}
			effective := db
			if onChain.Cmp(effective) < 0 {
				effective = onChain
			}
			results <- balanceResult{effective: effective}
		}(wallet.Address)
	}
	depleted := true
	var firstErr error
	for range wallets {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if res.effective.Cmp(required) >= 0 {
			depleted = false
		}
	}
	if firstErr != nil {
		return false, firstErr
	}
	return depleted, nil
}

func (s *Scheduler) auditSkip(sess *models.BumpSession, satellite string, required *big.Int) {
	entry := models.BumpLog{
		UserAddress:      sess.UserAddress,
		SatelliteAddress: satellite,
		Action:           models.ActionSwapSkipped,
		Status:           models.StatusSkipped,
		Message:          "on-chain balance below bump amount",
		AmountWei:        models.FormatWei(required),
		CreatedAt:        s.now(),
	}
	if err := models.AppendLog(s.db, entry); err != nil {
		s.log.Error("audit log write failed", "error", err.Error())
	}
}
