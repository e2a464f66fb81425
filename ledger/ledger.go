// Package ledger owns the off-chain credit accounting: the main-wallet credit
// row and the per-satellite credit rows. Database credit is the source of
// truth for spend decisions; on-chain balances act as an upper bound so a
// user cannot mint phantom credit by transferring assets directly to a
// delegated wallet.
package ledger

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
	"clawdbump/models"
	"clawdbump/observability"
)

var (
	// ErrIntegrityAnomaly indicates an operation would break ledger
	// conservation. The operation is aborted, never silently corrected.
	ErrIntegrityAnomaly = errors.New("ledger: integrity anomaly")
	// ErrStaleBalance indicates optimistic concurrency retries were
	// exhausted while mutating a credit row.
	ErrStaleBalance = errors.New("ledger: balance changed concurrently")
)

const optimisticRetries = 3

// SyncMode selects how a main-credit sync reconciles against the chain.
type SyncMode int

const (
	// SyncForce overwrites database credit with the on-chain total.
	SyncForce SyncMode = iota
	// SyncRaiseOnly lifts database credit only when the chain holds more.
	SyncRaiseOnly
)

// CreditBalance is the user-visible credit summary.
type CreditBalance struct {
	MainWei       *big.Int
	SatellitesWei *big.Int
	TotalWei      *big.Int
}

// DistributionLeg records the funds moved to one satellite by a distribution.
type DistributionLeg struct {
	Satellite  string
	NativeWei  *big.Int
	WrappedWei *big.Int
}

// Ledger provides credit accounting over the persistence layer.
type Ledger struct {
	db      *gorm.DB
	oracle  chain.BalanceOracle
	metrics *observability.BumpdMetrics
	log     *slog.Logger
	now     func() time.Time
}

// Option customises the ledger instance.
type Option func(*Ledger)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithClock sets the function used to derive timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New constructs a ledger over the supplied database and balance oracle.
func New(db *gorm.DB, oracle chain.BalanceOracle, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		oracle:  oracle,
		metrics: observability.Bumpd(),
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// GetTotalCredit sums the user's main credit and the credit of all satellite
// rows, native and wrapped alike. A distribution moves credit between rows
// without changing the total the user sees. A missing user yields zeros, not
// an error.
func (l *Ledger) GetTotalCredit(ctx context.Context, user string) (CreditBalance, error) {
	main, err := l.MainCredit(ctx, user)
	if err != nil {
		return CreditBalance{}, err
	}
	var rows []models.SatelliteCredit
	if err := l.db.WithContext(ctx).
		Where("user_address = ?", models.NormalizeAddress(user)).
		Find(&rows).Error; err != nil {
		return CreditBalance{}, fmt.Errorf("load satellite credit: %w", err)
	}
	satellites := new(big.Int)
	for _, row := range rows {
		native, err := models.ParseWei(row.NativeBalanceWei)
		if err != nil {
			return CreditBalance{}, fmt.Errorf("satellite %s: %w", row.SatelliteAddress, err)
		}
		wrapped, err := models.ParseWei(row.WrappedBalanceWei)
		if err != nil {
			return CreditBalance{}, fmt.Errorf("satellite %s: %w", row.SatelliteAddress, err)
		}
		satellites.Add(satellites, native)
		satellites.Add(satellites, wrapped)
	}
	return CreditBalance{
		MainWei:       main,
		SatellitesWei: satellites,
		TotalWei:      new(big.Int).Add(main, satellites),
	}, nil
}

// MainCredit returns the undistributed custodial credit for the user, zero
// when no row exists.
func (l *Ledger) MainCredit(ctx context.Context, user string) (*big.Int, error) {
	var row models.UserCredit
	err := l.db.WithContext(ctx).
		Where("user_address = ?", models.NormalizeAddress(user)).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return new(big.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user credit: %w", err)
	}
	return models.ParseWei(row.BalanceWei)
}

// AddMainCredit raises the user's credit by delta, capped so the resulting
// balance never exceeds the main wallet's on-chain native+wrapped total.
// Credit must never exceed what is actually redeemable.
func (l *Ledger) AddMainCredit(ctx context.Context, user string, mainWallet common.Address, delta *big.Int) (*big.Int, error) {
	if delta == nil || delta.Sign() <= 0 {
		return nil, fmt.Errorf("credit delta must be positive")
	}
	ceiling, err := l.onChainTotal(ctx, mainWallet)
	if err != nil {
		return nil, err
	}
	return l.updateMainBalance(ctx, user, func(current *big.Int) (*big.Int, error) {
		next := new(big.Int).Add(current, delta)
		if next.Cmp(ceiling) > 0 {
			l.log.Warn("credit delta capped at on-chain total",
				"user", user, "requested", next.String(), "ceiling", ceiling.String())
			next = new(big.Int).Set(ceiling)
		}
		return next, nil
	})
}

// SyncMainCredit reconciles the user's credit against the chain. SyncForce
// overwrites; SyncRaiseOnly lifts the balance only when the chain holds more.
func (l *Ledger) SyncMainCredit(ctx context.Context, user string, mainWallet common.Address, mode SyncMode) (*big.Int, error) {
	onChain, err := l.onChainTotal(ctx, mainWallet)
	if err != nil {
		return nil, err
	}
	var changed bool
	balance, err := l.updateMainBalance(ctx, user, func(current *big.Int) (*big.Int, error) {
		if mode == SyncRaiseOnly && onChain.Cmp(current) <= 0 {
			changed = false
			return current, nil
		}
		changed = current.Cmp(onChain) != 0
		return new(big.Int).Set(onChain), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		entry := models.BumpLog{
			UserAddress: user,
			Action:      models.ActionCreditSync,
			Status:      models.StatusSuccess,
			Message:     "credit reconciled against chain",
			AmountWei:   balance.String(),
		}
		if logErr := models.AppendLog(l.db.WithContext(ctx), entry); logErr != nil {
			l.log.Warn("credit sync audit write failed", "user", user, "error", logErr)
		}
	}
	return balance, nil
}

// DeductMainCredit lowers the user's credit, flooring at zero. A deduction
// that would go negative is a data-integrity anomaly: it is logged loudly
// and counted, but the balance is floored rather than crashing the caller.
func (l *Ledger) DeductMainCredit(ctx context.Context, user string, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("deduction amount must be non-negative")
	}
	return l.updateMainBalance(ctx, user, func(current *big.Int) (*big.Int, error) {
		next := new(big.Int).Sub(current, amount)
		if next.Sign() < 0 {
			l.log.Error("main credit deduction underflow",
				"user", user, "balance", current.String(), "deduct", amount.String())
			l.metrics.LedgerAnomalies.Inc()
			next = new(big.Int)
		}
		return next, nil
	})
}

// SatelliteCredit returns the ledger's native and wrapped balances for one
// satellite, zeros when the row does not exist.
func (l *Ledger) SatelliteCredit(ctx context.Context, user, satellite string) (native, wrapped *big.Int, err error) {
	var row models.SatelliteCredit
	dbErr := l.db.WithContext(ctx).
		Where("user_address = ? AND satellite_address = ?",
			models.NormalizeAddress(user), models.NormalizeAddress(satellite)).
		First(&row).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		return new(big.Int), new(big.Int), nil
	}
	if dbErr != nil {
		return nil, nil, fmt.Errorf("load satellite credit: %w", dbErr)
	}
	if native, err = models.ParseWei(row.NativeBalanceWei); err != nil {
		return nil, nil, err
	}
	if wrapped, err = models.ParseWei(row.WrappedBalanceWei); err != nil {
		return nil, nil, err
	}
	return native, wrapped, nil
}

// RecordDistribution moves credit from the main ledger to the satellite
// ledgers after an on-chain distribution confirmed. Satellite rows are
// upserted additively; the main balance is deducted by the distributed sum
// inside the same transaction. Conservation is enforced: if the main credit
// cannot cover the sum the whole operation aborts with ErrIntegrityAnomaly.
func (l *Ledger) RecordDistribution(ctx context.Context, user string, legs []DistributionLeg, txHash string) error {
	if len(legs) == 0 {
		return fmt.Errorf("at least one distribution leg required")
	}
	normalized := models.NormalizeAddress(user)
	distributed := new(big.Int)
	for _, leg := range legs {
		distributed.Add(distributed, nonNil(leg.NativeWei))
		distributed.Add(distributed, nonNil(leg.WrappedWei))
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var credit models.UserCredit
		err := tx.Where("user_address = ?", normalized).First(&credit).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: distribution against user with no credit row", ErrIntegrityAnomaly)
		}
		if err != nil {
			return fmt.Errorf("load user credit: %w", err)
		}
		mainBefore, err := models.ParseWei(credit.BalanceWei)
		if err != nil {
			return err
		}
		if mainBefore.Cmp(distributed) < 0 {
			return fmt.Errorf("%w: distribution %s exceeds main credit %s",
				ErrIntegrityAnomaly, distributed.String(), mainBefore.String())
		}

		for _, leg := range legs {
			if err := addSatelliteCredit(tx, normalized, leg, txHash, l.now()); err != nil {
				return err
			}
			legTotal := new(big.Int).Add(nonNil(leg.NativeWei), nonNil(leg.WrappedWei))
			if legTotal.Sign() > 0 {
				entry := models.BumpLog{
					UserAddress:      normalized,
					SatelliteAddress: leg.Satellite,
					Action:           models.ActionDistribution,
					Status:           models.StatusSuccess,
					Message:          "credited from main wallet distribution",
					AmountWei:        models.FormatWei(legTotal),
					TxHash:           txHash,
					CreatedAt:        l.now(),
				}
				if err := models.AppendLog(tx, entry); err != nil {
					return err
				}
			}
		}

		mainAfter := new(big.Int).Sub(mainBefore, distributed)
		result := tx.Model(&models.UserCredit{}).
			Where("user_address = ? AND balance_wei = ?", normalized, credit.BalanceWei).
			Update("balance_wei", models.FormatWei(mainAfter))
		if result.Error != nil {
			return fmt.Errorf("deduct main credit: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrStaleBalance
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIntegrityAnomaly) {
			l.metrics.LedgerAnomalies.Inc()
		}
		return err
	}
	return nil
}

// SyncSatelliteToChain overwrites one satellite credit row with live on-chain
// reads. Reconciliation only; spend decisions during a tick still consult the
// database first.
func (l *Ledger) SyncSatelliteToChain(ctx context.Context, user, satellite string) error {
	addr := common.HexToAddress(satellite)
	native, err := l.oracle.NativeBalance(ctx, addr)
	if err != nil {
		return err
	}
	wrapped, err := l.oracle.WrappedBalance(ctx, addr)
	if err != nil {
		return err
	}
	return l.writeSatelliteBalances(ctx, user, satellite, native, wrapped)
}

// SyncAllSatellites reconciles every satellite wallet of the user. Balance
// reads are issued concurrently since they are independent.
func (l *Ledger) SyncAllSatellites(ctx context.Context, user string) error {
	wallets, err := models.SatelliteWalletsFor(l.db.WithContext(ctx), user)
	if err != nil {
		return err
	}
	type readResult struct {
		satellite string
		native    *big.Int
		wrapped   *big.Int
		err       error
	}
	results := make(chan readResult, len(wallets))
	for _, wallet := range wallets {
		go func(satellite string) {
			addr := common.HexToAddress(satellite)
			native, err := l.oracle.NativeBalance(ctx, addr)
			if err != nil {
				results <- readResult{satellite: satellite, err: err}
				return
			}
			wrapped, err := l.oracle.WrappedBalance(ctx, addr)
			results <- readResult{satellite: satellite, native: native, wrapped: wrapped, err: err}
		}(wallet.Address)
	}
	for range wallets {
		res := <-results
		if res.err != nil {
			return fmt.Errorf("sync satellite %s: %w", res.satellite, res.err)
		}
		if err := l.writeSatelliteBalances(ctx, user, res.satellite, res.native, res.wrapped); err != nil {
			return err
		}
	}
	return nil
}

// SetSatelliteWrapped overwrites only the wrapped balance of one satellite
// row. Used when an on-chain read has already proven the funds are real and
// the ledger must be lifted to match.
func (l *Ledger) SetSatelliteWrapped(ctx context.Context, user, satellite string, value *big.Int) error {
	native, _, err := l.SatelliteCredit(ctx, user, satellite)
	if err != nil {
		return err
	}
	return l.writeSatelliteBalances(ctx, user, satellite, native, value)
}

func (l *Ledger) writeSatelliteBalances(ctx context.Context, user, satellite string, native, wrapped *big.Int) error {
	normalizedUser := models.NormalizeAddress(user)
	normalizedSat := models.NormalizeAddress(satellite)
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.SatelliteCredit
		err := tx.Where("user_address = ? AND satellite_address = ?", normalizedUser, normalizedSat).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = models.SatelliteCredit{
				ID:                uuid.New(),
				UserAddress:       normalizedUser,
				SatelliteAddress:  normalizedSat,
				NativeBalanceWei:  models.FormatWei(native),
				WrappedBalanceWei: models.FormatWei(wrapped),
				CreatedAt:         l.now(),
				UpdatedAt:         l.now(),
			}
			return tx.Create(&row).Error
		}
		if err != nil {
			return fmt.Errorf("load satellite credit: %w", err)
		}
		return tx.Model(&row).Updates(map[string]any{
			"native_balance_wei":  models.FormatWei(native),
			"wrapped_balance_wei": models.FormatWei(wrapped),
			"updated_at":          l.now(),
		}).Error
	})
}

func addSatelliteCredit(tx *gorm.DB, user string, leg DistributionLeg, txHash string, now time.Time) error {
	satellite := models.NormalizeAddress(leg.Satellite)
	var row models.SatelliteCredit
	err := tx.Where("user_address = ? AND satellite_address = ?", user, satellite).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = models.SatelliteCredit{
			ID:                uuid.New(),
			UserAddress:       user,
			SatelliteAddress:  satellite,
			NativeBalanceWei:  models.FormatWei(nonNil(leg.NativeWei)),
			WrappedBalanceWei: models.FormatWei(nonNil(leg.WrappedWei)),
			LastTxHash:        txHash,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		return tx.Create(&row).Error
	}
	if err != nil {
		return fmt.Errorf("load satellite credit: %w", err)
	}
	native, err := models.ParseWei(row.NativeBalanceWei)
	if err != nil {
		return err
	}
	wrapped, err := models.ParseWei(row.WrappedBalanceWei)
	if err != nil {
		return err
	}
	native.Add(native, nonNil(leg.NativeWei))
	wrapped.Add(wrapped, nonNil(leg.WrappedWei))
	return tx.Model(&row).Updates(map[string]any{
		"native_balance_wei":  models.FormatWei(native),
		"wrapped_balance_wei": models.FormatWei(wrapped),
		"last_tx_hash":        txHash,
		"updated_at":          now,
	}).Error
}

// updateMainBalance applies mutate under optimistic concurrency: the write is
// conditioned on the balance read at the start of the attempt, and retried a
// bounded number of times when a concurrent writer got there first.
func (l *Ledger) updateMainBalance(ctx context.Context, user string, mutate func(current *big.Int) (*big.Int, error)) (*big.Int, error) {
	normalized := models.NormalizeAddress(user)
	for attempt := 0; attempt < optimisticRetries; attempt++ {
		var row models.UserCredit
		err := l.db.WithContext(ctx).Where("user_address = ?", normalized).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			next, mutateErr := mutate(new(big.Int))
			if mutateErr != nil {
				return nil, mutateErr
			}
			row = models.UserCredit{
				ID:          uuid.New(),
				UserAddress: normalized,
				BalanceWei:  models.FormatWei(next),
				CreatedAt:   l.now(),
				UpdatedAt:   l.now(),
			}
			if createErr := l.db.WithContext(ctx).Create(&row).Error; createErr != nil {
				// Unique index collision means a concurrent writer
				// created the row; retry against it.
				continue
			}
			return next, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load user credit: %w", err)
		}
		current, err := models.ParseWei(row.BalanceWei)
		if err != nil {
			return nil, err
		}
		next, err := mutate(current)
		if err != nil {
			return nil, err
		}
		if next.Cmp(current) == 0 {
			return next, nil
		}
		result := l.db.WithContext(ctx).Model(&models.UserCredit{}).
			Where("user_address = ? AND balance_wei = ?", normalized, row.BalanceWei).
			Updates(map[string]any{
				"balance_wei": models.FormatWei(next),
				"updated_at":  l.now(),
			})
		if result.Error != nil {
			return nil, fmt.Errorf("update user credit: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			return next, nil
		}
	}
	return nil, ErrStaleBalance
}

func (l *Ledger) onChainTotal(ctx context.Context, wallet common.Address) (*big.Int, error) {
	native, err := l.oracle.NativeBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	wrapped, err := l.oracle.WrappedBalance(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return new(big.Int).Add(native, wrapped), nil
}

func nonNil(value *big.Int) *big.Int {
	if value == nil {
		return new(big.Int)
	}
	return value
}
