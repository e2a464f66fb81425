package models

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session statuses.
const (
	SessionRunning = "running"
	SessionStopped = "stopped"
)

// Audit log action tags.
const (
	ActionDistribution   = "distribution"
	ActionConversion     = "conversion"
	ActionSwap           = "swap"
	ActionSwapSkipped    = "swap_skipped"
	ActionSessionStopped = "session_stopped"
	ActionCreditSync     = "credit_sync"
)

// Audit log statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
	StatusWarning = "warning"
)

// SatelliteCount is the fixed size of a user's satellite wallet set. A bump
// session may only run against a complete set.
const SatelliteCount = 5

// UserCredit tracks the custodial deposit that has not yet been distributed
// to satellite wallets. Balances are wrapped-asset-equivalent wei stored as
// decimal strings so they survive any SQL backend without precision loss.
type UserCredit struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserAddress string    `gorm:"size:64;uniqueIndex;not null"`
	BalanceWei  string    `gorm:"size:96;not null;default:0"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SatelliteCredit holds the ledger view of one satellite wallet's funds,
// split into native and wrapped balances. Exactly one row exists per
// (user, satellite) pair.
type SatelliteCredit struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserAddress       string    `gorm:"size:64;uniqueIndex:idx_user_satellite;not null"`
	SatelliteAddress  string    `gorm:"size:64;uniqueIndex:idx_user_satellite;not null"`
	NativeBalanceWei  string    `gorm:"size:96;not null;default:0"`
	WrappedBalanceWei string    `gorm:"size:96;not null;default:0"`
	LastTxHash        string    `gorm:"size:96"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// BumpSession is the single per-user session row. It is never deleted, only
// transitioned; a new start reuses the row.
type BumpSession struct {
	ID                  uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserAddress         string    `gorm:"size:64;uniqueIndex;not null"`
	TokenAddress        string    `gorm:"size:64;not null"`
	AmountUSD           float64   `gorm:"not null"`
	IntervalSeconds     int       `gorm:"not null"`
	WalletRotationIndex int       `gorm:"not null;default:0"`
	Status              string    `gorm:"size:16;index;not null"`
	StoppedAt           *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SatelliteWallet records one of the five delegated-execution wallets.
// Rotation index 0-4 maps to creation order.
type SatelliteWallet struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserAddress   string    `gorm:"size:64;index:idx_satellite_user;not null"`
	Address       string    `gorm:"size:64;not null"`
	SignerAddress string    `gorm:"size:64;not null"`
	CreatedAt     time.Time
}

// BumpLog is an append-only audit record. It is an observability trail, never
// a source of truth for balances.
type BumpLog struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserAddress      string    `gorm:"size:64;index;not null"`
	SatelliteAddress string    `gorm:"size:64"`
	Action           string    `gorm:"size:32;index;not null"`
	Status           string    `gorm:"size:16;not null"`
	Message          string    `gorm:"size:512"`
	AmountWei        string    `gorm:"size:96"`
	TxHash           string    `gorm:"size:96"`
	CreatedAt        time.Time
}

// AutoMigrate creates or updates the schema for all bumpd entities.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&UserCredit{},
		&SatelliteCredit{},
		&BumpSession{},
		&SatelliteWallet{},
		&BumpLog{},
	)
}

// SatelliteWalletsFor returns the user's satellite wallets in rotation order.
func SatelliteWalletsFor(db *gorm.DB, user string) ([]SatelliteWallet, error) {
	var wallets []SatelliteWallet
	err := db.Where("user_address = ?", NormalizeAddress(user)).
		Order("created_at asc, id asc").
		Find(&wallets).Error
	if err != nil {
		return nil, fmt.Errorf("load satellite wallets: %w", err)
	}
	return wallets, nil
}

// AppendLog persists one audit entry. Failures are returned so callers can
// decide whether the surrounding operation should surface them; the entry
// itself is never mutated after insertion.
func AppendLog(db *gorm.DB, entry BumpLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.UserAddress = NormalizeAddress(entry.UserAddress)
	entry.SatelliteAddress = NormalizeAddress(entry.SatelliteAddress)
	if err := db.Create(&entry).Error; err != nil {
		return fmt.Errorf("append bump log: %w", err)
	}
	return nil
}

// NormalizeAddress lowercases and trims a hex address so database keys are
// stable regardless of checksum casing at the API boundary.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// ParseWei decodes a decimal string column into a big integer. Empty columns
// decode to zero; negative values are rejected.
func ParseWei(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("negative wei amount %q", raw)
	}
	return value, nil
}

// FormatWei encodes a big integer for storage. Nil is stored as zero.
func FormatWei(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}
