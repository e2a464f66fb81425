// Package session owns the bump session lifecycle: one row per user,
// transitioned between running and stopped, never deleted.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"clawdbump/models"
)

var (
	// ErrIncompleteWalletSet is returned when a session start is attempted
	// without exactly five satellite wallets provisioned.
	ErrIncompleteWalletSet = errors.New("session: satellite wallet set incomplete")
	// ErrNotFound is returned when no session exists for the lookup key.
	ErrNotFound = errors.New("session: not found")
)

// Manager owns bump session rows.
type Manager struct {
	db  *gorm.DB
	log *slog.Logger
	now func() time.Time
}

// Option customises the manager.
type Option func(*Manager)

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager constructs a session manager.
func NewManager(db *gorm.DB, opts ...Option) *Manager {
	m := &Manager{db: db, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start creates or restarts the user's session. The single per-user row is
// reused: status becomes running, the rotation index resets to zero. A start
// without a complete satellite wallet set fails.
func (m *Manager) Start(ctx context.Context, user, token string, amountUSD float64, interval time.Duration) (*models.BumpSession, error) {
	if amountUSD <= 0 {
		return nil, fmt.Errorf("bump amount must be positive")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("bump interval must be positive")
	}
	normalized := models.NormalizeAddress(user)

	wallets, err := models.SatelliteWalletsFor(m.db.WithContext(ctx), normalized)
	if err != nil {
		return nil, err
	}
	if len(wallets) != models.SatelliteCount {
		return nil, fmt.Errorf("%w: have %d wallets, want %d", ErrIncompleteWalletSet, len(wallets), models.SatelliteCount)
	}

	var sess models.BumpSession
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lookupErr := tx.Where("user_address = ?", normalized).First(&sess).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
			sess = models.BumpSession{
				ID:              uuid.New(),
				UserAddress:     normalized,
				TokenAddress:    models.NormalizeAddress(token),
				AmountUSD:       amountUSD,
				IntervalSeconds: int(interval / time.Second),
				Status:          models.SessionRunning,
				CreatedAt:       m.now(),
				UpdatedAt:       m.now(),
			}
			return tx.Create(&sess).Error
		case lookupErr != nil:
			return fmt.Errorf("load session: %w", lookupErr)
		}
		sess.TokenAddress = models.NormalizeAddress(token)
		sess.AmountUSD = amountUSD
		sess.IntervalSeconds = int(interval / time.Second)
		sess.WalletRotationIndex = 0
		sess.Status = models.SessionRunning
		sess.StoppedAt = nil
		sess.UpdatedAt = m.now()
		return tx.Save(&sess).Error
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("session started", "user", normalized, "token", sess.TokenAddress,
		"amount_usd", amountUSD, "interval_seconds", sess.IntervalSeconds)
	return &sess, nil
}

// Stop transitions the user's session to stopped. Stopping an already
// stopped session is a no-op success; a user who never started one gets a
// nil session and no error.
func (m *Manager) Stop(ctx context.Context, user string) (*models.BumpSession, error) {
	normalized := models.NormalizeAddress(user)
	var sess models.BumpSession
	err := m.db.WithContext(ctx).Where("user_address = ?", normalized).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Status == models.SessionStopped {
		return &sess, nil
	}
	stopped := m.now()
	result := m.db.WithContext(ctx).Model(&models.BumpSession{}).
		Where("id = ? AND status = ?", sess.ID, models.SessionRunning).
		Updates(map[string]any{
			"status":     models.SessionStopped,
			"stopped_at": stopped,
			"updated_at": stopped,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("stop session: %w", result.Error)
	}
	sess.Status = models.SessionStopped
	sess.StoppedAt = &stopped
	m.log.Info("session stopped", "user", normalized, "session", sess.ID.String())
	return &sess, nil
}

// Get loads a session by id.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.BumpSession, error) {
	var sess models.BumpSession
	err := m.db.WithContext(ctx).Where("id = ?", id).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// GetByUser loads the user's session row.
func (m *Manager) GetByUser(ctx context.Context, user string) (*models.BumpSession, error) {
	var sess models.BumpSession
	err := m.db.WithContext(ctx).
		Where("user_address = ?", models.NormalizeAddress(user)).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return &sess, nil
}

// Running lists all currently running sessions.
func (m *Manager) Running(ctx context.Context) ([]models.BumpSession, error) {
	var sessions []models.BumpSession
	if err := m.db.WithContext(ctx).
		Where("status = ?", models.SessionRunning).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	return sessions, nil
}

// AdvanceRotation moves the rotation index from fromIndex to the next wallet,
// conditioned on the stored index still matching. A stale update (another
// tick advanced first) is reported without mutating anything.
func (m *Manager) AdvanceRotation(ctx context.Context, id uuid.UUID, fromIndex int) (int, error) {
	next := (fromIndex + 1) % models.SatelliteCount
	result := m.db.WithContext(ctx).Model(&models.BumpSession{}).
		Where("id = ? AND wallet_rotation_index = ? AND status = ?", id, fromIndex, models.SessionRunning).
		Updates(map[string]any{
			"wallet_rotation_index": next,
			"updated_at":            m.now(),
		})
	if result.Error != nil {
		return fromIndex, fmt.Errorf("advance rotation: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fromIndex, fmt.Errorf("rotation index moved concurrently for session %s", id)
	}
	return next, nil
}

// MarkStopped transitions a session to stopped by id, recording the reason in
// the audit trail. Idempotent: a session already stopped is left untouched.
func (m *Manager) MarkStopped(ctx context.Context, id uuid.UUID, reason string) error {
	stopped := m.now()
	result := m.db.WithContext(ctx).Model(&models.BumpSession{}).
		Where("id = ? AND status = ?", id, models.SessionRunning).
		Updates(map[string]any{
			"status":     models.SessionStopped,
			"stopped_at": stopped,
			"updated_at": stopped,
		})
	if result.Error != nil {
		return fmt.Errorf("mark session stopped: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		m.log.Info("session stopped", "session", id.String(), "reason", reason)
	}
	return nil
}
