package runner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clawdbump/chain"
	"clawdbump/ledger"
	"clawdbump/models"
	"clawdbump/rotation"
	"clawdbump/session"
	"clawdbump/swapexec"
)

const testUser = "0x00000000000000000000000000000000000000aa"
const testToken = "0x00000000000000000000000000000000000000dd"

var wrappedAsset = common.HexToAddress("0x00000000000000000000000000000000000000cc")

func setupRunnerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < models.SatelliteCount; i++ {
		wallet := models.SatelliteWallet{
			ID:            uuid.New(),
			UserAddress:   testUser,
			Address:       fmt.Sprintf("0x%040d", i+1),
			SignerAddress: fmt.Sprintf("0x%040d", 900+i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&wallet).Error; err != nil {
			t.Fatalf("create wallet: %v", err)
		}
	}
	return db
}

// newTestRunner wires a runner over a scheduler whose wallets are all empty,
// so every tick takes the depletion path and stops the session.
func newTestRunner(t *testing.T, db *gorm.DB) (*Runner, *session.Manager) {
	t.Helper()
	oracle := chain.FuncOracle{}
	creditLedger := ledger.New(db, oracle)
	sessions := session.NewManager(db)
	swapper := swapexec.NewExecutor(swapexec.Config{
		DB: db, Oracle: oracle, Quotes: chain.FuncQuotes{}, Exec: chain.FuncExecutor{},
		WrappedAsset: wrappedAsset,
	})
	scheduler := rotation.NewScheduler(rotation.Config{
		DB:           db,
		Ledger:       creditLedger,
		Oracle:       oracle,
		Price:        chain.FuncPrice{PriceFunc: func(context.Context) (float64, error) { return 1, nil }},
		Exec:         chain.FuncExecutor{},
		Swapper:      swapper,
		Sessions:     sessions,
		WrappedAsset: wrappedAsset,
	})
	return New(scheduler, sessions, nil), sessions
}

func TestRegisterDeregister(t *testing.T) {
	db := setupRunnerTestDB(t)
	runner, sessions := newTestRunner(t, db)
	sess, err := sessions.Start(context.Background(), testUser, testToken, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	runner.Register(*sess)
	if _, ok := runner.entries[sess.ID]; !ok {
		t.Fatalf("expected schedule entry")
	}
	// Re-registering replaces, not duplicates.
	runner.Register(*sess)
	if len(runner.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(runner.entries))
	}

	runner.Deregister(sess.ID)
	if _, ok := runner.entries[sess.ID]; ok {
		t.Fatalf("expected schedule removed")
	}
}

func TestFireStopsDepletedSession(t *testing.T) {
	db := setupRunnerTestDB(t)
	runner, sessions := newTestRunner(t, db)
	ctx := context.Background()
	sess, err := sessions.Start(ctx, testUser, testToken, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	runner.Register(*sess)

	// All wallets are empty, so one tick depletes and stops the session.
	runner.fire(sess.ID)

	stopped, err := sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if stopped.Status != models.SessionStopped {
		t.Fatalf("status = %s, want stopped", stopped.Status)
	}
	if _, ok := runner.entries[sess.ID]; ok {
		t.Fatalf("depleted session should be deregistered")
	}
}

func TestFireSkipsStoppedSession(t *testing.T) {
	db := setupRunnerTestDB(t)
	runner, sessions := newTestRunner(t, db)
	ctx := context.Background()
	sess, err := sessions.Start(ctx, testUser, testToken, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	runner.Register(*sess)
	if _, err := sessions.Stop(ctx, testUser); err != nil {
		t.Fatalf("stop: %v", err)
	}

	runner.fire(sess.ID)
	if _, ok := runner.entries[sess.ID]; ok {
		t.Fatalf("stopped session should be deregistered on fire")
	}
}

func TestStartResumesRunningSessions(t *testing.T) {
	db := setupRunnerTestDB(t)
	_, sessions := newTestRunner(t, db)
	ctx := context.Background()
	sess, err := sessions.Start(ctx, testUser, testToken, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}

	// A fresh runner, as after a process restart, must pick the session up.
	runner, _ := newTestRunner(t, db)
	if err := runner.Start(ctx); err != nil {
		t.Fatalf("runner start: %v", err)
	}
	defer runner.Stop()
	if _, ok := runner.entries[sess.ID]; !ok {
		t.Fatalf("expected resumed schedule for running session")
	}
}
