package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"clawdbump/chain"
	"clawdbump/ledger"
	"clawdbump/models"
	"clawdbump/session"
	"clawdbump/swapexec"
)

const testUser = "0x00000000000000000000000000000000000000aa"
const testToken = "0x00000000000000000000000000000000000000dd"

var wrappedAsset = common.HexToAddress("0x00000000000000000000000000000000000000cc")

// oneUnit is 10^18 wei, the required amount when the bump is 1 USD at a
// 1 USD asset price.
var oneUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func setupRotationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func satelliteAddr(i int) string {
	return fmt.Sprintf("0x%040d", i+1)
}

func seedWallets(t *testing.T, db *gorm.DB) {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < models.SatelliteCount; i++ {
		wallet := models.SatelliteWallet{
			ID:            uuid.New(),
			UserAddress:   testUser,
			Address:       satelliteAddr(i),
			SignerAddress: fmt.Sprintf("0x%040d", 900+i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&wallet).Error; err != nil {
			t.Fatalf("create wallet: %v", err)
		}
	}
}

// balanceBook is a mutable per-address balance store backing the test oracle.
type balanceBook struct {
	native  map[common.Address]*big.Int
	wrapped map[common.Address]*big.Int
}

func newBalanceBook() *balanceBook {
	return &balanceBook{
		native:  make(map[common.Address]*big.Int),
		wrapped: make(map[common.Address]*big.Int),
	}
}

func (b *balanceBook) setWrapped(addr string, value *big.Int) {
	b.wrapped[common.HexToAddress(addr)] = new(big.Int).Set(value)
}

func (b *balanceBook) setNative(addr string, value *big.Int) {
	b.native[common.HexToAddress(addr)] = new(big.Int).Set(value)
}

func (b *balanceBook) oracle() chain.FuncOracle {
	lookup := func(m map[common.Address]*big.Int) func(context.Context, common.Address) (*big.Int, error) {
		return func(_ context.Context, addr common.Address) (*big.Int, error) {
			if value, ok := m[addr]; ok {
				return new(big.Int).Set(value), nil
			}
			return new(big.Int), nil
		}
	}
	return chain.FuncOracle{
		NativeFunc:  lookup(b.native),
		WrappedFunc: lookup(b.wrapped),
		AllowanceFunc: func(context.Context, common.Address, common.Address) (*big.Int, error) {
			return new(big.Int).Set(chain.MaxApproval), nil
		},
	}
}

type fixture struct {
	db        *gorm.DB
	book      *balanceBook
	sessions  *session.Manager
	scheduler *Scheduler
	exec      *recordingExecutor
	sess      *models.BumpSession
}

type recordingExecutor struct {
	batches [][]chain.Call
	failSub error
}

func (r *recordingExecutor) service() chain.FuncExecutor {
	return chain.FuncExecutor{
		SubmitFunc: func(_ context.Context, _ common.Address, calls []chain.Call) (string, error) {
			if r.failSub != nil {
				return "", r.failSub
			}
			r.batches = append(r.batches, calls)
			return fmt.Sprintf("op-%d", len(r.batches)), nil
		},
		AwaitFunc: func(_ context.Context, operationID string, _ time.Duration) (string, error) {
			return "0xhash-" + operationID, nil
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupRotationTestDB(t)
	seedWallets(t, db)
	book := newBalanceBook()
	oracle := book.oracle()
	creditLedger := ledger.New(db, oracle)
	sessions := session.NewManager(db)
	exec := &recordingExecutor{}
	quotes := chain.FuncQuotes{
		QuoteFunc: func(context.Context, chain.QuoteRequest) (*chain.Quote, error) {
			return &chain.Quote{
				To:    common.HexToAddress("0x00000000000000000000000000000000000000ff"),
				Data:  []byte{0x01},
				Value: new(big.Int),
			}, nil
		},
	}
	swapper := swapexec.NewExecutor(swapexec.Config{
		DB: db, Oracle: oracle, Quotes: quotes, Exec: exec.service(), WrappedAsset: wrappedAsset,
	})
	scheduler := NewScheduler(Config{
		DB:           db,
		Ledger:       creditLedger,
		Oracle:       oracle,
		Price:        chain.FuncPrice{PriceFunc: func(context.Context) (float64, error) { return 1, nil }},
		Exec:         exec.service(),
		Swapper:      swapper,
		Sessions:     sessions,
		WrappedAsset: wrappedAsset,
	})
	sess, err := sessions.Start(context.Background(), testUser, testToken, 1, 30*time.Second)
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return &fixture{db: db, book: book, sessions: sessions, scheduler: scheduler, exec: exec, sess: sess}
}

func TestRequiredWei(t *testing.T) {
	wei, err := RequiredWei(10, 2)
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(5), oneUnit)
	if wei.Cmp(want) != 0 {
		t.Fatalf("required = %s, want %s", wei.String(), want.String())
	}

	// A dust-priced bump floors at one unit instead of rounding to zero.
	wei, err = RequiredWei(1e-18, 1e9)
	if err != nil {
		t.Fatalf("required: %v", err)
	}
	if wei.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("required = %s, want 1", wei.String())
	}

	if _, err := RequiredWei(10, 0); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if _, err := RequiredWei(0, 2); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestTickSuccessAdvancesRotation(t *testing.T) {
	f := newFixture(t)
	f.book.setWrapped(satelliteAddr(0), new(big.Int).Mul(oneUnit, big.NewInt(2)))

	result, err := f.scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success: %s", result.Outcome, result.Reason)
	}
	if result.NextIndex != 1 {
		t.Fatalf("next = %d, want 1", result.NextIndex)
	}
	if result.TxHash == "" {
		t.Fatalf("expected tx hash")
	}
	sess, err := f.sessions.Get(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.WalletRotationIndex != 1 {
		t.Fatalf("stored index = %d, want 1", sess.WalletRotationIndex)
	}
}

func TestTickStoppedSession(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sessions.Stop(context.Background(), testUser); err != nil {
		t.Fatalf("stop: %v", err)
	}
	result, err := f.scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeStopped {
		t.Fatalf("outcome = %s, want stopped", result.Outcome)
	}
}

func TestTickWalletIndexOutOfRange(t *testing.T) {
	f := newFixture(t)
	_, err := f.scheduler.Tick(context.Background(), f.sess.ID, 9)
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("expected ErrWalletNotFound, got %v", err)
	}
}

func TestTickInsufficientRotates(t *testing.T) {
	f := newFixture(t)
	// Wallet 0 is empty; wallet 1 holds enough to keep the session alive.
	f.book.setWrapped(satelliteAddr(1), new(big.Int).Mul(oneUnit, big.NewInt(3)))

	result, err := f.scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", result.Outcome)
	}
	if result.NextIndex != 1 {
		t.Fatalf("next = %d, want 1", result.NextIndex)
	}

	var entry models.BumpLog
	if err := f.db.Where("action = ?", models.ActionSwapSkipped).First(&entry).Error; err != nil {
		t.Fatalf("load skip audit: %v", err)
	}
	if entry.SatelliteAddress != satelliteAddr(0) {
		t.Fatalf("skip audit satellite = %s", entry.SatelliteAddress)
	}
}

func TestTickAllDepletedStopsSession(t *testing.T) {
	f := newFixture(t)

	result, err := f.scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeAllDepleted {
		t.Fatalf("outcome = %s, want all_depleted", result.Outcome)
	}
	sess, err := f.sessions.Get(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != models.SessionStopped {
		t.Fatalf("session status = %s, want stopped", sess.Status)
	}

	var entry models.BumpLog
	if err := f.db.Where("action = ?", models.ActionSessionStopped).First(&entry).Error; err != nil {
		t.Fatalf("load stop audit: %v", err)
	}
}

func TestTickDepletionUsesMinOfLedgerAndChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// The ledger believes wallet 1 is rich, but the chain shows nothing:
	// the effective balance is the minimum, so the session still stops.
	creditLedger := ledger.New(f.db, f.book.oracle())
	if err := creditLedger.SetSatelliteWrapped(ctx, testUser, satelliteAddr(1), new(big.Int).Mul(oneUnit, big.NewInt(10))); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	result, err := f.scheduler.Tick(ctx, f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeAllDepleted {
		t.Fatalf("outcome = %s, want all_depleted", result.Outcome)
	}
}

func TestTickConvertsNativeShortfall(t *testing.T) {
	f := newFixture(t)
	half := new(big.Int).Rsh(oneUnit, 1)
	f.book.setWrapped(satelliteAddr(0), half)
	f.book.setNative(satelliteAddr(0), new(big.Int).Mul(oneUnit, big.NewInt(2)))

	// The oracle is static, so model the deposit by lifting the wrapped
	// balance once the conversion batch lands.
	sawConversion := false
	base := f.exec.service()
	convertingExec := chain.FuncExecutor{
		SubmitFunc: func(ctx context.Context, wallet common.Address, calls []chain.Call) (string, error) {
			if len(calls) == 1 && calls[0].To == wrappedAsset && calls[0].Value != nil && calls[0].Value.Sign() > 0 {
				sawConversion = true
				f.book.setWrapped(satelliteAddr(0), new(big.Int).Add(half, calls[0].Value))
			}
			return base.SubmitFunc(ctx, wallet, calls)
		},
		AwaitFunc: base.AwaitFunc,
	}
	oracle := f.book.oracle()
	creditLedger := ledger.New(f.db, oracle)
	quotes := chain.FuncQuotes{
		QuoteFunc: func(context.Context, chain.QuoteRequest) (*chain.Quote, error) {
			return &chain.Quote{
				To:    common.HexToAddress("0x00000000000000000000000000000000000000ff"),
				Data:  []byte{0x01},
				Value: new(big.Int),
			}, nil
		},
	}
	swapper := swapexec.NewExecutor(swapexec.Config{
		DB: f.db, Oracle: oracle, Quotes: quotes, Exec: convertingExec, WrappedAsset: wrappedAsset,
	})
	scheduler := NewScheduler(Config{
		DB:           f.db,
		Ledger:       creditLedger,
		Oracle:       oracle,
		Price:        chain.FuncPrice{PriceFunc: func(context.Context) (float64, error) { return 1, nil }},
		Exec:         convertingExec,
		Swapper:      swapper,
		Sessions:     f.sessions,
		WrappedAsset: wrappedAsset,
	})

	result, err := scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !sawConversion {
		t.Fatalf("expected a conversion batch before the swap")
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success: %s", result.Outcome, result.Reason)
	}

	var entry models.BumpLog
	if err := f.db.Where("action = ?", models.ActionConversion).First(&entry).Error; err != nil {
		t.Fatalf("load conversion audit: %v", err)
	}
	if entry.AmountWei != half.String() {
		t.Fatalf("conversion amount = %s, want %s", entry.AmountWei, half.String())
	}
}

func TestTickSwapFailureDoesNotAdvance(t *testing.T) {
	f := newFixture(t)
	f.book.setWrapped(satelliteAddr(0), new(big.Int).Mul(oneUnit, big.NewInt(2)))
	f.exec.failSub = errors.New("custody unavailable")

	result, err := f.scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", result.Outcome)
	}
	if result.NextIndex != result.WalletIndex {
		t.Fatalf("failed swap must not advance rotation: next %d wallet %d", result.NextIndex, result.WalletIndex)
	}
	sess, err := f.sessions.Get(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.WalletRotationIndex != 0 {
		t.Fatalf("stored index moved on swap failure")
	}
}

func TestTickLiftsLedgerToProvenChainBalance(t *testing.T) {
	f := newFixture(t)
	chainBalance := new(big.Int).Mul(oneUnit, big.NewInt(4))
	f.book.setWrapped(satelliteAddr(0), chainBalance)

	result, err := f.scheduler.Tick(context.Background(), f.sess.ID, 0)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	creditLedger := ledger.New(f.db, f.book.oracle())
	_, wrapped, err := creditLedger.SatelliteCredit(context.Background(), testUser, satelliteAddr(0))
	if err != nil {
		t.Fatalf("satellite credit: %v", err)
	}
	// The post-swap sync rewrites the row from the chain, which still
	// reports the static book balance.
	if wrapped.Cmp(chainBalance) != 0 {
		t.Fatalf("ledger wrapped = %s, want %s", wrapped.String(), chainBalance.String())
	}
}
