package ledger

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
	"clawdbump/models"
)

const testUser = "0x00000000000000000000000000000000000000aa"

func setupLedgerTestDB(t *testing.T) *gorm.DB {
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

func fixedOracle(native, wrapped int64) chain.FuncOracle {
	return chain.FuncOracle{
		NativeFunc: func(context.Context, common.Address) (*big.Int, error) {
			return big.NewInt(native), nil
		},
		WrappedFunc: func(context.Context, common.Address) (*big.Int, error) {
			return big.NewInt(wrapped), nil
		},
	}
}

func satelliteAddr(i int) string {
	return fmt.Sprintf("0x%040d", i+1)
}

func seedSatellites(t *testing.T, db *gorm.DB, user string) {
	t.Helper()
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < models.SatelliteCount; i++ {
		wallet := models.SatelliteWallet{
			ID:            uuid.New(),
			UserAddress:   user,
			Address:       satelliteAddr(i),
			SignerAddress: fmt.Sprintf("0x%040d", 900+i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&wallet).Error; err != nil {
			t.Fatalf("create wallet: %v", err)
		}
	}
}

func TestAddMainCreditCappedAtChain(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(40, 60))
	wallet := common.HexToAddress(testUser)

	balance, err := ledger.AddMainCredit(context.Background(), testUser, wallet, big.NewInt(70))
	if err != nil {
		t.Fatalf("add credit: %v", err)
	}
	if balance.Int64() != 70 {
		t.Fatalf("balance = %d, want 70", balance.Int64())
	}

	// A second deposit would take the ledger past the on-chain total of
	// 100; the balance must stop at the ceiling.
	balance, err = ledger.AddMainCredit(context.Background(), testUser, wallet, big.NewInt(70))
	if err != nil {
		t.Fatalf("add credit: %v", err)
	}
	if balance.Int64() != 100 {
		t.Fatalf("balance = %d, want 100", balance.Int64())
	}
}

func TestAddMainCreditRejectsNonPositive(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(10, 10))
	wallet := common.HexToAddress(testUser)
	for _, delta := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := ledger.AddMainCredit(context.Background(), testUser, wallet, delta); err == nil {
			t.Fatalf("expected error for delta %v", delta)
		}
	}
}

func TestDeductMainCreditFloorsAtZero(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(0, 1000))
	wallet := common.HexToAddress(testUser)

	if _, err := ledger.AddMainCredit(context.Background(), testUser, wallet, big.NewInt(50)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	balance, err := ledger.DeductMainCredit(context.Background(), testUser, big.NewInt(80))
	if err != nil {
		t.Fatalf("deduct: %v", err)
	}
	if balance.Sign() != 0 {
		t.Fatalf("balance = %s, want 0", balance.String())
	}
}

func TestSyncMainCreditModes(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(30, 20))
	wallet := common.HexToAddress(testUser)

	if _, err := ledger.AddMainCredit(context.Background(), testUser, wallet, big.NewInt(40)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	// Chain total 50 is above the ledger 40: raise-only lifts it.
	balance, err := ledger.SyncMainCredit(context.Background(), testUser, wallet, SyncRaiseOnly)
	if err != nil {
		t.Fatalf("sync raise: %v", err)
	}
	if balance.Int64() != 50 {
		t.Fatalf("balance = %d, want 50", balance.Int64())
	}

	// Raise-only never lowers: a ledger above the chain stays put.
	low := New(db, fixedOracle(5, 5))
	balance, err = low.SyncMainCredit(context.Background(), testUser, wallet, SyncRaiseOnly)
	if err != nil {
		t.Fatalf("sync raise: %v", err)
	}
	if balance.Int64() != 50 {
		t.Fatalf("balance = %d, want 50", balance.Int64())
	}

	// Force overwrites either way.
	balance, err = low.SyncMainCredit(context.Background(), testUser, wallet, SyncForce)
	if err != nil {
		t.Fatalf("sync force: %v", err)
	}
	if balance.Int64() != 10 {
		t.Fatalf("balance = %d, want 10", balance.Int64())
	}

	// Two of the three syncs changed the balance; each left an audit entry.
	var syncLogs []models.BumpLog
	if err := db.Where("user_address = ? AND action = ?", models.NormalizeAddress(testUser), models.ActionCreditSync).
		Order("amount_wei asc").Find(&syncLogs).Error; err != nil {
		t.Fatalf("load sync logs: %v", err)
	}
	if len(syncLogs) != 2 {
		t.Fatalf("sync logs = %d, want 2", len(syncLogs))
	}
	if syncLogs[0].AmountWei != "10" || syncLogs[1].AmountWei != "50" {
		t.Fatalf("sync log amounts = %q, %q", syncLogs[0].AmountWei, syncLogs[1].AmountWei)
	}
}

func TestRecordDistributionConservation(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(0, 1000))
	wallet := common.HexToAddress(testUser)
	ctx := context.Background()

	if _, err := ledger.AddMainCredit(ctx, testUser, wallet, big.NewInt(100)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	legs := make([]DistributionLeg, models.SatelliteCount)
	for i := range legs {
		legs[i] = DistributionLeg{Satellite: satelliteAddr(i), WrappedWei: big.NewInt(20)}
	}
	if err := ledger.RecordDistribution(ctx, testUser, legs, "0xtx1"); err != nil {
		t.Fatalf("record distribution: %v", err)
	}

	main, err := ledger.MainCredit(ctx, testUser)
	if err != nil {
		t.Fatalf("main credit: %v", err)
	}
	if main.Sign() != 0 {
		t.Fatalf("main = %s, want 0", main.String())
	}
	total, err := ledger.GetTotalCredit(ctx, testUser)
	if err != nil {
		t.Fatalf("total credit: %v", err)
	}
	if total.TotalWei.Int64() != 100 {
		t.Fatalf("total = %d, want 100", total.TotalWei.Int64())
	}
	if total.SatellitesWei.Int64() != 100 {
		t.Fatalf("satellites = %d, want 100", total.SatellitesWei.Int64())
	}

	var count int64
	if err := db.Model(&models.BumpLog{}).
		Where("action = ?", models.ActionDistribution).
		Count(&count).Error; err != nil {
		t.Fatalf("count logs: %v", err)
	}
	if count != int64(models.SatelliteCount) {
		t.Fatalf("expected %d distribution logs, got %d", models.SatelliteCount, count)
	}
}

func TestNativeDistributionPreservesTotalCredit(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(1000, 0))
	wallet := common.HexToAddress(testUser)
	ctx := context.Background()

	if _, err := ledger.AddMainCredit(ctx, testUser, wallet, big.NewInt(100)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}

	before, err := ledger.GetTotalCredit(ctx, testUser)
	if err != nil {
		t.Fatalf("total credit before: %v", err)
	}

	// All five legs carry native credit only.
	legs := make([]DistributionLeg, models.SatelliteCount)
	for i := range legs {
		legs[i] = DistributionLeg{Satellite: satelliteAddr(i), NativeWei: big.NewInt(20)}
	}
	if err := ledger.RecordDistribution(ctx, testUser, legs, "0xtx9"); err != nil {
		t.Fatalf("record distribution: %v", err)
	}

	after, err := ledger.GetTotalCredit(ctx, testUser)
	if err != nil {
		t.Fatalf("total credit after: %v", err)
	}
	if after.TotalWei.Cmp(before.TotalWei) != 0 {
		t.Fatalf("total changed across native distribution: before=%s after=%s",
			before.TotalWei.String(), after.TotalWei.String())
	}
	if after.MainWei.Sign() != 0 {
		t.Fatalf("main = %s, want 0", after.MainWei.String())
	}
	if after.SatellitesWei.Int64() != 100 {
		t.Fatalf("satellites = %d, want 100", after.SatellitesWei.Int64())
	}
}

func TestRecordDistributionRejectsOverdraft(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(0, 1000))
	wallet := common.HexToAddress(testUser)
	ctx := context.Background()

	if _, err := ledger.AddMainCredit(ctx, testUser, wallet, big.NewInt(30)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	legs := []DistributionLeg{{Satellite: satelliteAddr(0), WrappedWei: big.NewInt(50)}}
	err := ledger.RecordDistribution(ctx, testUser, legs, "0xtx2")
	if !errors.Is(err, ErrIntegrityAnomaly) {
		t.Fatalf("expected ErrIntegrityAnomaly, got %v", err)
	}

	// The aborted transaction must not have moved anything.
	main, err := ledger.MainCredit(ctx, testUser)
	if err != nil {
		t.Fatalf("main credit: %v", err)
	}
	if main.Int64() != 30 {
		t.Fatalf("main = %d, want 30", main.Int64())
	}
	_, wrapped, err := ledger.SatelliteCredit(ctx, testUser, satelliteAddr(0))
	if err != nil {
		t.Fatalf("satellite credit: %v", err)
	}
	if wrapped.Sign() != 0 {
		t.Fatalf("satellite wrapped = %s, want 0", wrapped.String())
	}
}

func TestRecordDistributionAdditive(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(0, 1000))
	wallet := common.HexToAddress(testUser)
	ctx := context.Background()

	if _, err := ledger.AddMainCredit(ctx, testUser, wallet, big.NewInt(100)); err != nil {
		t.Fatalf("seed credit: %v", err)
	}
	legs := []DistributionLeg{{Satellite: satelliteAddr(0), WrappedWei: big.NewInt(10), NativeWei: big.NewInt(5)}}
	if err := ledger.RecordDistribution(ctx, testUser, legs, "0xtx3"); err != nil {
		t.Fatalf("first distribution: %v", err)
	}
	if err := ledger.RecordDistribution(ctx, testUser, legs, "0xtx4"); err != nil {
		t.Fatalf("second distribution: %v", err)
	}
	native, wrapped, err := ledger.SatelliteCredit(ctx, testUser, satelliteAddr(0))
	if err != nil {
		t.Fatalf("satellite credit: %v", err)
	}
	if native.Int64() != 10 || wrapped.Int64() != 20 {
		t.Fatalf("satellite = native %d wrapped %d, want 10/20", native.Int64(), wrapped.Int64())
	}
}

func TestSyncSatelliteToChainOverwrites(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(7, 13))
	ctx := context.Background()

	if err := ledger.SetSatelliteWrapped(ctx, testUser, satelliteAddr(0), big.NewInt(999)); err != nil {
		t.Fatalf("seed satellite: %v", err)
	}
	if err := ledger.SyncSatelliteToChain(ctx, testUser, satelliteAddr(0)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	native, wrapped, err := ledger.SatelliteCredit(ctx, testUser, satelliteAddr(0))
	if err != nil {
		t.Fatalf("satellite credit: %v", err)
	}
	if native.Int64() != 7 || wrapped.Int64() != 13 {
		t.Fatalf("satellite = native %d wrapped %d, want 7/13", native.Int64(), wrapped.Int64())
	}

	// Syncing twice is idempotent.
	if err := ledger.SyncSatelliteToChain(ctx, testUser, satelliteAddr(0)); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	native, wrapped, err = ledger.SatelliteCredit(ctx, testUser, satelliteAddr(0))
	if err != nil {
		t.Fatalf("satellite credit: %v", err)
	}
	if native.Int64() != 7 || wrapped.Int64() != 13 {
		t.Fatalf("after resync = native %d wrapped %d", native.Int64(), wrapped.Int64())
	}
}

func TestSyncAllSatellites(t *testing.T) {
	db := setupLedgerTestDB(t)
	seedSatellites(t, db, testUser)
	ledger := New(db, fixedOracle(3, 11))
	ctx := context.Background()

	if err := ledger.SyncAllSatellites(ctx, testUser); err != nil {
		t.Fatalf("sync all: %v", err)
	}
	for i := 0; i < models.SatelliteCount; i++ {
		native, wrapped, err := ledger.SatelliteCredit(ctx, testUser, satelliteAddr(i))
		if err != nil {
			t.Fatalf("satellite %d: %v", i, err)
		}
		if native.Int64() != 3 || wrapped.Int64() != 11 {
			t.Fatalf("satellite %d = native %d wrapped %d", i, native.Int64(), wrapped.Int64())
		}
	}
}

func TestGetTotalCreditMissingUser(t *testing.T) {
	db := setupLedgerTestDB(t)
	ledger := New(db, fixedOracle(0, 0))
	balance, err := ledger.GetTotalCredit(context.Background(), "0x00000000000000000000000000000000000000ff")
	if err != nil {
		t.Fatalf("total credit: %v", err)
	}
	if balance.TotalWei.Sign() != 0 || balance.MainWei.Sign() != 0 || balance.SatellitesWei.Sign() != 0 {
		t.Fatalf("expected zero balances, got %+v", balance)
	}
}
