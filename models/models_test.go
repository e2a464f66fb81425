package models

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestParseWei(t *testing.T) {
	cases := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{raw: "", want: "0"},
		{raw: "  ", want: "0"},
		{raw: "0", want: "0"},
		{raw: "123456789012345678901234567890", want: "123456789012345678901234567890"},
		{raw: "-1", wantErr: true},
		{raw: "1.5", wantErr: true},
		{raw: "abc", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseWei(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseWei(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseWei(%q): %v", tc.raw, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseWei(%q) = %s, want %s", tc.raw, got.String(), tc.want)
		}
	}
}

func TestFormatWei(t *testing.T) {
	if got := FormatWei(nil); got != "0" {
		t.Fatalf("FormatWei(nil) = %q, want 0", got)
	}
	value, _ := new(big.Int).SetString("987654321098765432109876543210", 10)
	if got := FormatWei(value); got != value.String() {
		t.Fatalf("FormatWei = %q, want %q", got, value.String())
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress("  0xABCdef0123  "); got != "0xabcdef0123" {
		t.Fatalf("normalize = %q", got)
	}
}

func TestSatelliteWalletsForOrdered(t *testing.T) {
	db := setupTestDB(t)
	user := "0x1111111111111111111111111111111111111111"
	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		wallet := SatelliteWallet{
			ID:            uuid.New(),
			UserAddress:   user,
			Address:       fmt.Sprintf("0x%040d", i+1),
			SignerAddress: fmt.Sprintf("0x%040d", 100+i),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := db.Create(&wallet).Error; err != nil {
			t.Fatalf("create wallet: %v", err)
		}
	}
	wallets, err := SatelliteWalletsFor(db, "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("load wallets: %v", err)
	}
	if len(wallets) != 5 {
		t.Fatalf("expected 5 wallets, got %d", len(wallets))
	}
	for i, wallet := range wallets {
		want := fmt.Sprintf("0x%040d", i+1)
		if wallet.Address != want {
			t.Fatalf("wallet %d = %s, want %s", i, wallet.Address, want)
		}
	}
}

func TestAppendLogNormalizes(t *testing.T) {
	db := setupTestDB(t)
	entry := BumpLog{
		UserAddress:      "0xAAAA000000000000000000000000000000000001",
		SatelliteAddress: "0xBBBB000000000000000000000000000000000002",
		Action:           ActionSwap,
		Status:           StatusSuccess,
		AmountWei:        "5",
		CreatedAt:        time.Now().UTC(),
	}
	if err := AppendLog(db, entry); err != nil {
		t.Fatalf("append log: %v", err)
	}
	var stored BumpLog
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("load log: %v", err)
	}
	if stored.UserAddress != "0xaaaa000000000000000000000000000000000001" {
		t.Fatalf("user not normalized: %s", stored.UserAddress)
	}
	if stored.SatelliteAddress != "0xbbbb000000000000000000000000000000000002" {
		t.Fatalf("satellite not normalized: %s", stored.SatelliteAddress)
	}
	if stored.ID == uuid.Nil {
		t.Fatalf("expected generated id")
	}
}
