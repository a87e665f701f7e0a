package views

import (
	"context"
	"io"
	"math/big"
	"reflect"
	"testing"

	"invoicerail/internal/content"
	"invoicerail/internal/ledger"
	"invoicerail/internal/metadata"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func seedMetadata(store *content.MemoryStore, pointer, name string) {
	store.Put(pointer, []byte(`{
		"name": "`+name+`",
		"attributes": {"invoiceAmount": "100", "creditRequested": "80", "dueBy": "2026-10-01"}
	}`))
}

// seedLedger mints and lists tokens 0..n-1 for alice through the fake's call
// surface so the scan sees realistic state.
func seedLedger(t *testing.T, fake *ledger.FakeLedger, store *content.MemoryStore, n int) {
	t.Helper()
	ctx := context.Background()

	submit := func(call ledger.CallSpec) ledger.Receipt {
		op, err := fake.Submit(ctx, call, 60000)
		if err != nil {
			t.Fatalf("submit %s: %v", call.Method, err)
		}
		receipt, err := fake.Confirm(ctx, op)
		if err != nil {
			t.Fatalf("confirm %s: %v", call.Method, err)
		}
		return receipt
	}

	for i := 0; i < n; i++ {
		pointer := "ptr://meta-" + string(rune('a'+i))
		seedMetadata(store, pointer, "Invoice")
		receipt := submit(ledger.CallSpec{
			Service: ledger.ServiceRegistry,
			Method:  "safeMint",
			Args:    []interface{}{alice, pointer},
		})
		submit(ledger.CallSpec{
			Service: ledger.ServiceRegistry,
			Method:  "approve",
			Args:    []interface{}{fake.MarketplaceAddress(), receipt.TokenID},
		})
		submit(ledger.CallSpec{
			Service: ledger.ServiceMarketplace,
			Method:  "listNFT",
			Args:    []interface{}{receipt.TokenID, big.NewInt(int64(100 + i))},
		})
	}
}

func TestScanListingsAscendingAndIdempotent(t *testing.T) {
	fake := ledger.NewFakeLedger(alice)
	store := content.NewMemoryStore()
	seedLedger(t, fake, store, 3)

	v := New(fake, metadata.NewResolver(store, "https://pins.example.com", "tok"), 100, quietLogger())

	first, err := v.ScanListings(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("expected 3 listings, got %d", len(first))
	}
	for i, lst := range first {
		if lst.TokenID.Int64() != int64(i) {
			t.Fatalf("expected ascending ids, got %s at %d", lst.TokenID, i)
		}
	}

	second, err := v.ScanListings(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatal("scan must be idempotent with no intervening writes")
	}
}

func TestScanListingsSkipsRecordsWithoutMetadata(t *testing.T) {
	fake := ledger.NewFakeLedger(alice)
	store := content.NewMemoryStore()
	seedLedger(t, fake, store, 3)
	// Break token 1's metadata; the scan omits it and continues.
	store.Put("ptr://meta-b", []byte("{broken"))

	v := New(fake, metadata.NewResolver(store, "https://pins.example.com", "tok"), 100, quietLogger())
	got, err := v.ScanListings(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 listings after skip, got %d", len(got))
	}
	if got[0].TokenID.Int64() != 0 || got[1].TokenID.Int64() != 2 {
		t.Fatalf("unexpected ids: %s, %s", got[0].TokenID, got[1].TokenID)
	}
}

func TestScanCreditsFiltersByObligor(t *testing.T) {
	fake := ledger.NewFakeLedger(alice)
	store := content.NewMemoryStore()
	seedLedger(t, fake, store, 1)
	ctx := context.Background()

	// Bob buys token 0 and opens a credit against alice.
	fake.SetCaller(bob)
	buy, err := fake.Submit(ctx, ledger.CallSpec{
		Service: ledger.ServiceMarketplace,
		Method:  "buyNFT",
		Args:    []interface{}{big.NewInt(0)},
		Value:   big.NewInt(100),
	}, 60000)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := fake.Confirm(ctx, buy); err != nil {
		t.Fatalf("confirm buy: %v", err)
	}
	approve, err := fake.Submit(ctx, ledger.CallSpec{
		Service: ledger.ServiceRegistry,
		Method:  "approve",
		Args:    []interface{}{fake.CreditHandlerAddress(), big.NewInt(0)},
	}, 60000)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := fake.Confirm(ctx, approve); err != nil {
		t.Fatalf("confirm approve: %v", err)
	}
	open, err := fake.Submit(ctx, ledger.CallSpec{
		Service: ledger.ServiceCreditHandler,
		Method:  "openCredit",
		Args:    []interface{}{alice, big.NewInt(500), big.NewInt(1790000000), big.NewInt(0)},
	}, 60000)
	if err != nil {
		t.Fatalf("openCredit: %v", err)
	}
	if _, err := fake.Confirm(ctx, open); err != nil {
		t.Fatalf("confirm openCredit: %v", err)
	}

	v := New(fake, metadata.NewResolver(store, "https://pins.example.com", "tok"), 100, quietLogger())

	mine, err := v.ScanCredits(ctx, alice)
	if err != nil {
		t.Fatalf("scan credits: %v", err)
	}
	if len(mine) != 1 || mine[0].CreditID.Sign() != 0 {
		t.Fatalf("expected alice's single credit, got %+v", mine)
	}
	if mine[0].Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected amount %s", mine[0].Amount)
	}

	theirs, err := v.ScanCredits(ctx, bob)
	if err != nil {
		t.Fatalf("scan credits: %v", err)
	}
	if len(theirs) != 0 {
		t.Fatalf("bob is lender, not obligor; got %+v", theirs)
	}
}

func TestScanOwned(t *testing.T) {
	fake := ledger.NewFakeLedger(alice)
	store := content.NewMemoryStore()
	seedLedger(t, fake, store, 2)

	v := New(fake, metadata.NewResolver(store, "https://pins.example.com", "tok"), 100, quietLogger())

	owned, err := v.ScanOwned(context.Background(), alice)
	if err != nil {
		t.Fatalf("scan owned: %v", err)
	}
	if len(owned) != 2 {
		t.Fatalf("expected 2 owned tokens, got %d", len(owned))
	}

	none, err := v.ScanOwned(context.Background(), bob)
	if err != nil {
		t.Fatalf("scan owned: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("bob owns nothing, got %d", len(none))
	}
}
