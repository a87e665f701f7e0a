package orchestrator

import (
	"context"
	"errors"
	"io"
	"math/big"
	"strings"
	"testing"

	"invoicerail/internal/content"
	"invoicerail/internal/journal"
	"invoicerail/internal/ledger"
	"invoicerail/internal/metadata"
	"invoicerail/internal/wallet"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	seller = common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyer  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fixture struct {
	fake    *ledger.FakeLedger
	store   *content.MemoryStore
	journal *journal.MemoryStore
}

func newFixture() *fixture {
	return &fixture{
		fake:    ledger.NewFakeLedger(seller),
		store:   content.NewMemoryStore(),
		journal: journal.NewMemoryStore(),
	}
}

// orchestratorFor builds an orchestrator acting as account against the shared
// fake ledger.
func (f *fixture) orchestratorFor(t *testing.T, account common.Address) *Orchestrator {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	o, err := New(Config{
		Gateway:         f.fake,
		Journal:         f.journal,
		Content:         f.store,
		Resolver:        metadata.NewResolver(f.store, "https://pins.example.com", "tok"),
		Account:         account,
		ListingPriceWei: "100",
		CreditAmountWei: "500",
		Logger:          logger,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func mintRequest() MintRequest {
	return MintRequest{
		Name:            "Invoice 42",
		Description:     "office supplies",
		InvoiceAmount:   "5000",
		CreditRequested: "4000",
		DueBy:           "2026-10-01",
	}
}

func (f *fixture) mintListed(t *testing.T) *MintResult {
	t.Helper()
	f.fake.SetCaller(seller)
	res, err := f.orchestratorFor(t, seller).MintAndList(context.Background(), mintRequest())
	if err != nil {
		t.Fatalf("mint and list: %v", err)
	}
	return res
}

func TestNewRejectsMissingConfig(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Fatal("expected construction error for empty config")
	}
}

func TestMintAndListScenarioA(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	res := f.mintListed(t)

	if res.TokenID.Sign() != 0 {
		t.Fatalf("expected first minted tokenId 0, got %s", res.TokenID)
	}
	if res.MetadataPointer == "" {
		t.Fatal("expected a metadata pointer")
	}

	owner, err := f.fake.OwnerOf(ctx, res.TokenID)
	if err != nil {
		t.Fatalf("ownerOf: %v", err)
	}
	if owner != seller {
		t.Fatalf("expected minter to own token, got %s", owner)
	}

	lst, err := f.fake.GetListing(ctx, res.TokenID)
	if err != nil {
		t.Fatalf("getListing: %v", err)
	}
	if !lst.IsActive || lst.Seller != seller || lst.Price.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("expected (minter, 100, active) listing, got %+v", lst)
	}
}

func TestMintAndListRejectsUnparseableDueDate(t *testing.T) {
	f := newFixture()
	req := mintRequest()
	req.DueBy = "someday"

	_, err := f.orchestratorFor(t, seller).MintAndList(context.Background(), req)
	if err == nil {
		t.Fatal("expected due date error")
	}
	var partial *PartialWorkflowError
	if errors.As(err, &partial) {
		t.Fatalf("nothing confirmed, must not be partial: %v", err)
	}
}

func TestMintAndListPartialAfterMint(t *testing.T) {
	f := newFixture()
	f.fake.SubmitErr["listNFT"] = errors.New("execution reverted: Marketplace not approved")

	_, err := f.orchestratorFor(t, seller).MintAndList(context.Background(), mintRequest())

	var partial *PartialWorkflowError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialWorkflow, got %v", err)
	}
	if partial.Failed != StepList {
		t.Fatalf("expected failure at List, got %s", partial.Failed)
	}

	// Minted but unlisted is the documented terminal state: token exists,
	// owner keeps it, no active listing.
	owner, err := f.fake.OwnerOf(context.Background(), big.NewInt(0))
	if err != nil || owner != seller {
		t.Fatalf("expected minted token to remain with owner: %v %s", err, owner)
	}
	lst, _ := f.fake.GetListing(context.Background(), big.NewInt(0))
	if lst.IsActive {
		t.Fatal("listing must not exist after List failed")
	}
}

func TestBuyScenarioBStaleListing(t *testing.T) {
	f := newFixture()
	res := f.mintListed(t)
	ctx := context.Background()

	// Concurrent unlist lands between discovery and action.
	if err := f.orchestratorFor(t, seller).Unlist(ctx, "", res.TokenID); err != nil {
		t.Fatalf("unlist: %v", err)
	}

	f.fake.SetCaller(buyer)
	_, err := f.orchestratorFor(t, buyer).BuyAndOpenCredit(ctx, BuyRequest{
		TokenID:       res.TokenID,
		ExpectedPrice: big.NewInt(100),
	})

	var rejected *ledger.RemoteRejectedError
	if !errors.As(err, &rejected) || rejected.Reason != ledger.ReasonStaleListing {
		t.Fatalf("expected StaleListing, got %v", err)
	}
	if !strings.Contains(rejected.Detail, "NotListed") {
		t.Fatalf("expected NotListed detail, got %q", rejected.Detail)
	}

	// Buy was never submitted: ownership unchanged.
	owner, _ := f.fake.OwnerOf(ctx, res.TokenID)
	if owner != seller {
		t.Fatalf("buy must not have run, owner is %s", owner)
	}
}

func TestBuyRejectsChangedPrice(t *testing.T) {
	f := newFixture()
	res := f.mintListed(t)

	f.fake.SetCaller(buyer)
	_, err := f.orchestratorFor(t, buyer).BuyAndOpenCredit(context.Background(), BuyRequest{
		TokenID:       res.TokenID,
		ExpectedPrice: big.NewInt(99),
	})
	var rejected *ledger.RemoteRejectedError
	if !errors.As(err, &rejected) || rejected.Reason != ledger.ReasonStaleListing {
		t.Fatalf("expected StaleListing for changed price, got %v", err)
	}
	if !strings.Contains(rejected.Detail, "PriceChanged") {
		t.Fatalf("expected PriceChanged detail, got %q", rejected.Detail)
	}
}

func TestBuyScenarioCPartialAfterBuy(t *testing.T) {
	f := newFixture()
	res := f.mintListed(t)
	ctx := context.Background()

	f.fake.SetCaller(buyer)
	// The operator declines the credit-handler approval prompt.
	f.fake.Authorize = func(op string) error {
		if op == "registry.approve" {
			return wallet.ErrDeclined
		}
		return nil
	}

	_, err := f.orchestratorFor(t, buyer).BuyAndOpenCredit(ctx, BuyRequest{
		TokenID:       res.TokenID,
		ExpectedPrice: big.NewInt(100),
	})

	var partial *PartialWorkflowError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialWorkflow, got %v", err)
	}
	if partial.Failed != StepApproveCreditHandler {
		t.Fatalf("expected failure at ApproveCreditHandler, got %s", partial.Failed)
	}
	if !errors.Is(partial.Err, ledger.ErrUserDeclined) {
		t.Fatalf("expected UserDeclined cause, got %v", partial.Err)
	}

	found := false
	for _, s := range partial.Completed {
		if s == StepBuy {
			found = true
		}
	}
	if !found {
		t.Fatalf("Buy must be recorded as completed, got %v", partial.Completed)
	}

	// The purchase is durable: buyer owns the NFT, no credit record exists.
	owner, _ := f.fake.OwnerOf(ctx, res.TokenID)
	if owner != buyer {
		t.Fatalf("expected buyer ownership, got %s", owner)
	}
	if _, err := f.fake.GetCredit(ctx, big.NewInt(0)); err == nil {
		t.Fatal("no credit must exist after halted workflow")
	}
}

func TestBuyAndOpenCreditFullFlow(t *testing.T) {
	f := newFixture()
	res := f.mintListed(t)
	ctx := context.Background()

	f.fake.SetCaller(buyer)
	out, err := f.orchestratorFor(t, buyer).BuyAndOpenCredit(ctx, BuyRequest{
		TokenID:       res.TokenID,
		ExpectedPrice: big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("buy and open credit: %v", err)
	}

	if out.CreditID == nil || out.CreditID.Sign() != 0 {
		t.Fatalf("expected creditId 0, got %v", out.CreditID)
	}
	// The obligor is the pre-purchase seller, not the buyer.
	if !wallet.SameAccount(out.Lendee, seller.Hex()) {
		t.Fatalf("expected lendee %s, got %s", seller.Hex(), out.Lendee)
	}

	cr, err := f.fake.GetCredit(ctx, out.CreditID)
	if err != nil {
		t.Fatalf("getCredit: %v", err)
	}
	if cr.Lendee != seller || cr.Lender != buyer {
		t.Fatalf("unexpected credit parties: %+v", cr)
	}
	if cr.Amount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("expected policy credit amount 500, got %s", cr.Amount)
	}
	if cr.DueBy.Int64() != out.DueBy || out.DueBy <= 0 {
		t.Fatalf("dueBy mismatch: %s vs %d", cr.DueBy, out.DueBy)
	}
}

func TestBuyAbortsOnMetadataFailureBeforeFundsMove(t *testing.T) {
	f := newFixture()
	res := f.mintListed(t)
	ctx := context.Background()

	// Wipe the stored metadata so resolution fails after validation.
	f.store.Put(res.MetadataPointer, nil)

	f.fake.SetCaller(buyer)
	_, err := f.orchestratorFor(t, buyer).BuyAndOpenCredit(ctx, BuyRequest{
		TokenID:       res.TokenID,
		ExpectedPrice: big.NewInt(100),
	})

	var fetchErr *metadata.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected MetadataFetchError, got %v", err)
	}
	owner, _ := f.fake.OwnerOf(ctx, res.TokenID)
	if owner != seller {
		t.Fatalf("funds moved despite metadata failure, owner %s", owner)
	}
}

func TestPayCreditScenarioD(t *testing.T) {
	f := newFixture()
	res := f.mintListed(t)
	ctx := context.Background()

	f.fake.SetCaller(buyer)
	out, err := f.orchestratorFor(t, buyer).BuyAndOpenCredit(ctx, BuyRequest{
		TokenID:       res.TokenID,
		ExpectedPrice: big.NewInt(100),
	})
	if err != nil {
		t.Fatalf("open credit: %v", err)
	}

	f.fake.SetCaller(seller)
	payer := f.orchestratorFor(t, seller)

	pay, err := payer.PayCredit(ctx, PayRequest{CreditID: out.CreditID, Amount: big.NewInt(500)})
	if err != nil {
		t.Fatalf("pay credit: %v", err)
	}
	if pay.TxHash == "" {
		t.Fatal("expected a payment tx hash")
	}

	cr, err := f.fake.GetCredit(ctx, out.CreditID)
	if err != nil {
		t.Fatalf("getCredit: %v", err)
	}
	if !cr.IsPaid {
		t.Fatal("credit must be paid")
	}

	// Second settlement of the same credit is AlreadyPaid, regardless of
	// amount.
	_, err = payer.PayCredit(ctx, PayRequest{CreditID: out.CreditID, Amount: big.NewInt(500)})
	var rejected *ledger.RemoteRejectedError
	if !errors.As(err, &rejected) || rejected.Reason != ledger.ReasonAlreadyPaid {
		t.Fatalf("expected AlreadyPaid, got %v", err)
	}
}

func TestJournalRecordsProgressCursor(t *testing.T) {
	f := newFixture()
	f.fake.SubmitErr["listNFT"] = errors.New("execution reverted: Marketplace not approved")

	_, err := f.orchestratorFor(t, seller).MintAndList(context.Background(), MintRequest{
		Key:             "idem-1",
		Name:            "Invoice",
		InvoiceAmount:   "1",
		CreditRequested: "1",
		DueBy:           "2026-10-01",
	})
	if err == nil {
		t.Fatal("expected halt")
	}

	run, _ := f.journal.GetByKey(context.Background(), "idem-1")
	if run == nil {
		t.Fatal("expected journaled run")
	}
	if run.Status != journal.StatusPartial || run.FailedStep != string(StepList) {
		t.Fatalf("unexpected journal state: %+v", run)
	}
	if run.TxHashes[string(StepMint)] == "" {
		t.Fatal("expected mint tx hash in journal")
	}
}

func TestUserMessageNamesLastCompletedStep(t *testing.T) {
	err := &PartialWorkflowError{
		Workflow:  "buy-and-open-credit",
		Completed: []Step{StepValidateListing, StepResolveMetadata, StepBuy},
		Failed:    StepApproveCreditHandler,
		Err:       ledger.ErrUserDeclined,
	}
	msg := UserMessage(err)
	if !strings.Contains(msg, "Buy") || !strings.Contains(msg, "ApproveCreditHandler") {
		t.Fatalf("message must name halt point and last completed step: %q", msg)
	}
}

func TestCategoryMapping(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ledger.ErrConnectivity, "ConnectivityError"},
		{ledger.ErrUserDeclined, "UserDeclined"},
		{ledger.ErrConfirmationTimeout, "ConfirmationTimeout"},
		{&ledger.EstimationError{Method: "buyNFT", Err: errors.New("revert")}, "EstimationFailed"},
		{&ledger.RemoteRejectedError{Reason: ledger.ReasonAlreadyPaid}, "RemoteRejected:AlreadyPaid"},
		{&metadata.FetchError{Pointer: "p"}, "MetadataFetchError"},
		{errors.New("boom"), "Unknown"},
	}
	for _, tc := range cases {
		if got := Category(tc.err); got != tc.want {
			t.Fatalf("Category(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
