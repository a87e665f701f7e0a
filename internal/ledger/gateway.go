// Package ledger is the typed RPC facade over the three on-chain services:
// the invoice registry, the marketplace and the credit handler. Reads return
// latest confirmed state; writes return a pending-operation handle that must
// be confirmed before the effect is treated as durable.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Service names one of the three remote contracts.
type Service string

const (
	ServiceRegistry      Service = "registry"
	ServiceMarketplace   Service = "marketplace"
	ServiceCreditHandler Service = "credithandler"
)

// CallSpec describes one state-changing call: the exact service, method,
// arguments and attached value. Gas estimation and submission both use the
// same spec so the estimate always matches the call about to be sent.
type CallSpec struct {
	Service Service
	Method  string
	Args    []interface{}
	Value   *big.Int
}

// PendingOp is the handle for a submitted, not-yet-confirmed write.
type PendingOp struct {
	Service Service
	Method  string
	TxHash  common.Hash
}

// Receipt is the confirmed outcome of a write. TokenID is populated for
// registry mints (third positional value of the Transfer event) and CreditID
// for credit opens (first positional value of the CreditOpened event); both
// are documented contracts of those writes, not generic log scraping.
type Receipt struct {
	Op       PendingOp
	GasUsed  uint64
	TokenID  *big.Int
	CreditID *big.Int
}

// Listing mirrors Marketplace.getListing.
type Listing struct {
	Seller   common.Address
	Price    *big.Int
	IsActive bool
}

// Credit mirrors CreditHandler.getCredit.
type Credit struct {
	Lender  common.Address
	Lendee  common.Address
	Amount  *big.Int
	DueBy   *big.Int
	TokenID *big.Int
	IsPaid  bool
}

// Gateway is the full facade. Every write requires the gas limit produced by
// the estimator; the gateway never invents a budget on its own.
type Gateway interface {
	// Reads.
	OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error)
	TokenURI(ctx context.Context, tokenID *big.Int) (string, error)
	GetListing(ctx context.Context, tokenID *big.Int) (Listing, error)
	GetCredit(ctx context.Context, creditID *big.Int) (Credit, error)

	// Writes.
	Estimate(ctx context.Context, call CallSpec) (uint64, error)
	Submit(ctx context.Context, call CallSpec, gasLimit uint64) (PendingOp, error)
	Confirm(ctx context.Context, op PendingOp) (Receipt, error)

	// Deployment addresses, needed for approval targets.
	MarketplaceAddress() common.Address
	CreditHandlerAddress() common.Address
}
