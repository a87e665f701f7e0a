// Package listing re-confirms marketplace state immediately before funds are
// committed. Listings are discovered by batch scan and acted on later; the
// gap is a race window the validator closes, not prevents.
package listing

import (
	"context"
	"math/big"

	"invoicerail/internal/ledger"
)

// StaleReason explains a failed validation.
type StaleReason string

const (
	NotListed    StaleReason = "NotListed"
	PriceChanged StaleReason = "PriceChanged"
)

// Result of a pre-purchase validation. When OK is true, Listing holds the
// fresh read, including the seller captured before any ownership change.
type Result struct {
	OK      bool
	Reason  StaleReason
	Listing ledger.Listing
}

// Validator reads listing state fresh from the gateway.
type Validator struct {
	gateway ledger.Gateway
}

func NewValidator(gw ledger.Gateway) *Validator {
	return &Validator{gateway: gw}
}

// Validate rejects with NotListed if the listing is inactive and with
// PriceChanged if the current price differs from the discovered price.
// Price comparison is exact integer equality on the smallest unit.
func (v *Validator) Validate(ctx context.Context, tokenID, expectedPrice *big.Int) (Result, error) {
	lst, err := v.gateway.GetListing(ctx, tokenID)
	if err != nil {
		return Result{}, err
	}
	if !lst.IsActive {
		return Result{Reason: NotListed, Listing: lst}, nil
	}
	if lst.Price == nil || lst.Price.Cmp(expectedPrice) != 0 {
		return Result{Reason: PriceChanged, Listing: lst}, nil
	}
	return Result{OK: true, Listing: lst}, nil
}
