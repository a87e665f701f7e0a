// Package views enumerates existing ledger records by polling a bounded id
// range. One read per id, sequential, ascending; a failed read means "no
// record at this id" and the scan continues. Every call rescans from zero.
package views

import (
	"context"
	"math/big"

	"invoicerail/internal/ledger"
	"invoicerail/internal/metadata"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// ListedInvoice pairs an active listing with its resolved metadata.
type ListedInvoice struct {
	TokenID  *big.Int          `json:"tokenId"`
	Seller   string            `json:"seller"`
	Price    *big.Int          `json:"price"`
	Metadata metadata.Metadata `json:"metadata"`
}

// CreditRecord is an open credit owed by the scanned account.
type CreditRecord struct {
	CreditID *big.Int          `json:"creditId"`
	TokenID  *big.Int          `json:"tokenId"`
	Lender   string            `json:"lender"`
	Amount   *big.Int          `json:"amount"`
	DueBy    *big.Int          `json:"dueBy"`
	Metadata metadata.Metadata `json:"metadata"`
}

// OwnedInvoice is a registry token held by the scanned account.
type OwnedInvoice struct {
	TokenID  *big.Int          `json:"tokenId"`
	Metadata metadata.Metadata `json:"metadata"`
}

// Views reads through the gateway and resolver. Limit bounds the scanned id
// range; the ceiling is a known scalability limit of the linear scan.
type Views struct {
	gateway  ledger.Gateway
	resolver *metadata.Resolver
	limit    uint64
	log      *logrus.Logger
}

func New(gw ledger.Gateway, resolver *metadata.Resolver, limit uint64, logger *logrus.Logger) *Views {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Views{gateway: gw, resolver: resolver, limit: limit, log: logger}
}

// ScanListings returns all active listings with resolved metadata, ascending
// by token id. A metadata failure omits the record rather than aborting the
// scan.
func (v *Views) ScanListings(ctx context.Context) ([]ListedInvoice, error) {
	out := []ListedInvoice{}
	for i := uint64(0); i < v.limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tokenID := new(big.Int).SetUint64(i)

		lst, err := v.gateway.GetListing(ctx, tokenID)
		if err != nil || !lst.IsActive {
			continue
		}

		meta, err := v.resolveToken(ctx, tokenID)
		if err != nil {
			v.log.WithField("tokenId", i).WithError(err).Debug("skipping listing without metadata")
			continue
		}

		out = append(out, ListedInvoice{
			TokenID:  tokenID,
			Seller:   lst.Seller.Hex(),
			Price:    lst.Price,
			Metadata: meta,
		})
	}
	return out, nil
}

// ScanCredits returns the unpaid credits where account is the obligor,
// ascending by credit id.
func (v *Views) ScanCredits(ctx context.Context, account common.Address) ([]CreditRecord, error) {
	out := []CreditRecord{}
	for i := uint64(0); i < v.limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		creditID := new(big.Int).SetUint64(i)

		cr, err := v.gateway.GetCredit(ctx, creditID)
		if err != nil {
			continue
		}
		if cr.Lendee != account || cr.IsPaid {
			continue
		}

		meta, err := v.resolveToken(ctx, cr.TokenID)
		if err != nil {
			v.log.WithField("creditId", i).WithError(err).Debug("skipping credit without metadata")
			continue
		}

		out = append(out, CreditRecord{
			CreditID: creditID,
			TokenID:  cr.TokenID,
			Lender:   cr.Lender.Hex(),
			Amount:   cr.Amount,
			DueBy:    cr.DueBy,
			Metadata: meta,
		})
	}
	return out, nil
}

// ScanOwned returns the registry tokens held by account, ascending by id.
func (v *Views) ScanOwned(ctx context.Context, account common.Address) ([]OwnedInvoice, error) {
	out := []OwnedInvoice{}
	for i := uint64(0); i < v.limit; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tokenID := new(big.Int).SetUint64(i)

		owner, err := v.gateway.OwnerOf(ctx, tokenID)
		if err != nil || owner != account {
			continue
		}

		meta, err := v.resolveToken(ctx, tokenID)
		if err != nil {
			v.log.WithField("tokenId", i).WithError(err).Debug("skipping owned token without metadata")
			continue
		}
		out = append(out, OwnedInvoice{TokenID: tokenID, Metadata: meta})
	}
	return out, nil
}

func (v *Views) resolveToken(ctx context.Context, tokenID *big.Int) (metadata.Metadata, error) {
	pointer, err := v.gateway.TokenURI(ctx, tokenID)
	if err != nil {
		return metadata.Metadata{}, err
	}
	return v.resolver.Resolve(ctx, pointer)
}
