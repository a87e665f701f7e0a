package ledger

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FakeLedger emulates the three contracts in memory so workflows can be
// exercised without a node. Validation and revert reasons mirror the deployed
// contracts' require messages.
type FakeLedger struct {
	mu     sync.Mutex
	caller common.Address

	marketplaceAddr common.Address
	creditAddr      common.Address

	nextToken  uint64
	nextCredit uint64
	owners     map[uint64]common.Address
	uris       map[uint64]string
	approved   map[uint64]common.Address
	listings   map[uint64]Listing
	credits    map[uint64]Credit

	receipts map[common.Hash]Receipt
	seq      uint64

	// Authorize mimics the wallet prompt; nil authorizes silently.
	Authorize func(operation string) error
	// SubmitErr and ConfirmErr inject failures per method name.
	SubmitErr  map[string]error
	ConfirmErr map[string]error
}

func NewFakeLedger(caller common.Address) *FakeLedger {
	return &FakeLedger{
		caller:          caller,
		marketplaceAddr: common.HexToAddress("0x00000000000000000000000000000000000000A1"),
		creditAddr:      common.HexToAddress("0x00000000000000000000000000000000000000B2"),
		owners:          make(map[uint64]common.Address),
		uris:            make(map[uint64]string),
		approved:        make(map[uint64]common.Address),
		listings:        make(map[uint64]Listing),
		credits:         make(map[uint64]Credit),
		receipts:        make(map[common.Hash]Receipt),
		SubmitErr:       make(map[string]error),
		ConfirmErr:      make(map[string]error),
	}
}

// SetCaller switches the acting account, so tests can play seller and buyer.
func (f *FakeLedger) SetCaller(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caller = addr
}

func (f *FakeLedger) OwnerOf(_ context.Context, tokenID *big.Int) (common.Address, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[tokenID.Uint64()]
	if !ok {
		return common.Address{}, fmt.Errorf("execution reverted: nonexistent token %s", tokenID)
	}
	return owner, nil
}

func (f *FakeLedger) TokenURI(_ context.Context, tokenID *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	uri, ok := f.uris[tokenID.Uint64()]
	if !ok {
		return "", fmt.Errorf("execution reverted: nonexistent token %s", tokenID)
	}
	return uri, nil
}

// GetListing returns the zero listing for unknown ids, matching the default
// value of the contract's storage mapping.
func (f *FakeLedger) GetListing(_ context.Context, tokenID *big.Int) (Listing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lst, ok := f.listings[tokenID.Uint64()]
	if !ok {
		return Listing{Price: big.NewInt(0)}, nil
	}
	return lst, nil
}

func (f *FakeLedger) GetCredit(_ context.Context, creditID *big.Int) (Credit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cr, ok := f.credits[creditID.Uint64()]
	if !ok {
		return Credit{}, fmt.Errorf("execution reverted: credit does not exist")
	}
	return cr, nil
}

func (f *FakeLedger) Estimate(_ context.Context, call CallSpec) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.execute(call, true); err != nil {
		return 0, &EstimationError{Method: call.Method, Err: Classify(err)}
	}
	return 50000, nil
}

func (f *FakeLedger) Submit(_ context.Context, call CallSpec, _ uint64) (PendingOp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Authorize != nil {
		if err := f.Authorize(string(call.Service) + "." + call.Method); err != nil {
			return PendingOp{}, Classify(err)
		}
	}
	if err := f.SubmitErr[call.Method]; err != nil {
		return PendingOp{}, Classify(err)
	}

	receipt, err := f.execute(call, false)
	if err != nil {
		return PendingOp{}, Classify(err)
	}

	f.seq++
	hash := fakeHash(fmt.Sprintf("%s.%s#%d", call.Service, call.Method, f.seq))
	op := PendingOp{Service: call.Service, Method: call.Method, TxHash: hash}
	receipt.Op = op
	f.receipts[hash] = *receipt
	return op, nil
}

func (f *FakeLedger) Confirm(_ context.Context, op PendingOp) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ConfirmErr[op.Method]; err != nil {
		return Receipt{}, Classify(err)
	}
	receipt, ok := f.receipts[op.TxHash]
	if !ok {
		return Receipt{}, fmt.Errorf("unknown tx %s", op.TxHash.Hex())
	}
	return receipt, nil
}

func (f *FakeLedger) MarketplaceAddress() common.Address   { return f.marketplaceAddr }
func (f *FakeLedger) CreditHandlerAddress() common.Address { return f.creditAddr }

// execute validates a call and, unless dryRun, applies its effect. Reason
// strings match the contracts so classification behaves as in production.
func (f *FakeLedger) execute(call CallSpec, dryRun bool) (*Receipt, error) {
	receipt := &Receipt{GasUsed: 50000}

	switch {
	case call.Service == ServiceRegistry && call.Method == "safeMint":
		to := call.Args[0].(common.Address)
		uri := call.Args[1].(string)
		id := f.nextToken
		if !dryRun {
			f.nextToken++
			f.owners[id] = to
			f.uris[id] = uri
		}
		receipt.TokenID = new(big.Int).SetUint64(id)

	case call.Service == ServiceRegistry && call.Method == "approve":
		spender := call.Args[0].(common.Address)
		id := call.Args[1].(*big.Int).Uint64()
		owner, ok := f.owners[id]
		if !ok {
			return nil, fmt.Errorf("execution reverted: nonexistent token %d", id)
		}
		if owner != f.caller {
			return nil, fmt.Errorf("execution reverted: Not the owner of this NFT")
		}
		if !dryRun {
			f.approved[id] = spender
		}

	case call.Service == ServiceMarketplace && call.Method == "listNFT":
		id := call.Args[0].(*big.Int).Uint64()
		price := call.Args[1].(*big.Int)
		if f.owners[id] != f.caller {
			return nil, fmt.Errorf("execution reverted: Not the owner of this NFT")
		}
		if f.approved[id] != f.marketplaceAddr {
			return nil, fmt.Errorf("execution reverted: Marketplace not approved")
		}
		if lst, ok := f.listings[id]; ok && lst.IsActive {
			return nil, fmt.Errorf("execution reverted: Already listed")
		}
		if !dryRun {
			f.listings[id] = Listing{Seller: f.caller, Price: new(big.Int).Set(price), IsActive: true}
		}

	case call.Service == ServiceMarketplace && call.Method == "buyNFT":
		id := call.Args[0].(*big.Int).Uint64()
		lst, ok := f.listings[id]
		if !ok || !lst.IsActive {
			return nil, fmt.Errorf("execution reverted: NFT not listed for sale")
		}
		if call.Value == nil || call.Value.Cmp(lst.Price) != 0 {
			return nil, fmt.Errorf("execution reverted: Insufficient payment")
		}
		if !dryRun {
			f.owners[id] = f.caller
			delete(f.approved, id)
			lst.IsActive = false
			f.listings[id] = lst
		}

	case call.Service == ServiceMarketplace && call.Method == "unlistNFT":
		id := call.Args[0].(*big.Int).Uint64()
		lst, ok := f.listings[id]
		if !ok || !lst.IsActive {
			return nil, fmt.Errorf("execution reverted: NFT not listed for sale")
		}
		if lst.Seller != f.caller {
			return nil, fmt.Errorf("execution reverted: Not the seller")
		}
		if !dryRun {
			lst.IsActive = false
			f.listings[id] = lst
		}

	case call.Service == ServiceCreditHandler && call.Method == "openCredit":
		lendee := call.Args[0].(common.Address)
		amount := call.Args[1].(*big.Int)
		dueBy := call.Args[2].(*big.Int)
		tokenID := call.Args[3].(*big.Int)
		if f.approved[tokenID.Uint64()] != f.creditAddr {
			return nil, fmt.Errorf("execution reverted: CreditHandler not approved")
		}
		id := f.nextCredit
		if !dryRun {
			f.nextCredit++
			f.credits[id] = Credit{
				Lender:  f.caller,
				Lendee:  lendee,
				Amount:  new(big.Int).Set(amount),
				DueBy:   new(big.Int).Set(dueBy),
				TokenID: new(big.Int).Set(tokenID),
			}
		}
		receipt.CreditID = new(big.Int).SetUint64(id)

	case call.Service == ServiceCreditHandler && call.Method == "payCredit":
		id := call.Args[0].(*big.Int).Uint64()
		cr, ok := f.credits[id]
		if !ok {
			return nil, fmt.Errorf("execution reverted: credit does not exist")
		}
		if cr.IsPaid {
			return nil, fmt.Errorf("execution reverted: Credit already paid")
		}
		if call.Value == nil || call.Value.Cmp(cr.Amount) != 0 {
			return nil, fmt.Errorf("execution reverted: Insufficient payment")
		}
		if !dryRun {
			cr.IsPaid = true
			f.credits[id] = cr
		}

	default:
		return nil, fmt.Errorf("unknown call %s.%s", call.Service, call.Method)
	}

	return receipt, nil
}

func fakeHash(input string) common.Hash {
	sum := sha256.Sum256([]byte(input))
	return common.BytesToHash(sum[:])
}
