package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"invoicerail/internal/contracts"
	"invoicerail/internal/wallet"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const receiptPollInterval = 2 * time.Second

// EthGateway talks to the deployed contracts over JSON-RPC.
type EthGateway struct {
	client         *ethclient.Client
	session        *wallet.Session
	chainID        *big.Int
	transactor     *bind.TransactOpts
	confirmTimeout time.Duration

	registry      boundService
	marketplace   boundService
	creditHandler boundService

	transferTopic     common.Hash
	creditOpenedTopic common.Hash
}

type boundService struct {
	abi      abi.ABI
	address  common.Address
	contract *bind.BoundContract
}

type EthGatewayConfig struct {
	RPCURL               string
	RegistryAddress      string
	MarketplaceAddress   string
	CreditHandlerAddress string
	ConfirmTimeout       time.Duration
}

// NewEthGateway dials the node and binds the three contracts. A session
// without signing capability still yields a working read side; writes fail
// the capability check at submit time.
func NewEthGateway(ctx context.Context, cfg EthGatewayConfig, session *wallet.Session) (*EthGateway, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RegistryAddress == "" || cfg.MarketplaceAddress == "" || cfg.CreditHandlerAddress == "" {
		return nil, fmt.Errorf("all three contract addresses are required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial rpc: %v", ErrConnectivity, err)
	}

	registry, err := bindService(cli, cfg.RegistryAddress, contracts.InvoiceRegistryABI)
	if err != nil {
		return nil, fmt.Errorf("bind registry: %w", err)
	}
	marketplace, err := bindService(cli, cfg.MarketplaceAddress, contracts.MarketplaceABI)
	if err != nil {
		return nil, fmt.Errorf("bind marketplace: %w", err)
	}
	creditHandler, err := bindService(cli, cfg.CreditHandlerAddress, contracts.CreditHandlerABI)
	if err != nil {
		return nil, fmt.Errorf("bind credit handler: %w", err)
	}

	g := &EthGateway{
		client:            cli,
		session:           session,
		confirmTimeout:    cfg.ConfirmTimeout,
		registry:          registry,
		marketplace:       marketplace,
		creditHandler:     creditHandler,
		transferTopic:     registry.abi.Events["Transfer"].ID,
		creditOpenedTopic: creditHandler.abi.Events["CreditOpened"].ID,
	}

	if session != nil && session.Ready() == nil {
		chainID, err := cli.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch chain id: %v", ErrConnectivity, err)
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(session.Key(), chainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		g.chainID = chainID
		g.transactor = txOpts
	}

	return g, nil
}

func bindService(cli *ethclient.Client, address, abiJSON string) (boundService, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return boundService{}, fmt.Errorf("parse abi: %w", err)
	}
	addr := common.HexToAddress(address)
	return boundService{
		abi:      parsed,
		address:  addr,
		contract: bind.NewBoundContract(addr, parsed, cli, cli, cli),
	}, nil
}

func (g *EthGateway) serviceFor(s Service) (boundService, error) {
	switch s {
	case ServiceRegistry:
		return g.registry, nil
	case ServiceMarketplace:
		return g.marketplace, nil
	case ServiceCreditHandler:
		return g.creditHandler, nil
	default:
		return boundService{}, fmt.Errorf("unknown service %q", s)
	}
}

func (g *EthGateway) OwnerOf(ctx context.Context, tokenID *big.Int) (common.Address, error) {
	var out []interface{}
	if err := g.registry.contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", tokenID); err != nil {
		return common.Address{}, Classify(fmt.Errorf("ownerOf(%s): %w", tokenID, err))
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

func (g *EthGateway) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	var out []interface{}
	if err := g.registry.contract.Call(&bind.CallOpts{Context: ctx}, &out, "tokenURI", tokenID); err != nil {
		return "", Classify(fmt.Errorf("tokenURI(%s): %w", tokenID, err))
	}
	return *abi.ConvertType(out[0], new(string)).(*string), nil
}

func (g *EthGateway) GetListing(ctx context.Context, tokenID *big.Int) (Listing, error) {
	var out []interface{}
	if err := g.marketplace.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getListing", tokenID); err != nil {
		return Listing{}, Classify(fmt.Errorf("getListing(%s): %w", tokenID, err))
	}
	return Listing{
		Seller:   *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Price:    abi.ConvertType(out[1], new(big.Int)).(*big.Int),
		IsActive: *abi.ConvertType(out[2], new(bool)).(*bool),
	}, nil
}

func (g *EthGateway) GetCredit(ctx context.Context, creditID *big.Int) (Credit, error) {
	var out []interface{}
	if err := g.creditHandler.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCredit", creditID); err != nil {
		return Credit{}, Classify(fmt.Errorf("getCredit(%s): %w", creditID, err))
	}
	return Credit{
		Lender:  *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Lendee:  *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Amount:  abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		DueBy:   abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		TokenID: abi.ConvertType(out[4], new(big.Int)).(*big.Int),
		IsPaid:  *abi.ConvertType(out[5], new(bool)).(*bool),
	}, nil
}

// Estimate asks the node for a base gas estimate of exactly the call about to
// be submitted. A revert here means the submit would revert too.
func (g *EthGateway) Estimate(ctx context.Context, call CallSpec) (uint64, error) {
	svc, err := g.serviceFor(call.Service)
	if err != nil {
		return 0, err
	}
	data, err := svc.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return 0, &EstimationError{Method: call.Method, Err: err}
	}

	var from common.Address
	if g.session != nil {
		from = g.session.Account()
	}
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &svc.address,
		Value: call.Value,
		Data:  data,
	})
	if err != nil {
		return 0, &EstimationError{Method: call.Method, Err: Classify(err)}
	}
	return gas, nil
}

// Submit authorizes and signs the write, then hands it to the node. The
// returned handle must be confirmed before the effect is durable.
func (g *EthGateway) Submit(ctx context.Context, call CallSpec, gasLimit uint64) (PendingOp, error) {
	if g.transactor == nil {
		return PendingOp{}, Classify(wallet.ErrNotConnected)
	}
	if err := g.session.Authorize(string(call.Service) + "." + call.Method); err != nil {
		return PendingOp{}, Classify(err)
	}
	svc, err := g.serviceFor(call.Service)
	if err != nil {
		return PendingOp{}, err
	}

	opts := *g.transactor
	opts.Context = ctx
	opts.GasLimit = gasLimit
	opts.Value = call.Value

	tx, err := svc.contract.Transact(&opts, call.Method, call.Args...)
	if err != nil {
		return PendingOp{}, Classify(fmt.Errorf("%s.%s: %w", call.Service, call.Method, err))
	}
	return PendingOp{Service: call.Service, Method: call.Method, TxHash: tx.Hash()}, nil
}

// Confirm polls for the receipt until it lands or the bounded wait expires.
// Timeout is surfaced as ErrConfirmationTimeout, never as a rejection: the
// write may still land later.
func (g *EthGateway) Confirm(ctx context.Context, op PendingOp) (Receipt, error) {
	if g.confirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.confirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.client.TransactionReceipt(ctx, op.TxHash)
		if receipt != nil {
			return g.buildReceipt(op, receipt)
		}
		if err != nil && !strings.Contains(err.Error(), "not found") {
			return Receipt{}, Classify(err)
		}
		select {
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %s.%s tx %s", ErrConfirmationTimeout, op.Service, op.Method, op.TxHash.Hex())
		case <-ticker.C:
		}
	}
}

func (g *EthGateway) buildReceipt(op PendingOp, receipt *types.Receipt) (Receipt, error) {
	if receipt.Status == types.ReceiptStatusFailed {
		return Receipt{}, &RemoteRejectedError{
			Reason: ReasonUnknown,
			Detail: fmt.Sprintf("%s.%s reverted in tx %s", op.Service, op.Method, op.TxHash.Hex()),
		}
	}

	out := Receipt{Op: op, GasUsed: receipt.GasUsed}
	switch {
	case op.Service == ServiceRegistry && op.Method == "safeMint":
		out.TokenID = g.mintedTokenID(receipt)
		if out.TokenID == nil {
			return Receipt{}, fmt.Errorf("mint receipt %s carries no Transfer event", op.TxHash.Hex())
		}
	case op.Service == ServiceCreditHandler && op.Method == "openCredit":
		out.CreditID = g.openedCreditID(receipt)
	}
	return out, nil
}

// mintedTokenID reads the minted id from the Transfer event: third indexed
// argument, per the registry's mint contract.
func (g *EthGateway) mintedTokenID(receipt *types.Receipt) *big.Int {
	for _, lg := range receipt.Logs {
		if lg.Address == g.registry.address && len(lg.Topics) == 4 && lg.Topics[0] == g.transferTopic {
			return lg.Topics[3].Big()
		}
	}
	return nil
}

func (g *EthGateway) openedCreditID(receipt *types.Receipt) *big.Int {
	for _, lg := range receipt.Logs {
		if lg.Address == g.creditHandler.address && len(lg.Topics) >= 2 && lg.Topics[0] == g.creditOpenedTopic {
			return lg.Topics[1].Big()
		}
	}
	return nil
}

func (g *EthGateway) MarketplaceAddress() common.Address   { return g.marketplace.address }
func (g *EthGateway) CreditHandlerAddress() common.Address { return g.creditHandler.address }

// Ping checks node reachability for health reporting.
func (g *EthGateway) Ping(ctx context.Context) error {
	if g.client == nil {
		return ErrConnectivity
	}
	_, err := g.client.BlockNumber(ctx)
	return err
}
