// Package orchestrator sequences multi-step ledger workflows. Each workflow
// is a linear state machine: transitions happen only on confirmed receipts,
// and a failed transition halts the machine in its last-confirmed state.
// There is no automatic unwind and no automatic retry; a resubmitted write
// could double-trigger a side effect if the prior one landed after an
// ambiguous response.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"invoicerail/internal/content"
	"invoicerail/internal/gas"
	"invoicerail/internal/journal"
	"invoicerail/internal/ledger"
	"invoicerail/internal/listing"
	"invoicerail/internal/metadata"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config carries everything the orchestrator needs at construction. Every
// field is required; a missing one is a configuration error, not a runtime
// one.
type Config struct {
	Gateway  ledger.Gateway
	Journal  journal.Store
	Content  content.Store
	Resolver *metadata.Resolver
	Account  common.Address

	// ListingPriceWei and CreditAmountWei are protocol policy, not user
	// input, in the smallest currency unit.
	ListingPriceWei string
	CreditAmountWei string

	Metrics *Metrics
	Logger  *logrus.Logger
}

type Orchestrator struct {
	gateway      ledger.Gateway
	estimator    *gas.Estimator
	validator    *listing.Validator
	resolver     *metadata.Resolver
	contentStore content.Store
	journal      journal.Store
	account      common.Address
	listingPrice *big.Int
	creditAmount *big.Int
	metrics      *Metrics
	log          *logrus.Logger
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: gateway is required")
	}
	if cfg.Journal == nil {
		return nil, fmt.Errorf("orchestrator: journal is required")
	}
	if cfg.Content == nil {
		return nil, fmt.Errorf("orchestrator: content store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("orchestrator: metadata resolver is required")
	}
	if (cfg.Account == common.Address{}) {
		return nil, fmt.Errorf("orchestrator: account is required")
	}

	listingPrice, ok := new(big.Int).SetString(cfg.ListingPriceWei, 10)
	if !ok {
		return nil, fmt.Errorf("orchestrator: invalid listing price policy %q", cfg.ListingPriceWei)
	}
	creditAmount, ok := new(big.Int).SetString(cfg.CreditAmountWei, 10)
	if !ok {
		return nil, fmt.Errorf("orchestrator: invalid credit amount policy %q", cfg.CreditAmountWei)
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Orchestrator{
		gateway:      cfg.Gateway,
		estimator:    gas.NewEstimator(cfg.Gateway),
		validator:    listing.NewValidator(cfg.Gateway),
		resolver:     cfg.Resolver,
		contentStore: cfg.Content,
		journal:      cfg.Journal,
		account:      cfg.Account,
		listingPrice: listingPrice,
		creditAmount: creditAmount,
		metrics:      metrics,
		log:          logger,
	}, nil
}

// Metrics exposes the registry for the API surface.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// ListingPrice returns the fixed listing policy.
func (o *Orchestrator) ListingPrice() *big.Int { return new(big.Int).Set(o.listingPrice) }

// run tracks one workflow execution's progress cursor in the journal.
type run struct {
	o               *Orchestrator
	rec             journal.Run
	ledgerConfirmed bool
}

func (o *Orchestrator) begin(ctx context.Context, workflow, key string) *run {
	now := time.Now().UTC()
	r := &run{
		o: o,
		rec: journal.Run{
			ID:        uuid.NewString(),
			Key:       key,
			Workflow:  workflow,
			Status:    journal.StatusRunning,
			TxHashes:  make(map[string]string),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	r.save(ctx)
	return r
}

func (r *run) save(ctx context.Context) {
	r.rec.UpdatedAt = time.Now().UTC()
	if err := r.o.journal.Save(ctx, r.rec); err != nil {
		r.o.log.WithError(err).WithField("run", r.rec.ID).Warn("journal save failed")
	}
}

// localDone records a client-side step (uploads, resolution) that confirmed
// no ledger write.
func (r *run) localDone(ctx context.Context, step Step) {
	r.rec.CompletedSteps = append(r.rec.CompletedSteps, string(step))
	r.o.metrics.stepDone(r.rec.Workflow, string(step), "ok")
	r.save(ctx)
}

func (r *run) confirmed(ctx context.Context, step Step, txHash string) {
	r.ledgerConfirmed = true
	r.rec.CompletedSteps = append(r.rec.CompletedSteps, string(step))
	r.rec.TxHashes[string(step)] = txHash
	r.o.metrics.stepDone(r.rec.Workflow, string(step), "confirmed")
	r.o.log.WithFields(logrus.Fields{
		"run":      r.rec.ID,
		"workflow": r.rec.Workflow,
		"step":     step,
		"tx":       txHash,
	}).Info("step confirmed")
	r.save(ctx)
}

// fail halts the machine. If any ledger write confirmed, the error is wrapped
// as a PartialWorkflow carrying the progress so far; earlier steps are not
// rolled back.
func (r *run) fail(ctx context.Context, step Step, err error) error {
	r.rec.FailedStep = string(step)
	r.rec.Status = journal.StatusFailed

	out := err
	if r.ledgerConfirmed {
		r.rec.Status = journal.StatusPartial
		completed := make([]Step, 0, len(r.rec.CompletedSteps))
		for _, s := range r.rec.CompletedSteps {
			completed = append(completed, Step(s))
		}
		out = &PartialWorkflowError{
			Workflow:  r.rec.Workflow,
			Completed: completed,
			Failed:    step,
			Err:       err,
		}
	}
	r.rec.Error = out.Error()

	r.o.metrics.stepDone(r.rec.Workflow, string(step), "failed")
	r.o.metrics.workflowDone(r.rec.Workflow, string(r.rec.Status))
	r.o.metrics.failure(Category(err))
	r.o.log.WithFields(logrus.Fields{
		"run":      r.rec.ID,
		"workflow": r.rec.Workflow,
		"step":     step,
		"category": Category(err),
	}).WithError(err).Error("workflow halted")
	r.save(ctx)
	return out
}

func (r *run) complete(ctx context.Context, result interface{}) {
	r.rec.Status = journal.StatusCompleted
	if blob, err := json.Marshal(result); err == nil {
		r.rec.Result = blob
	}
	r.o.metrics.workflowDone(r.rec.Workflow, "completed")
	r.o.log.WithFields(logrus.Fields{
		"run":      r.rec.ID,
		"workflow": r.rec.Workflow,
	}).Info("workflow completed")
	r.save(ctx)
}

// write runs one ledger step: estimate with buffer, submit, await the
// confirmed receipt. The confirmation is the precondition for whatever step
// follows.
func (r *run) write(ctx context.Context, step Step, call ledger.CallSpec) (ledger.Receipt, error) {
	limit, err := r.o.estimator.Estimate(ctx, call)
	if err != nil {
		return ledger.Receipt{}, r.fail(ctx, step, err)
	}
	r.o.metrics.observeGasLimit(limit)

	op, err := r.o.gateway.Submit(ctx, call, limit)
	if err != nil {
		return ledger.Receipt{}, r.fail(ctx, step, err)
	}
	receipt, err := r.o.gateway.Confirm(ctx, op)
	if err != nil {
		return ledger.Receipt{}, r.fail(ctx, step, err)
	}
	r.confirmed(ctx, step, op.TxHash.Hex())
	return receipt, nil
}

// MintRequest describes an invoice to issue. Amounts are decimal strings;
// DueBy is a calendar date. Document is an optional attached PDF.
type MintRequest struct {
	Key             string
	Name            string
	Description     string
	InvoiceAmount   string
	CreditRequested string
	DueBy           string
	ImagePointer    string
	Document        []byte
}

type MintResult struct {
	RunID           string   `json:"runId"`
	TokenID         *big.Int `json:"tokenId"`
	MetadataPointer string   `json:"metadataPointer"`
	ListedPrice     *big.Int `json:"listedPrice"`
}

// MintAndList drives UploadMetadata -> Mint -> ApproveMarketplace -> List.
// A failure after Mint leaves a minted-but-unlisted token, a known terminal
// state the owner can list later; it is surfaced, not retried.
func (o *Orchestrator) MintAndList(ctx context.Context, req MintRequest) (*MintResult, error) {
	r := o.begin(ctx, "mint-and-list", req.Key)

	meta := metadata.Metadata{
		Name:        req.Name,
		Description: req.Description,
		Image:       req.ImagePointer,
		Attributes: metadata.Attributes{
			InvoiceAmount:   req.InvoiceAmount,
			CreditRequested: req.CreditRequested,
			DueBy:           req.DueBy,
		},
	}
	// A due date that cannot be parsed now would poison the eventual credit
	// open, so it fails here, before anything is stored or minted.
	if _, err := meta.DueByUnix(); err != nil {
		return nil, r.fail(ctx, StepUploadMetadata, err)
	}

	if len(req.Document) > 0 {
		docPointer, err := o.contentStore.Upload(ctx, req.Document, "application/pdf")
		if err != nil {
			return nil, r.fail(ctx, StepUploadMetadata, fmt.Errorf("upload document: %w", err))
		}
		meta.Attributes.Document = docPointer
	}

	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, r.fail(ctx, StepUploadMetadata, fmt.Errorf("encode metadata: %w", err))
	}
	pointer, err := o.contentStore.Upload(ctx, blob, "application/json")
	if err != nil {
		return nil, r.fail(ctx, StepUploadMetadata, fmt.Errorf("upload metadata: %w", err))
	}
	r.localDone(ctx, StepUploadMetadata)

	mintReceipt, err := r.write(ctx, StepMint, ledger.CallSpec{
		Service: ledger.ServiceRegistry,
		Method:  "safeMint",
		Args:    []interface{}{o.account, pointer},
	})
	if err != nil {
		return nil, err
	}
	tokenID := mintReceipt.TokenID

	if _, err := r.write(ctx, StepApproveMarketplace, ledger.CallSpec{
		Service: ledger.ServiceRegistry,
		Method:  "approve",
		Args:    []interface{}{o.gateway.MarketplaceAddress(), tokenID},
	}); err != nil {
		return nil, err
	}

	if _, err := r.write(ctx, StepList, ledger.CallSpec{
		Service: ledger.ServiceMarketplace,
		Method:  "listNFT",
		Args:    []interface{}{tokenID, o.listingPrice},
	}); err != nil {
		return nil, err
	}

	result := &MintResult{
		RunID:           r.rec.ID,
		TokenID:         tokenID,
		MetadataPointer: pointer,
		ListedPrice:     new(big.Int).Set(o.listingPrice),
	}
	r.complete(ctx, result)
	return result, nil
}

// BuyRequest targets a discovered listing. ExpectedPrice is the price
// captured at discovery time and is re-validated before funds move.
type BuyRequest struct {
	Key           string
	TokenID       *big.Int
	ExpectedPrice *big.Int
}

type BuyResult struct {
	RunID    string   `json:"runId"`
	TokenID  *big.Int `json:"tokenId"`
	CreditID *big.Int `json:"creditId,omitempty"`
	Lendee   string   `json:"lendee"`
	DueBy    int64    `json:"dueBy"`
}

// BuyAndOpenCredit drives ValidateListing -> Buy -> ApproveCreditHandler ->
// OpenCredit. Metadata is resolved and the due date computed before Buy
// commits funds; the credit obligor is the pre-purchase seller, captured
// before Buy changes ownership. A credit is opened only after the purchase's
// transfer has confirmed.
func (o *Orchestrator) BuyAndOpenCredit(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	r := o.begin(ctx, "buy-and-open-credit", req.Key)

	validation, err := o.validator.Validate(ctx, req.TokenID, req.ExpectedPrice)
	if err != nil {
		return nil, r.fail(ctx, StepValidateListing, err)
	}
	if !validation.OK {
		return nil, r.fail(ctx, StepValidateListing, &ledger.RemoteRejectedError{
			Reason: ledger.ReasonStaleListing,
			Detail: "listing validation failed: " + string(validation.Reason),
		})
	}
	seller := validation.Listing.Seller
	r.localDone(ctx, StepValidateListing)

	pointer, err := o.gateway.TokenURI(ctx, req.TokenID)
	if err != nil {
		return nil, r.fail(ctx, StepResolveMetadata, err)
	}
	meta, err := o.resolver.Resolve(ctx, pointer)
	if err != nil {
		return nil, r.fail(ctx, StepResolveMetadata, err)
	}
	dueBy, err := meta.DueByUnix()
	if err != nil {
		return nil, r.fail(ctx, StepResolveMetadata, &metadata.FetchError{Pointer: pointer, Err: err})
	}
	r.localDone(ctx, StepResolveMetadata)

	if _, err := r.write(ctx, StepBuy, ledger.CallSpec{
		Service: ledger.ServiceMarketplace,
		Method:  "buyNFT",
		Args:    []interface{}{req.TokenID},
		Value:   validation.Listing.Price,
	}); err != nil {
		return nil, err
	}

	if _, err := r.write(ctx, StepApproveCreditHandler, ledger.CallSpec{
		Service: ledger.ServiceRegistry,
		Method:  "approve",
		Args:    []interface{}{o.gateway.CreditHandlerAddress(), req.TokenID},
	}); err != nil {
		return nil, err
	}

	creditReceipt, err := r.write(ctx, StepOpenCredit, ledger.CallSpec{
		Service: ledger.ServiceCreditHandler,
		Method:  "openCredit",
		Args:    []interface{}{seller, o.creditAmount, big.NewInt(dueBy), req.TokenID},
	})
	if err != nil {
		return nil, err
	}

	result := &BuyResult{
		RunID:    r.rec.ID,
		TokenID:  req.TokenID,
		CreditID: creditReceipt.CreditID,
		Lendee:   seller.Hex(),
		DueBy:    dueBy,
	}
	r.complete(ctx, result)
	return result, nil
}

// PayRequest settles a credit. Amount is forwarded verbatim; the handler
// checks it server-side.
type PayRequest struct {
	Key      string
	CreditID *big.Int
	Amount   *big.Int
}

type PayResult struct {
	RunID    string   `json:"runId"`
	CreditID *big.Int `json:"creditId"`
	TxHash   string   `json:"txHash"`
}

// PayCredit is a single-step workflow. A resubmission against an already-paid
// credit is rejected by the handler and surfaces as AlreadyPaid.
func (o *Orchestrator) PayCredit(ctx context.Context, req PayRequest) (*PayResult, error) {
	r := o.begin(ctx, "pay-credit", req.Key)

	if _, err := r.write(ctx, StepPayCredit, ledger.CallSpec{
		Service: ledger.ServiceCreditHandler,
		Method:  "payCredit",
		Args:    []interface{}{req.CreditID},
		Value:   req.Amount,
	}); err != nil {
		return nil, err
	}

	result := &PayResult{
		RunID:    r.rec.ID,
		CreditID: req.CreditID,
		TxHash:   r.rec.TxHashes[string(StepPayCredit)],
	}
	r.complete(ctx, result)
	return result, nil
}

// Unlist withdraws an active listing owned by the session account.
func (o *Orchestrator) Unlist(ctx context.Context, key string, tokenID *big.Int) error {
	r := o.begin(ctx, "unlist", key)

	if _, err := r.write(ctx, StepUnlist, ledger.CallSpec{
		Service: ledger.ServiceMarketplace,
		Method:  "unlistNFT",
		Args:    []interface{}{tokenID},
	}); err != nil {
		return err
	}
	r.complete(ctx, map[string]string{"tokenId": tokenID.String()})
	return nil
}
