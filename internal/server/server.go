// Package server exposes the workflow engine over HTTP. Handlers stay thin:
// decode, drive the orchestrator, render the classified outcome.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"invoicerail/internal/config"
	"invoicerail/internal/hmacauth"
	"invoicerail/internal/journal"
	"invoicerail/internal/ledger"
	"invoicerail/internal/metadata"
	"invoicerail/internal/orchestrator"
	"invoicerail/internal/views"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

type Server struct {
	cfg        *config.AppConfig
	orch       *orchestrator.Orchestrator
	views      *views.Views
	journal    journal.Store
	hmac       *hmacauth.Verifier
	httpServer *http.Server
	log        *logrus.Logger

	rpcHealthFn func(context.Context) error
	dbHealthFn  func(context.Context) error
}

func NewServer(cfg *config.AppConfig, orch *orchestrator.Orchestrator, vws *views.Views, store journal.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:     cfg,
		orch:    orch,
		views:   vws,
		journal: store,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Service.HMACSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		log: logger,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/invoices", s.hmac.Middleware(http.HandlerFunc(s.handleInvoices)))
	mux.Handle("/api/v1/purchases", s.hmac.Middleware(http.HandlerFunc(s.handlePurchases)))
	mux.Handle("/api/v1/payments", s.hmac.Middleware(http.HandlerFunc(s.handlePayments)))
	mux.HandleFunc("/api/v1/listings", s.handleListings)
	mux.HandleFunc("/api/v1/credits", s.handleCredits)
	mux.HandleFunc("/api/v1/runs/", s.handleRun)
	mux.Handle("/api/v1/metrics", orch.Metrics().Handler())
	mux.HandleFunc("/api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// SetRPCHealth wires the gateway's reachability probe into /health.
func (s *Server) SetRPCHealth(fn func(context.Context) error) {
	s.rpcHealthFn = fn
}

// Handler returns the routed handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	s.log.WithField("addr", s.httpServer.Addr).Info("API listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type invoiceRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	InvoiceAmount   string `json:"invoiceAmount"`
	CreditRequested string `json:"creditRequested"`
	DueBy           string `json:"dueBy"`
	DocumentBase64  string `json:"document,omitempty"`
}

type purchaseRequest struct {
	TokenID       string `json:"tokenId"`
	ExpectedPrice string `json:"expectedPrice"`
}

type paymentRequest struct {
	CreditID string `json:"creditId"`
	Amount   string `json:"amount"`
}

type errorResponse struct {
	Category       string   `json:"category"`
	Message        string   `json:"message"`
	CompletedSteps []string `json:"completedSteps,omitempty"`
	FailedStep     string   `json:"failedStep,omitempty"`
}

func (s *Server) handleInvoices(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		// fall through to the workflow below
	case http.MethodGet:
		s.handleOwnedInvoices(w, r)
		return
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, ok := s.idempotencyKey(w, r)
	if !ok {
		return
	}
	if s.replayed(w, r, key) {
		return
	}

	var payload invoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if err := validateInvoiceRequest(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var document []byte
	if payload.DocumentBase64 != "" {
		blob, err := base64.StdEncoding.DecodeString(payload.DocumentBase64)
		if err != nil {
			http.Error(w, "document must be base64", http.StatusBadRequest)
			return
		}
		document = blob
	}

	result, err := s.orch.MintAndList(r.Context(), orchestrator.MintRequest{
		Key:             key,
		Name:            payload.Name,
		Description:     payload.Description,
		InvoiceAmount:   payload.InvoiceAmount,
		CreditRequested: payload.CreditRequested,
		DueBy:           payload.DueBy,
		Document:        document,
	})
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, ok := s.idempotencyKey(w, r)
	if !ok {
		return
	}
	if s.replayed(w, r, key) {
		return
	}

	var payload purchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	tokenID, ok1 := new(big.Int).SetString(payload.TokenID, 10)
	price, ok2 := new(big.Int).SetString(payload.ExpectedPrice, 10)
	if !ok1 || !ok2 {
		http.Error(w, "tokenId and expectedPrice must be decimal integers", http.StatusBadRequest)
		return
	}

	result, err := s.orch.BuyAndOpenCredit(r.Context(), orchestrator.BuyRequest{
		Key:           key,
		TokenID:       tokenID,
		ExpectedPrice: price,
	})
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key, ok := s.idempotencyKey(w, r)
	if !ok {
		return
	}
	if s.replayed(w, r, key) {
		return
	}

	var payload paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	creditID, ok1 := new(big.Int).SetString(payload.CreditID, 10)
	amount, ok2 := new(big.Int).SetString(payload.Amount, 10)
	if !ok1 || !ok2 {
		http.Error(w, "creditId and amount must be decimal integers", http.StatusBadRequest)
		return
	}

	result, err := s.orch.PayCredit(r.Context(), orchestrator.PayRequest{
		Key:      key,
		CreditID: creditID,
		Amount:   amount,
	})
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	listings, err := s.views.ScanListings(r.Context())
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")
	if !common.IsHexAddress(account) {
		http.Error(w, "account query parameter must be a hex address", http.StatusBadRequest)
		return
	}
	credits, err := s.views.ScanCredits(r.Context(), common.HexToAddress(account))
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, credits)
}

func (s *Server) handleOwnedInvoices(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if !common.IsHexAddress(owner) {
		http.Error(w, "owner query parameter must be a hex address", http.StatusBadRequest)
		return
	}
	owned, err := s.views.ScanOwned(r.Context(), common.HexToAddress(owner))
	if err != nil {
		s.writeWorkflowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, owned)
}

// handleRun exposes a journaled workflow run, the inspectable record of a
// partial failure.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	run, err := s.journal.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		http.Error(w, "missing X-Idempotency-Key header", http.StatusBadRequest)
		return "", false
	}
	return key, true
}

// replayed serves a previously journaled run for the same idempotency key.
// Ledger writes are not safely retryable, so a repeated request must never
// re-drive the workflow.
func (s *Server) replayed(w http.ResponseWriter, r *http.Request, key string) bool {
	run, err := s.journal.GetByKey(r.Context(), key)
	if err != nil || run == nil {
		return false
	}
	if run.Status == journal.StatusCompleted && len(run.Result) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(run.Result)
		return true
	}
	writeJSON(w, http.StatusConflict, run)
	return true
}

// writeWorkflowError renders a classified failure. Partial workflows carry
// their progress so the caller knows which ledger effects are durable.
func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	resp := errorResponse{
		Category: orchestrator.Category(err),
		Message:  orchestrator.UserMessage(err),
	}

	status := http.StatusInternalServerError
	var partial *orchestrator.PartialWorkflowError
	var rejected *ledger.RemoteRejectedError
	var estErr *ledger.EstimationError
	var fetchErr *metadata.FetchError
	switch {
	case errors.As(err, &partial):
		for _, step := range partial.Completed {
			resp.CompletedSteps = append(resp.CompletedSteps, string(step))
		}
		resp.FailedStep = string(partial.Failed)
		status = http.StatusConflict
	case errors.As(err, &rejected):
		status = http.StatusConflict
	case errors.As(err, &estErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &fetchErr):
		status = http.StatusBadGateway
	case errors.Is(err, ledger.ErrConnectivity):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUserDeclined):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, resp)
}

func validateInvoiceRequest(req invoiceRequest) error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.InvoiceAmount == "" {
		return errors.New("invoiceAmount is required")
	}
	if req.CreditRequested == "" {
		return errors.New("creditRequested is required")
	}
	if req.DueBy == "" {
		return errors.New("dueBy is required")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{Connected: true}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	journalInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			journalInfo.Connected = false
			journalInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status  string      `json:"status"`
		RPC     interface{} `json:"rpc"`
		Journal interface{} `json:"journal"`
	}{
		Status:  status,
		RPC:     rpcInfo,
		Journal: journalInfo,
	}

	if !overallHealthy {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
