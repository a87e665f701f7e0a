package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"invoicerail/internal/wallet"
)

// RejectReason categorizes service-level reverts into something a user can
// act on.
type RejectReason string

const (
	ReasonInsufficientFunds RejectReason = "InsufficientFunds"
	ReasonStaleListing      RejectReason = "StaleListing"
	ReasonAlreadyPaid       RejectReason = "AlreadyPaid"
	ReasonWrongAmount       RejectReason = "WrongAmount"
	ReasonUnauthorized      RejectReason = "Unauthorized"
	ReasonUnknown           RejectReason = "Unknown"
)

var (
	// ErrConnectivity means no provider or signer is reachable. Recoverable
	// by connecting a wallet.
	ErrConnectivity = errors.New("ledger: provider unavailable")
	// ErrUserDeclined means the operator refused the authorization prompt.
	ErrUserDeclined = errors.New("ledger: user declined authorization")
	// ErrConfirmationTimeout means a submitted write was not confirmed within
	// the bounded wait. The write may still land; this is not a rejection.
	ErrConfirmationTimeout = errors.New("ledger: confirmation wait timed out")
)

// RemoteRejectedError is a service-level revert with a classified reason.
type RemoteRejectedError struct {
	Reason RejectReason
	Detail string
}

func (e *RemoteRejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ledger: remote rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("ledger: remote rejected (%s): %s", e.Reason, e.Detail)
}

// EstimationError means the gas estimation call itself reverted. It usually
// predicts the submit would revert too, so it surfaces before funds move.
type EstimationError struct {
	Method string
	Err    error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("ledger: gas estimation for %s failed: %v", e.Method, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// Rejected builds a RemoteRejectedError from a raw revert message.
func Rejected(detail string) *RemoteRejectedError {
	return &RemoteRejectedError{Reason: classifyRevert(detail), Detail: detail}
}

// Classify maps a raw error from the signer, transport or remote service into
// the taxonomy. Already-classified errors pass through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		return err
	}
	var estimation *EstimationError
	if errors.As(err, &estimation) {
		return err
	}
	if errors.Is(err, ErrConnectivity) || errors.Is(err, ErrUserDeclined) || errors.Is(err, ErrConfirmationTimeout) {
		return err
	}

	if errors.Is(err, wallet.ErrDeclined) {
		return fmt.Errorf("%w: %v", ErrUserDeclined, err)
	}
	if errors.Is(err, wallet.ErrNotConnected) {
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrConfirmationTimeout, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied"):
		return fmt.Errorf("%w: %v", ErrUserDeclined, err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "dial "):
		return fmt.Errorf("%w: %v", ErrConnectivity, err)
	case strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert"):
		return &RemoteRejectedError{Reason: classifyRevert(err.Error()), Detail: err.Error()}
	case strings.Contains(msg, "insufficient funds"):
		return &RemoteRejectedError{Reason: ReasonInsufficientFunds, Detail: err.Error()}
	}
	return err
}

// classifyRevert buckets the contract reason strings. The strings come from
// the deployed contracts' require messages.
func classifyRevert(detail string) RejectReason {
	msg := strings.ToLower(detail)
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return ReasonInsufficientFunds
	case strings.Contains(msg, "already paid"):
		return ReasonAlreadyPaid
	case strings.Contains(msg, "not listed") || strings.Contains(msg, "not active") || strings.Contains(msg, "no longer listed"):
		return ReasonStaleListing
	case strings.Contains(msg, "insufficient payment") || strings.Contains(msg, "wrong amount") || strings.Contains(msg, "incorrect payment"):
		return ReasonWrongAmount
	case strings.Contains(msg, "not the owner") || strings.Contains(msg, "not the seller") || strings.Contains(msg, "not approved") || strings.Contains(msg, "unauthorized"):
		return ReasonUnauthorized
	default:
		return ReasonUnknown
	}
}
