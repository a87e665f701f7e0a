package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"invoicerail/internal/ledger"
	"invoicerail/internal/metadata"
)

// Step names one state of a workflow machine.
type Step string

const (
	StepUploadMetadata       Step = "UploadMetadata"
	StepMint                 Step = "Mint"
	StepApproveMarketplace   Step = "ApproveMarketplace"
	StepList                 Step = "List"
	StepValidateListing      Step = "ValidateListing"
	StepResolveMetadata      Step = "ResolveMetadata"
	StepBuy                  Step = "Buy"
	StepApproveCreditHandler Step = "ApproveCreditHandler"
	StepOpenCredit           Step = "OpenCredit"
	StepPayCredit            Step = "PayCredit"
	StepUnlist               Step = "Unlist"
)

// PartialWorkflowError marks a workflow that halted after at least one
// confirmed write. The ledger state it left behind is durable and incomplete;
// the caller must be told which step confirmed last. Earlier steps are never
// unwound.
type PartialWorkflowError struct {
	Workflow  string
	Completed []Step
	Failed    Step
	Err       error
}

func (e *PartialWorkflowError) Error() string {
	last := "none"
	if n := len(e.Completed); n > 0 {
		last = string(e.Completed[n-1])
	}
	return fmt.Sprintf("workflow %s halted at %s (last confirmed step: %s): %v",
		e.Workflow, e.Failed, last, e.Err)
}

func (e *PartialWorkflowError) Unwrap() error { return e.Err }

// Category renders an error's taxonomy bucket for metrics and user messages.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ledger.ErrConnectivity):
		return "ConnectivityError"
	case errors.Is(err, ledger.ErrUserDeclined):
		return "UserDeclined"
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return "ConfirmationTimeout"
	}
	// A revert surfaced during estimation keeps its rejection reason; only
	// unclassifiable estimation failures fall into the generic bucket.
	var rejected *ledger.RemoteRejectedError
	if errors.As(err, &rejected) {
		return "RemoteRejected:" + string(rejected.Reason)
	}
	var estErr *ledger.EstimationError
	if errors.As(err, &estErr) {
		return "EstimationFailed"
	}
	var fetchErr *metadata.FetchError
	if errors.As(err, &fetchErr) {
		return "MetadataFetchError"
	}
	return "Unknown"
}

// UserMessage produces the single human-readable line shown for a failure.
// PartialWorkflow names the last completed step explicitly.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var partial *PartialWorkflowError
	if errors.As(err, &partial) {
		last := "no step"
		if n := len(partial.Completed); n > 0 {
			last = string(partial.Completed[n-1])
		}
		return fmt.Sprintf("The %s workflow stopped at %s; %s completed and its effects remain on the ledger. %s",
			partial.Workflow, partial.Failed, last, categoryAdvice(partial.Err))
	}
	return categoryAdvice(err)
}

func categoryAdvice(err error) string {
	var rejected *ledger.RemoteRejectedError
	if errors.As(err, &rejected) {
		switch rejected.Reason {
		case ledger.ReasonInsufficientFunds:
			return "Insufficient funds to complete the transaction."
		case ledger.ReasonStaleListing:
			return "This invoice is no longer listed at the expected price. Refresh the listings and try again."
		case ledger.ReasonAlreadyPaid:
			return "This credit has already been paid."
		case ledger.ReasonWrongAmount:
			return "The payment amount did not match what the ledger expects."
		case ledger.ReasonUnauthorized:
			return "The ledger rejected the call as unauthorized for this account."
		default:
			return "The ledger rejected the transaction: " + firstLine(rejected.Detail)
		}
	}

	switch {
	case errors.Is(err, ledger.ErrConnectivity):
		return "No wallet or ledger connection is available. Connect and retry."
	case errors.Is(err, ledger.ErrUserDeclined):
		return "The authorization prompt was declined. Invoke the action again to retry."
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return "The transaction was submitted but not confirmed in time. Check its status before retrying; it may still complete."
	}

	var estErr *ledger.EstimationError
	if errors.As(err, &estErr) {
		return "Gas estimation failed, which usually means the transaction would be rejected. No funds were moved."
	}
	var fetchErr *metadata.FetchError
	if errors.As(err, &fetchErr) {
		return "The invoice metadata could not be fetched, so the action was aborted."
	}
	return "The operation failed: " + firstLine(err.Error())
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
