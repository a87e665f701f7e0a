package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"invoicerail/internal/wallet"
)

func TestClassifyRevertReasons(t *testing.T) {
	cases := []struct {
		detail string
		want   RejectReason
	}{
		{"execution reverted: Credit already paid", ReasonAlreadyPaid},
		{"execution reverted: Insufficient payment", ReasonWrongAmount},
		{"execution reverted: NFT not listed for sale", ReasonStaleListing},
		{"execution reverted: Not the owner of this NFT", ReasonUnauthorized},
		{"execution reverted: Not the seller", ReasonUnauthorized},
		{"insufficient funds for gas * price + value", ReasonInsufficientFunds},
		{"execution reverted", ReasonUnknown},
	}
	for _, tc := range cases {
		err := Classify(errors.New(tc.detail))
		var rejected *RemoteRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("Classify(%q) = %v, expected RemoteRejected", tc.detail, err)
		}
		if rejected.Reason != tc.want {
			t.Fatalf("Classify(%q) reason = %s, want %s", tc.detail, rejected.Reason, tc.want)
		}
	}
}

func TestClassifySignerAndTransport(t *testing.T) {
	if !errors.Is(Classify(wallet.ErrDeclined), ErrUserDeclined) {
		t.Fatal("declined authorization must map to UserDeclined")
	}
	if !errors.Is(Classify(wallet.ErrNotConnected), ErrConnectivity) {
		t.Fatal("missing signer must map to ConnectivityError")
	}
	if !errors.Is(Classify(errors.New("user rejected the request")), ErrUserDeclined) {
		t.Fatal("provider rejection string must map to UserDeclined")
	}
	if !errors.Is(Classify(fmt.Errorf("dial tcp 127.0.0.1:8545: connection refused")), ErrConnectivity) {
		t.Fatal("transport failure must map to ConnectivityError")
	}
	if !errors.Is(Classify(context.DeadlineExceeded), ErrConfirmationTimeout) {
		t.Fatal("deadline must map to ConfirmationTimeout")
	}
}

func TestClassifyPassesThroughClassified(t *testing.T) {
	orig := &RemoteRejectedError{Reason: ReasonAlreadyPaid, Detail: "Credit already paid"}
	if got := Classify(orig); got != orig {
		t.Fatalf("classified error must pass through, got %v", got)
	}
	est := &EstimationError{Method: "buyNFT", Err: errors.New("revert")}
	if got := Classify(est); got != est {
		t.Fatalf("estimation error must pass through, got %v", got)
	}
}
