package metadata

import (
	"context"
	"errors"
	"testing"

	"invoicerail/internal/content"
)

const gatewayURL = "https://pins.example.com"

func TestRewriteOnlyTouchesGatewayHost(t *testing.T) {
	r := NewResolver(content.NewMemoryStore(), gatewayURL, "tok123")

	cases := []struct {
		in   string
		want string
	}{
		{"https://pins.example.com/ipfs/abc", "https://pins.example.com/ipfs/abc?gatewayToken=tok123"},
		{"https://other.example.org/ipfs/abc", "https://other.example.org/ipfs/abc"},
		{"ptr://m1", "ptr://m1"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := r.Rewrite(tc.in); got != tc.want {
			t.Fatalf("Rewrite(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveRewritesNestedPointers(t *testing.T) {
	store := content.NewMemoryStore()
	store.Put("ptr://m1", []byte(`{
		"name": "Invoice 42",
		"description": "office supplies",
		"image": "https://pins.example.com/ipfs/img",
		"attributes": {
			"invoiceAmount": "5000",
			"creditRequested": "4000",
			"dueBy": "2026-10-01",
			"pdfFile": "https://pins.example.com/ipfs/doc"
		}
	}`))

	r := NewResolver(store, gatewayURL, "tok123")
	meta, err := r.Resolve(context.Background(), "ptr://m1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if meta.Name != "Invoice 42" {
		t.Fatalf("unexpected name %q", meta.Name)
	}
	if meta.Image != "https://pins.example.com/ipfs/img?gatewayToken=tok123" {
		t.Fatalf("image not rewritten: %q", meta.Image)
	}
	if meta.Attributes.Document != "https://pins.example.com/ipfs/doc?gatewayToken=tok123" {
		t.Fatalf("document not rewritten: %q", meta.Attributes.Document)
	}

	due, err := meta.DueByUnix()
	if err != nil {
		t.Fatalf("dueBy: %v", err)
	}
	if due <= 0 {
		t.Fatalf("unexpected dueBy timestamp %d", due)
	}
}

func TestResolveMissingPointerIsFetchError(t *testing.T) {
	r := NewResolver(content.NewMemoryStore(), gatewayURL, "tok123")
	_, err := r.Resolve(context.Background(), "ptr://missing")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}

func TestResolveMalformedJSONIsFetchError(t *testing.T) {
	store := content.NewMemoryStore()
	store.Put("ptr://bad", []byte("{not json"))
	r := NewResolver(store, gatewayURL, "tok123")
	_, err := r.Resolve(context.Background(), "ptr://bad")
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("expected FetchError, got %v", err)
	}
}
