// Package metadata resolves opaque content pointers into invoice metadata.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"invoicerail/internal/content"
)

// Metadata is the invoice document stored behind a token's pointer.
type Metadata struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Image       string     `json:"image,omitempty"`
	Attributes  Attributes `json:"attributes"`
}

// Attributes carries the invoice's financial fields. Amounts are decimal
// strings as entered at issue time; DueBy is a calendar date.
type Attributes struct {
	InvoiceAmount   string `json:"invoiceAmount"`
	CreditRequested string `json:"creditRequested"`
	DueBy           string `json:"dueBy"`
	Document        string `json:"pdfFile,omitempty"`
}

// DueByUnix converts the human-readable due date into a Unix timestamp. The
// issuing form produces plain dates; full timestamps are accepted as well.
func (m Metadata) DueByUnix() (int64, error) {
	if t, err := time.Parse("2006-01-02", m.Attributes.DueBy); err == nil {
		return t.UTC().Unix(), nil
	}
	t, err := time.Parse(time.RFC3339, m.Attributes.DueBy)
	if err != nil {
		return 0, fmt.Errorf("parse dueBy %q: %w", m.Attributes.DueBy, err)
	}
	return t.UTC().Unix(), nil
}

// FetchError marks a failed content resolution. List operations treat it as
// skip-the-record; single-record operations abort.
type FetchError struct {
	Pointer string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("metadata: fetch %s: %v", e.Pointer, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Resolver fetches and decodes metadata, rewriting pointers on the configured
// gateway host to carry the access token.
type Resolver struct {
	store       content.Store
	gatewayHost string
	token       string
}

func NewResolver(store content.Store, gatewayBaseURL, token string) *Resolver {
	host := ""
	if u, err := url.Parse(gatewayBaseURL); err == nil {
		host = u.Host
	}
	return &Resolver{store: store, gatewayHost: host, token: token}
}

// Resolve fetches the pointer and rewrites any nested pointers (image,
// document) the same way, so every returned locator is directly fetchable.
func (r *Resolver) Resolve(ctx context.Context, pointer string) (Metadata, error) {
	raw, err := r.store.Fetch(ctx, r.Rewrite(pointer))
	if err != nil {
		return Metadata{}, &FetchError{Pointer: pointer, Err: err}
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, &FetchError{Pointer: pointer, Err: fmt.Errorf("malformed metadata: %w", err)}
	}

	meta.Image = r.Rewrite(meta.Image)
	meta.Attributes.Document = r.Rewrite(meta.Attributes.Document)
	return meta, nil
}

// Rewrite appends the gateway access token to pointers on the gateway host;
// everything else passes through untouched.
func (r *Resolver) Rewrite(pointer string) string {
	if pointer == "" || r.gatewayHost == "" || r.token == "" {
		return pointer
	}
	u, err := url.Parse(pointer)
	if err != nil || u.Host != r.gatewayHost {
		return pointer
	}
	q := u.Query()
	q.Set("gatewayToken", r.token)
	u.RawQuery = q.Encode()
	return u.String()
}
