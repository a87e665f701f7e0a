package hmacauth

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func signedRequest(t *testing.T, secret string, body []byte, ts time.Time) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set(HeaderTimestamp, stamp)
	req.Header.Set(HeaderSignature, Sign(secret, stamp, body))
	return req
}

func serve(v *Verifier, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAcceptsValidSignature(t *testing.T) {
	v := &Verifier{Secret: "s3cret", MaxSkew: time.Minute}
	rec := serve(v, signedRequest(t, "s3cret", []byte(`{"a":1}`), time.Now()))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRejectsWrongSecret(t *testing.T) {
	v := &Verifier{Secret: "s3cret", MaxSkew: time.Minute}
	rec := serve(v, signedRequest(t, "other", []byte(`{"a":1}`), time.Now()))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRejectsStaleTimestamp(t *testing.T) {
	v := &Verifier{Secret: "s3cret", MaxSkew: time.Minute}
	rec := serve(v, signedRequest(t, "s3cret", []byte(`{}`), time.Now().Add(-time.Hour)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for stale request, got %d", rec.Code)
	}
}

func TestRejectsMissingHeaders(t *testing.T) {
	v := &Verifier{Secret: "s3cret", MaxSkew: time.Minute}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if rec := serve(v, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestEmptySecretDisablesVerification(t *testing.T) {
	v := &Verifier{MaxSkew: time.Minute}
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	if rec := serve(v, req); rec.Code != http.StatusNoContent {
		t.Fatalf("expected pass-through with empty secret, got %d", rec.Code)
	}
}

func TestBodyRemainsReadableAfterVerification(t *testing.T) {
	v := &Verifier{Secret: "s3cret", MaxSkew: time.Minute}
	body := []byte(`{"tokenId":"0"}`)
	req := signedRequest(t, "s3cret", body, time.Now())

	var seen []byte
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		buf.ReadFrom(r.Body)
		seen = buf.Bytes()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !bytes.Equal(seen, body) {
		t.Fatalf("handler must see the original body, got %q", seen)
	}
}
