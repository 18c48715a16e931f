package apiauth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testAuthenticator(t *testing.T) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator([]byte("a-secret-that-is-at-least-32-bytes!!"), "job-1")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	return a
}

func TestIssueThenValidateRoundTrips(t *testing.T) {
	a := testAuthenticator(t)
	token, err := a.IssueToken(time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	claims, err := a.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.JobID != "job-1" {
		t.Errorf("JobID = %s, want job-1", claims.JobID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	a := testAuthenticator(t)
	token, _ := a.IssueToken(-time.Minute)
	if _, err := a.Validate(token); err == nil {
		t.Error("expected expired token to be rejected")
	}
}

func TestValidateRejectsTokenFromDifferentJob(t *testing.T) {
	issuerAuth, err := NewAuthenticator([]byte("a-secret-that-is-at-least-32-bytes!!"), "job-A")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	verifierAuth, err := NewAuthenticator([]byte("a-secret-that-is-at-least-32-bytes!!"), "job-B")
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}
	token, _ := issuerAuth.IssueToken(time.Hour)
	if _, err := verifierAuth.Validate(token); err == nil {
		t.Error("expected token scoped to job-A to be rejected by job-B's authenticator")
	}
}

func TestValidateRejectsTamperedSignature(t *testing.T) {
	a := testAuthenticator(t)
	token, _ := a.IssueToken(time.Hour)
	tampered := token[:len(token)-1] + "x"
	if _, err := a.Validate(tampered); err == nil {
		t.Error("expected tampered signature to be rejected")
	}
}

func TestNewAuthenticatorRejectsShortSecret(t *testing.T) {
	if _, err := NewAuthenticator([]byte("too-short"), "job-1"); err == nil {
		t.Error("expected short secret to be rejected")
	}
}

func TestMiddlewareRejectsMissingHeader(t *testing.T) {
	a := testAuthenticator(t)
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareAllowsValidToken(t *testing.T) {
	a := testAuthenticator(t)
	var sawClaims bool
	handler := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := ClaimsFromContext(r.Context()); ok && claims.JobID == "job-1" {
			sawClaims = true
		}
		w.WriteHeader(http.StatusOK)
	}))

	token, _ := a.IssueToken(time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if !sawClaims {
		t.Error("expected handler to see claims in context")
	}
}
