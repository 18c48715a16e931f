package signing

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/crawlforge/crawlforge/coordinator"
)

func genKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return priv, pubPEM
}

func TestStampThenVerifySucceeds(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	signer := NewSigner(priv, "job-1")
	verifier, err := NewVerifier(pubPEM)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	req := &coordinator.Request{ID: "req-1", URL: "https://example.com/page", Method: coordinator.MethodGET}
	stamped, err := signer.Stamp(req)
	if err != nil {
		t.Fatalf("Stamp: %v", err)
	}
	if len(stamped.Headers) != 3 {
		t.Fatalf("headers = %d, want 3", len(stamped.Headers))
	}
	if len(req.Headers) != 0 {
		t.Error("Stamp must not mutate the original request's headers")
	}

	if err := verifier.Verify(stamped, "job-1"); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestVerifyRejectsWrongJobID(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	signer := NewSigner(priv, "job-1")
	verifier, _ := NewVerifier(pubPEM)

	stamped, _ := signer.Stamp(&coordinator.Request{ID: "req-1", URL: "https://example.com", Method: coordinator.MethodGET})
	if err := verifier.Verify(stamped, "job-2"); err == nil {
		t.Error("expected verification to fail for mismatched job id")
	}
}

func TestVerifyRejectsTamperedURL(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	signer := NewSigner(priv, "job-1")
	verifier, _ := NewVerifier(pubPEM)

	stamped, _ := signer.Stamp(&coordinator.Request{ID: "req-1", URL: "https://example.com/a", Method: coordinator.MethodGET})
	stamped.URL = "https://example.com/b"
	if err := verifier.Verify(stamped, "job-1"); err == nil {
		t.Error("expected verification to fail for tampered URL")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	priv, pubPEM := genKeyPair(t)
	verifier, _ := NewVerifier(pubPEM)

	req := &coordinator.Request{ID: "req-1", URL: "https://example.com", Method: coordinator.MethodGET}
	signer := NewSigner(priv, "job-1")
	stamped, _ := signer.Stamp(req)

	for i, h := range stamped.Headers {
		if h.Name == headerTimestamp {
			stamped.Headers[i].Value = "1"
		}
	}
	if err := verifier.Verify(stamped, "job-1"); err == nil {
		t.Error("expected verification to fail for stale timestamp")
	}
}
