// Package signing implements coordinator.SignatureProvider by stamping
// outbound requests with an RSA-signed provenance header, so a downstream
// API (or another crawlforge coordinator peering over a shared target) can
// verify a request genuinely originated from this job rather than being
// forged or replayed.
//
// Grounded on control_plane/attestation's Signer/Verifier pair (RSA-PKCS1v15
// over SHA256, a colon-joined message, a Unix timestamp, base64 signature)
// — adapted from verifying an agent binary's identity at registration time
// into verifying a Request's provenance at submit/dispatch time: NodeID
// becomes the job ID, BinaryHash becomes the request ID, and the signed
// message covers the method+URL instead of a binary hash.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/crawlforge/crawlforge/coordinator"
)

const (
	headerNode      = "X-Crawlforge-Node"
	headerTimestamp = "X-Crawlforge-Timestamp"
	headerSignature = "X-Crawlforge-Signature"

	// AllowedSkew bounds how far a signature's timestamp may drift from
	// now before Verify rejects it, matching the attestation verifier's
	// clock-skew tolerance.
	AllowedSkew = 5 * time.Minute
)

// Signer implements coordinator.SignatureProvider, stamping every Request
// it's handed with a signed provenance header before the Dispatcher sends
// it out.
type Signer struct {
	privateKey *rsa.PrivateKey
	jobID      string
}

// NewSigner constructs a Signer that attributes every stamped Request to
// jobID.
func NewSigner(privateKey *rsa.PrivateKey, jobID string) *Signer {
	return &Signer{privateKey: privateKey, jobID: jobID}
}

// LoadPrivateKeyPEM parses a PKCS#1 RSA private key from PEM bytes.
func LoadPrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("signing: no PEM block found")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func message(jobID, requestID, method, url string, timestamp int64) []byte {
	msg := fmt.Sprintf("%s:%s:%s:%s:%d", jobID, requestID, method, url, timestamp)
	return []byte(msg)
}

// Stamp signs req's method, URL, and job provenance, attaching the result
// as three headers. It never mutates the caller's Request in place — it
// returns a shallow copy with Headers extended.
func (s *Signer) Stamp(req *coordinator.Request) (*coordinator.Request, error) {
	timestamp := time.Now().Unix()
	hashed := sha256.Sum256(message(s.jobID, req.ID, string(req.Method), req.URL, timestamp))

	sig, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("signing: sign request %s: %w", req.ID, err)
	}

	stamped := *req
	stamped.Headers = append(append([]coordinator.Header{}, req.Headers...),
		coordinator.Header{Name: headerNode, Value: s.jobID},
		coordinator.Header{Name: headerTimestamp, Value: fmt.Sprintf("%d", timestamp)},
		coordinator.Header{Name: headerSignature, Value: base64.StdEncoding.EncodeToString(sig)},
	)
	return &stamped, nil
}

// Verifier checks the provenance headers Signer.Stamp attaches. It exists
// for the receiving side of a signed request — a target API, or a peer
// coordinator validating a forwarded crawl — since Stamp's headers are
// only useful if something on the other end can check them.
type Verifier struct {
	publicKey *rsa.PublicKey
}

// NewVerifier constructs a Verifier from a PEM-encoded PKIX public key.
func NewVerifier(publicKeyPEM []byte) (*Verifier, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("signing: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("signing: not an RSA public key")
	}
	return &Verifier{publicKey: rsaPub}, nil
}

// Verify checks req's signature headers against jobID, rejecting stale
// timestamps outside AllowedSkew and signatures that don't match.
func (v *Verifier) Verify(req *coordinator.Request, jobID string) error {
	var nodeHdr, tsHdr, sigHdr string
	for _, h := range req.Headers {
		switch h.Name {
		case headerNode:
			nodeHdr = h.Value
		case headerTimestamp:
			tsHdr = h.Value
		case headerSignature:
			sigHdr = h.Value
		}
	}
	if nodeHdr == "" || tsHdr == "" || sigHdr == "" {
		return errors.New("signing: request missing provenance headers")
	}
	if subtle.ConstantTimeCompare([]byte(nodeHdr), []byte(jobID)) != 1 {
		return fmt.Errorf("signing: job id mismatch: got %s, want %s", nodeHdr, jobID)
	}

	var timestamp int64
	if _, err := fmt.Sscanf(tsHdr, "%d", &timestamp); err != nil {
		return fmt.Errorf("signing: invalid timestamp header: %w", err)
	}
	skew := time.Since(time.Unix(timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > AllowedSkew {
		return fmt.Errorf("signing: timestamp skew %s exceeds allowed %s", skew, AllowedSkew)
	}

	sig, err := base64.StdEncoding.DecodeString(sigHdr)
	if err != nil {
		return fmt.Errorf("signing: invalid signature encoding: %w", err)
	}
	hashed := sha256.Sum256(message(jobID, req.ID, string(req.Method), req.URL, timestamp))
	if err := rsa.VerifyPKCS1v15(v.publicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("signing: signature verification failed: %w", err)
	}
	return nil
}
