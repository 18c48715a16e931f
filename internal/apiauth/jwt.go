// Package apiauth guards a coordinator's operator HTTP surface
// (submit/status/drain) with a bearer token, so a crawlforge deployment
// isn't wide open to whoever can reach the listen address.
//
// Grounded on control_plane/auth/jwt.go (hand-rolled HS256 JWT: base64url
// header/claims, HMAC-SHA256 signature, exp/iss/aud validation) and
// control_plane/middleware/auth.go (the Authorization: Bearer middleware
// wrapping it) — adapted from the teacher's multi-tenant Claims{TenantID,
// Role} shape into a single-job Claims{JobID}, since one coordinator serves
// exactly one crawl job rather than many tenants sharing an API.
package apiauth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const issuer = "crawlforge"

// Claims is the payload of a crawlforge operator token.
type Claims struct {
	JobID     string `json:"job_id"`
	Issuer    string `json:"iss"`
	ExpiresAt int64  `json:"exp"`
	IssuedAt  int64  `json:"iat"`
}

type claimsContextKey struct{}

// Authenticator issues and validates HS256 bearer tokens scoped to jobID.
type Authenticator struct {
	secret []byte
	jobID  string
}

// NewAuthenticator constructs an Authenticator. secret must be at least 32
// bytes; a short secret makes HMAC-SHA256 brute-forceable.
func NewAuthenticator(secret []byte, jobID string) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("apiauth: secret must be at least 32 bytes")
	}
	return &Authenticator{secret: secret, jobID: jobID}, nil
}

// IssueToken mints a token valid for ttl, scoped to the Authenticator's job.
func (a *Authenticator) IssueToken(ttl time.Duration) (string, error) {
	now := time.Now().Unix()
	claims := Claims{
		JobID:     a.jobID,
		Issuer:    issuer,
		ExpiresAt: now + int64(ttl.Seconds()),
		IssuedAt:  now,
	}
	header := map[string]string{"alg": "HS256", "typ": "JWT"}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	tokenPart := base64UrlEncode(headerJSON) + "." + base64UrlEncode(claimsJSON)
	return tokenPart + "." + a.sign(tokenPart), nil
}

// Validate parses and checks a token string, returning its claims.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, errors.New("apiauth: malformed token")
	}

	tokenPart := parts[0] + "." + parts[1]
	if a.sign(tokenPart) != parts[2] {
		return nil, errors.New("apiauth: invalid signature")
	}

	claimsJSON, err := base64UrlDecode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("apiauth: decode claims: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("apiauth: unmarshal claims: %w", err)
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, errors.New("apiauth: token expired")
	}
	if claims.Issuer != issuer {
		return nil, errors.New("apiauth: invalid issuer")
	}
	if claims.JobID != a.jobID {
		return nil, fmt.Errorf("apiauth: token scoped to job %s, this coordinator serves %s", claims.JobID, a.jobID)
	}
	return &claims, nil
}

// Middleware wraps next, rejecting requests without a valid
// "Authorization: Bearer <token>" header.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			http.Error(w, "missing or malformed Authorization header", http.StatusUnauthorized)
			return
		}
		claims, err := a.Validate(parts[1])
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext retrieves the Claims a Middleware-wrapped handler
// attached to the request context.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return claims, ok
}

func (a *Authenticator) sign(tokenPart string) string {
	h := hmac.New(sha256.New, a.secret)
	h.Write([]byte(tokenPart))
	return base64UrlEncode(h.Sum(nil))
}

func base64UrlEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

func base64UrlDecode(data string) ([]byte, error) {
	if r := len(data) % 4; r > 0 {
		data += strings.Repeat("=", 4-r)
	}
	return base64.URLEncoding.DecodeString(data)
}
