package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// tokenClaims is the payload signed into a bearer token: the authenticated
// client and the scopes it was granted at login (fetch, analyze, send).
type tokenClaims struct {
	ClientID string   `json:"cid"`
	Scopes   []string `json:"scopes"`
	ExpireAt int64    `json:"exp"`
}

// TokenSigner issues and verifies opaque bearer tokens without server-side
// session state: an HMAC-SHA256-signed, base64url-encoded claims blob.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenSigner builds a signer keyed by secret (derived from the
// deployment's encryption master key so no separate secret needs minting).
func NewTokenSigner(secret string, ttl time.Duration) *TokenSigner {
	return &TokenSigner{secret: []byte(secret), ttl: ttl}
}

// Issue mints a bearer token for clientID with scopes, expiring after the
// signer's configured TTL.
func (s *TokenSigner) Issue(clientID string, scopes []string, now time.Time) (string, error) {
	claims := tokenClaims{ClientID: clientID, Scopes: scopes, ExpireAt: now.Add(s.ttl).Unix()}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(body)
	sig := s.sign(encoded)
	return encoded + "." + sig, nil
}

// Verify checks a bearer token's signature and expiry, returning its
// claims.
func (s *TokenSigner) Verify(token string, now time.Time) (clientID string, scopes []string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("malformed token")
	}
	encoded, sig := parts[0], parts[1]
	if subtle.ConstantTimeCompare([]byte(sig), []byte(s.sign(encoded))) != 1 {
		return "", nil, fmt.Errorf("invalid token signature")
	}
	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("decode token: %w", err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(body, &claims); err != nil {
		return "", nil, fmt.Errorf("unmarshal claims: %w", err)
	}
	if now.Unix() > claims.ExpireAt {
		return "", nil, fmt.Errorf("token expired")
	}
	return claims.ClientID, claims.Scopes, nil
}

func (s *TokenSigner) sign(encoded string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// HasScope reports whether scopes contains want.
func HasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}
