// Package permit implements C11: the signed, single-use execution permit,
// grounded on teacher pkg/identity/token.go's JWT-shaped claims/TokenManager
// (here using EdDSA over golang-jwt/jwt/v5 rather than RSA, since permits
// are signed by the policy engine's Ed25519 key, not an RSA identity key)
// and pkg/kernel/sovereignty/guard.go's Authorize-then-mint pattern.
package permit

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sovereign-ubl/ubl/pkg/atom"
)

// Scopes carries the permit's binding to a single, immediate execution
// (spec §4.11).
type Scopes struct {
	TenantID     string `json:"tenant_id"`
	JobType      string `json:"job_type"`
	Target       string `json:"target"`
	SubjectHash  string `json:"subject_hash"`
	PolicyHash   string `json:"policy_hash"`
	ApprovalRef  string `json:"approval_ref,omitempty"`
}

// Claims is the JWT body carrying a permit's fields.
type Claims struct {
	jwt.RegisteredClaims
	Scopes Scopes `json:"scopes"`
}

// DefaultLifetime is spec §4.11's default permit lifetime.
const DefaultLifetime = 60 * time.Second

// SubjectHash reproduces spec §4.11's subject_hash = BLAKE3(canonicalize(params)).
func SubjectHash(params map[string]any) (string, error) {
	canon, err := atom.Canonicalize(params)
	if err != nil {
		return "", err
	}
	return atom.Hash(canon), nil
}

// Issuer mints permits signed by an Ed25519 key (typically the policy
// engine's own key, not an agent's).
type Issuer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func NewIssuer(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Issuer {
	return &Issuer{priv: priv, pub: pub}
}

// Issue mints a permit bound to aud (the execution target) with the given
// scopes, valid for DefaultLifetime unless lifetime is provided.
func (i *Issuer) Issue(aud string, scopes Scopes, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(), // jti
			Audience:  jwt.ClaimStrings{aud},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(lifetime)),
			Issuer:    "ubl:permit-issuer",
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(i.priv)
}

// NonceTracker enforces single-use permits: the runner MUST reject a
// permit whose jti has already been consumed.
type NonceTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{seen: make(map[string]bool)}
}

// Consume marks jti as used; returns false if it was already consumed.
func (n *NonceTracker) Consume(jti string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.seen[jti] {
		return false
	}
	n.seen[jti] = true
	return true
}

// Error enumerates the permit rejection taxonomy.
type Error struct {
	Code   string
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("permit: %s: %s", e.Code, e.Reason) }

const (
	ErrInvalidSignature = "InvalidSignature"
	ErrExpired          = "Expired"
	ErrAudienceMismatch = "AudienceMismatch"
	ErrReplayed         = "Replayed"
)

// Verify parses and validates tokenString against the issuer's public key,
// checks aud and expiry, and consumes the nonce exactly once.
func Verify(pub ed25519.PublicKey, tracker *NonceTracker, tokenString, expectAud string, now time.Time) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil || !token.Valid {
		return nil, &Error{Code: ErrInvalidSignature, Reason: fmt.Sprintf("%v", err)}
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, &Error{Code: ErrInvalidSignature, Reason: "unexpected claims type"}
	}

	if claims.ExpiresAt == nil || now.After(claims.ExpiresAt.Time) {
		return nil, &Error{Code: ErrExpired, Reason: "permit expired"}
	}
	aud, _ := claims.GetAudience()
	if len(aud) == 0 || aud[0] != expectAud {
		return nil, &Error{Code: ErrAudienceMismatch, Reason: fmt.Sprintf("got %v, want %s", aud, expectAud)}
	}
	if !tracker.Consume(claims.ID) {
		return nil, &Error{Code: ErrReplayed, Reason: fmt.Sprintf("jti %s already consumed", claims.ID)}
	}
	return claims, nil
}
