package sign

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/osiriscare/compliance-agent/internal/orders"
)

// Verification failure kinds. The cycle maps these onto evidence
// outcomes: bad signature and replay → rejected, expiry → expired.
var (
	ErrBadSignature = errors.New("order signature verification failed")
	ErrExpired      = errors.New("order expired")
	ErrReplayed     = errors.New("order nonce already seen")
	ErrBadTTL       = errors.New("order ttl below minimum")
)

// NonceStore is the durable single-use token set. Implemented by the
// SQLite store so replay protection survives restarts.
type NonceStore interface {
	// SeenNonce reports whether (issuer, nonce) was already accepted.
	SeenNonce(issuer, nonce string) (bool, error)
	// RecordNonce marks (issuer, nonce) as accepted.
	RecordNonce(issuer, nonce string) error
}

// Verifier checks inbound orders against the trusted coordinator keyset.
type Verifier struct {
	trusted []ed25519.PublicKey
	nonces  NonceStore
	now     func() time.Time
}

// NewVerifier creates a verifier over the given trusted keys and
// durable nonce set.
func NewVerifier(trusted []ed25519.PublicKey, nonces NonceStore) *Verifier {
	return &Verifier{trusted: trusted, nonces: nonces, now: time.Now}
}

// VerifyOrder runs the ordered, short-circuiting verification pipeline:
//
//  1. recompute the canonical payload excluding the signature
//  2. verify the signature against every trusted key (fail closed)
//  3. reject TTLs below the minimum, then expired orders
//  4. reject replayed nonces (keyed by the issuer that signed)
//  5. record the nonce on acceptance
//
// On success it returns the hex public key of the matching issuer.
func (v *Verifier) VerifyOrder(o *orders.Order) (issuer string, err error) {
	payload, err := o.SignedPayload()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	sig, err := hex.DecodeString(o.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", ErrBadSignature
	}

	for _, pk := range v.trusted {
		if ed25519.Verify(pk, payload, sig) {
			issuer = hex.EncodeToString(pk)
			break
		}
	}
	if issuer == "" {
		return "", ErrBadSignature
	}

	if o.TTLSeconds < orders.MinTTLSeconds {
		return "", fmt.Errorf("%w: %d < %d", ErrBadTTL, o.TTLSeconds, orders.MinTTLSeconds)
	}
	if !o.ExpiresAt().After(v.now()) {
		return "", fmt.Errorf("%w: issued %s, ttl %ds", ErrExpired,
			o.IssuedAt.UTC().Format(time.RFC3339), o.TTLSeconds)
	}

	seen, err := v.nonces.SeenNonce(issuer, o.Nonce)
	if err != nil {
		// Fail closed: an unreadable nonce set must not admit replays.
		return "", fmt.Errorf("nonce lookup: %w", err)
	}
	if seen {
		return "", ErrReplayed
	}

	if err := v.nonces.RecordNonce(issuer, o.Nonce); err != nil {
		return "", fmt.Errorf("record nonce: %w", err)
	}
	return issuer, nil
}
