package sign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/osiriscare/compliance-agent/internal/orders"
)

func writeSeed(t *testing.T, perm os.FileMode) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	_ = pub
	path := filepath.Join(t.TempDir(), "signing.key")
	if err := os.WriteFile(path, priv.Seed(), perm); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	return path, priv
}

func TestLoadSigner(t *testing.T) {
	path, priv := writeSeed(t, 0o600)

	s, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}

	wantPub := hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	if s.PublicKeyHex() != wantPub {
		t.Fatalf("public key mismatch: %s vs %s", s.PublicKeyHex(), wantPub)
	}

	data := []byte(`{"check":"service_health"}`)
	if !s.Verify(data, s.Sign(data)) {
		t.Fatal("round-trip signature did not verify")
	}
}

func TestLoadSignerRejectsLoosePermissions(t *testing.T) {
	path, _ := writeSeed(t, 0o644)
	if _, err := LoadSigner(path); err == nil {
		t.Fatal("expected error for group-readable key")
	}
}

func TestLoadSignerMissing(t *testing.T) {
	if _, err := LoadSigner(filepath.Join(t.TempDir(), "nope.key")); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestLoadTrustedKeys(t *testing.T) {
	pub1, _, _ := ed25519.GenerateKey(rand.Reader)
	pub2, _, _ := ed25519.GenerateKey(rand.Reader)

	path := filepath.Join(t.TempDir(), "trusted.keys")
	content := "# coordinator keys\n" +
		hex.EncodeToString(pub1) + "\n\n" +
		hex.EncodeToString(pub2) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}

	keys, err := LoadTrustedKeys(path)
	if err != nil {
		t.Fatalf("LoadTrustedKeys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
}

func TestLoadTrustedKeysEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trusted.keys")
	os.WriteFile(path, []byte("# nothing here\n"), 0o600)
	if _, err := LoadTrustedKeys(path); err == nil {
		t.Fatal("expected error for empty keyset")
	}
}

// memNonces is an in-memory NonceStore for verifier tests.
type memNonces struct {
	seen map[string]bool
	err  error
}

func newMemNonces() *memNonces { return &memNonces{seen: map[string]bool{}} }

func (m *memNonces) SeenNonce(issuer, nonce string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	return m.seen[issuer+":"+nonce], nil
}

func (m *memNonces) RecordNonce(issuer, nonce string) error {
	m.seen[issuer+":"+nonce] = true
	return nil
}

func signedOrder(t *testing.T, priv ed25519.PrivateKey, mutate func(*orders.Order)) *orders.Order {
	t.Helper()
	o := &orders.Order{
		OrderID:    "ord-100",
		RunbookID:  "RB-SERVICE-001",
		Params:     map[string]interface{}{"service": "chronyd"},
		Nonce:      "nonce-abc",
		IssuedAt:   time.Now().UTC(),
		TTLSeconds: 300,
	}
	if mutate != nil {
		mutate(o)
	}
	payload, err := o.SignedPayload()
	if err != nil {
		t.Fatalf("SignedPayload: %v", err)
	}
	o.Signature = hex.EncodeToString(ed25519.Sign(priv, payload))
	return o
}

func TestVerifyOrderAccept(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	nonces := newMemNonces()
	v := NewVerifier([]ed25519.PublicKey{pub}, nonces)

	o := signedOrder(t, priv, nil)
	issuer, err := v.VerifyOrder(o)
	if err != nil {
		t.Fatalf("VerifyOrder: %v", err)
	}
	if issuer != hex.EncodeToString(pub) {
		t.Fatalf("wrong issuer: %s", issuer)
	}
	if !nonces.seen[issuer+":nonce-abc"] {
		t.Fatal("nonce was not recorded on acceptance")
	}
}

func TestVerifyOrderBadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(rand.Reader)
	_, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	v := NewVerifier([]ed25519.PublicKey{pub}, newMemNonces())

	o := signedOrder(t, otherPriv, nil)
	if _, err := v.VerifyOrder(o); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyOrderTamperedPayload(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := NewVerifier([]ed25519.PublicKey{pub}, newMemNonces())

	o := signedOrder(t, priv, nil)
	o.RunbookID = "RB-DRIFT-001" // mutated after signing
	if _, err := v.VerifyOrder(o); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestVerifyOrderExpired(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := NewVerifier([]ed25519.PublicKey{pub}, newMemNonces())

	o := signedOrder(t, priv, func(o *orders.Order) {
		o.IssuedAt = time.Now().UTC().Add(-10 * time.Minute)
		o.TTLSeconds = 60
	})
	if _, err := v.VerifyOrder(o); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestVerifyOrderTTLBelowMinimum(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	v := NewVerifier([]ed25519.PublicKey{pub}, newMemNonces())

	o := signedOrder(t, priv, func(o *orders.Order) { o.TTLSeconds = 59 })
	if _, err := v.VerifyOrder(o); !errors.Is(err, ErrBadTTL) {
		t.Fatalf("expected ErrBadTTL, got %v", err)
	}
}

func TestVerifyOrderReplay(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	nonces := newMemNonces()
	v := NewVerifier([]ed25519.PublicKey{pub}, nonces)

	first := signedOrder(t, priv, nil)
	if _, err := v.VerifyOrder(first); err != nil {
		t.Fatalf("first order: %v", err)
	}

	replay := signedOrder(t, priv, func(o *orders.Order) { o.OrderID = "ord-101" })
	if _, err := v.VerifyOrder(replay); !errors.Is(err, ErrReplayed) {
		t.Fatalf("expected ErrReplayed, got %v", err)
	}
}

func TestVerifyOrderNonceStoreFailure(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	nonces := newMemNonces()
	nonces.err = errors.New("disk gone")
	v := NewVerifier([]ed25519.PublicKey{pub}, nonces)

	o := signedOrder(t, priv, nil)
	if _, err := v.VerifyOrder(o); err == nil {
		t.Fatal("expected failure when nonce set is unreadable")
	}
}

func TestVerifyOrderSecondTrustedKey(t *testing.T) {
	pub1, _, _ := ed25519.GenerateKey(rand.Reader)
	pub2, priv2, _ := ed25519.GenerateKey(rand.Reader)
	v := NewVerifier([]ed25519.PublicKey{pub1, pub2}, newMemNonces())

	o := signedOrder(t, priv2, nil)
	issuer, err := v.VerifyOrder(o)
	if err != nil {
		t.Fatalf("VerifyOrder: %v", err)
	}
	if issuer != hex.EncodeToString(pub2) {
		t.Fatalf("expected second key as issuer, got %s", issuer)
	}
}
