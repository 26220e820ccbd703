// Package sign implements Ed25519 signing and verification over the
// canonical JSON form.
//
// The agent signs every evidence bundle it emits and verifies every
// order it receives. The signing key is provisioned with the appliance
// image and loaded once at startup; trusted coordinator public keys are
// loaded from a separate keyset file. Key material never leaves this
// package except as a public-key hex string.
package sign

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Signer holds the agent's Ed25519 identity key.
type Signer struct {
	priv   ed25519.PrivateKey
	pubHex string
}

// LoadSigner reads a 32-byte Ed25519 seed from path. The file must be
// owner-only (no group/other permission bits); anything looser is
// refused. A missing key is a fatal startup condition for the caller.
func LoadSigner(path string) (*Signer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat signing key: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("signing key %s has permissions %04o, want owner-only", path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	if len(data) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d-byte seed, got %d bytes", ed25519.SeedSize, len(data))
	}

	priv := ed25519.NewKeyFromSeed(data)
	return &Signer{
		priv:   priv,
		pubHex: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}, nil
}

// Sign returns the detached Ed25519 signature over data (raw bytes).
func (s *Signer) Sign(data []byte) []byte {
	return ed25519.Sign(s.priv, data)
}

// SignHex returns the detached signature hex-encoded for transit.
func (s *Signer) SignHex(data []byte) string {
	return hex.EncodeToString(s.Sign(data))
}

// PublicKeyHex returns the hex-encoded public half of the identity key.
func (s *Signer) PublicKeyHex() string {
	return s.pubHex
}

// Verify checks a raw detached signature against the signer's own key.
// Used by tests and by the evidence self-check after persistence.
func (s *Signer) Verify(data, sig []byte) bool {
	return ed25519.Verify(s.priv.Public().(ed25519.PublicKey), data, sig)
}

// LoadTrustedKeys reads a keyset file: one hex-encoded Ed25519 public
// key per line, blank lines and #-comments ignored.
func LoadTrustedKeys(path string) ([]ed25519.PublicKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trusted keys: %w", err)
	}
	defer f.Close()

	var keys []ed25519.PublicKey
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		raw, err := hex.DecodeString(text)
		if err != nil {
			return nil, fmt.Errorf("trusted keys line %d: %w", line, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trusted keys line %d: got %d bytes, want %d", line, len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trusted keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("trusted keys file %s contains no keys", path)
	}
	return keys, nil
}
