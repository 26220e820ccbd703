// Package drift compares host state against the declared baseline
// using six independent, read-only checks.
package drift

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Baseline is the declarative target state. Read once at startup,
// never mutated at runtime.
type Baseline struct {
	// ConfigManifestHash is the store hash of the expected system
	// configuration generation.
	ConfigManifestHash string `yaml:"config_manifest_hash"`
	// FirewallRulesetHash is the SHA-256 of the expected firewall
	// ruleset listing.
	FirewallRulesetHash string `yaml:"firewall_ruleset_hash,omitempty"`

	MaxPatchAgeDays       int `yaml:"max_patch_age_days"`
	MaxBackupAgeHours     int `yaml:"max_backup_age_hours"`
	MaxRestoreTestAgeDays int `yaml:"max_restore_test_age_days"`

	CriticalServices []string `yaml:"critical_services"`
	EncryptedVolumes []string `yaml:"encrypted_volumes"`
	TLSCertPaths     []string `yaml:"tls_cert_paths,omitempty"`

	MaxClockSkewMS int64 `yaml:"max_clock_skew_ms"`
}

func (b *Baseline) applyDefaults() {
	if b.MaxPatchAgeDays <= 0 {
		b.MaxPatchAgeDays = 30
	}
	if b.MaxBackupAgeHours <= 0 {
		b.MaxBackupAgeHours = 26
	}
	if b.MaxRestoreTestAgeDays <= 0 {
		b.MaxRestoreTestAgeDays = 90
	}
	if b.MaxClockSkewMS <= 0 {
		b.MaxClockSkewMS = 90000
	}
}

// LoadBaseline reads and validates the baseline file.
func LoadBaseline(path string) (*Baseline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}

	var b Baseline
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse baseline: %w", err)
	}
	b.applyDefaults()
	return &b, nil
}

// SaveBaseline writes the baseline atomically (temp file + rename).
func SaveBaseline(path string, b *Baseline) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal baseline: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create baseline dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write baseline: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename baseline: %w", err)
	}
	return nil
}

// LoadOrCapture returns the baseline at path, capturing the current
// host state as the initial baseline when the file does not exist.
// The capture cycle itself reports no drift.
func LoadOrCapture(ctx context.Context, path string, r Runner) (*Baseline, bool, error) {
	if _, err := os.Stat(path); err == nil {
		b, err := LoadBaseline(path)
		return b, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("stat baseline: %w", err)
	}

	log.Printf("[drift] No baseline at %s, capturing current state", path)

	b := &Baseline{}
	b.applyDefaults()

	if hash, err := currentManifestHash(ctx, r); err == nil {
		b.ConfigManifestHash = hash
	} else {
		log.Printf("[drift] Baseline capture: manifest hash unavailable: %v", err)
	}
	if hash, err := currentFirewallHash(ctx, r); err == nil {
		b.FirewallRulesetHash = hash
	} else {
		log.Printf("[drift] Baseline capture: firewall hash unavailable: %v", err)
	}

	if err := SaveBaseline(path, b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}
