// Package agent wires the subsystems together and drives the
// periodic compliance cycle.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the agent. Loaded once
// at startup; invalid configuration is fatal.
type Config struct {
	SiteID         string `yaml:"site_id"`
	HostID         string `yaml:"host_id"`
	DeploymentMode string `yaml:"deployment_mode"`
	ResellerID     string `yaml:"reseller_id"`

	CoordinatorURL          string   `yaml:"coordinator_url"`
	CoordinatorAllowedHosts []string `yaml:"coordinator_allowed_hosts"`
	BearerToken             string   `yaml:"bearer_token"`
	ClientCertPath          string   `yaml:"client_cert_path"`
	ClientKeyPath           string   `yaml:"client_key_path"`
	TrustedCAPath           string   `yaml:"trusted_ca_path"`

	SigningKeyPath        string `yaml:"signing_key_path"`
	TrustedVerifyKeysPath string `yaml:"trusted_verify_keys_path"`

	BaselinePath     string `yaml:"baseline_path"`
	RunbooksDir      string `yaml:"runbooks_dir"`
	EvidenceRoot     string `yaml:"evidence_root"`
	QueueDBPath      string `yaml:"queue_db_path"`
	NonceDBPath      string `yaml:"nonce_db_path"`
	PatchStatusPath  string `yaml:"patch_status_path"`
	BackupStatusPath string `yaml:"backup_status_path"`

	PollIntervalSeconds    int    `yaml:"poll_interval_seconds"`
	OrderTTLSecondsMinimum int    `yaml:"order_ttl_seconds_minimum"`
	MaintenanceWindow      string `yaml:"maintenance_window"`
	EvidenceRetentionDays  int    `yaml:"evidence_retention_days"`
	EvidenceKeepLastN      int    `yaml:"evidence_keep_last_n"`
	MaxClockSkewMS         int64  `yaml:"max_clock_skew_ms"`
	UploadBatchSize        int    `yaml:"upload_batch_size"`
	UploadAttemptCap       int    `yaml:"upload_attempt_cap"`
	PolicyVersion          string `yaml:"policy_version"`

	DryRunMode bool   `yaml:"dry_run_mode"`
	LogLevel   string `yaml:"log_level"`

	window *Window
}

// DefaultConfig returns the built-in defaults. Paths land under the
// agent state directory.
func DefaultConfig() *Config {
	state := "/var/lib/compliance-agent"
	return &Config{
		DeploymentMode:         "direct",
		SigningKeyPath:         filepath.Join(state, "keys", "signing.key"),
		TrustedVerifyKeysPath:  filepath.Join(state, "keys", "trusted_verify_keys"),
		BaselinePath:           filepath.Join(state, "baseline.yaml"),
		RunbooksDir:            filepath.Join(state, "runbooks"),
		EvidenceRoot:           filepath.Join(state, "evidence"),
		QueueDBPath:            filepath.Join(state, "queue.db"),
		NonceDBPath:            filepath.Join(state, "nonces.db"),
		PatchStatusPath:        filepath.Join(state, "patch-status.json"),
		BackupStatusPath:       filepath.Join(state, "backup-status.json"),
		PollIntervalSeconds:    60,
		OrderTTLSecondsMinimum: 60,
		EvidenceRetentionDays:  365,
		EvidenceKeepLastN:      10,
		MaxClockSkewMS:         90000,
		UploadBatchSize:        10,
		UploadAttemptCap:       8,
		PolicyVersion:          "1",
		LogLevel:               "info",
	}
}

// LoadConfig reads the YAML config at path over the defaults, applies
// environment overrides, and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment overrides over the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("DRY_RUN_MODE"); v == "1" || strings.EqualFold(v, "true") {
		c.DryRunMode = true
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if dir := os.Getenv("STATE_DIR"); dir != "" {
		defaults := DefaultConfig()
		rebase := func(field *string, def string) {
			if *field == def {
				*field = filepath.Join(dir, strings.TrimPrefix(def, "/var/lib/compliance-agent/"))
			}
		}
		rebase(&c.SigningKeyPath, defaults.SigningKeyPath)
		rebase(&c.TrustedVerifyKeysPath, defaults.TrustedVerifyKeysPath)
		rebase(&c.BaselinePath, defaults.BaselinePath)
		rebase(&c.RunbooksDir, defaults.RunbooksDir)
		rebase(&c.EvidenceRoot, defaults.EvidenceRoot)
		rebase(&c.QueueDBPath, defaults.QueueDBPath)
		rebase(&c.NonceDBPath, defaults.NonceDBPath)
		rebase(&c.PatchStatusPath, defaults.PatchStatusPath)
		rebase(&c.BackupStatusPath, defaults.BackupStatusPath)
	}
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warning": true, "error": true,
}

// validate enforces identity invariants and clamps intervals to safe
// bounds.
func (c *Config) validate() error {
	if c.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	if c.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url is required")
	}
	if c.HostID == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.HostID = hostname
		} else {
			c.HostID = c.SiteID + "-appliance"
		}
	}

	switch c.DeploymentMode {
	case "direct":
		if c.ResellerID != "" {
			return fmt.Errorf("reseller_id must be empty in direct mode")
		}
	case "reseller":
		if c.ResellerID == "" {
			return fmt.Errorf("reseller_id is required in reseller mode")
		}
	default:
		return fmt.Errorf("deployment_mode must be direct or reseller, got %q", c.DeploymentMode)
	}

	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of debug/info/warning/error, got %q", c.LogLevel)
	}

	if c.PollIntervalSeconds < 10 {
		c.PollIntervalSeconds = 10
	}
	if c.PollIntervalSeconds > 3600 {
		c.PollIntervalSeconds = 3600
	}
	if c.OrderTTLSecondsMinimum < 60 {
		c.OrderTTLSecondsMinimum = 60
	}
	if c.UploadBatchSize <= 0 {
		c.UploadBatchSize = 10
	}

	if c.MaintenanceWindow != "" {
		w, err := ParseWindow(c.MaintenanceWindow)
		if err != nil {
			return err
		}
		c.window = w
	}
	return nil
}

// InWindow reports whether t (UTC) falls inside the maintenance
// window. With no window configured, disruptive work is allowed any
// time.
func (c *Config) InWindow(t time.Time) bool {
	if c.window == nil {
		return true
	}
	return c.window.Contains(t)
}

// PollInterval returns the poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Window is a daily UTC maintenance window. Windows may wrap
// midnight (e.g. 23:00-01:00).
type Window struct {
	startMin int
	endMin   int
}

// ParseWindow parses "HH:MM-HH:MM".
func ParseWindow(s string) (*Window, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return nil, fmt.Errorf("maintenance_window must be HH:MM-HH:MM, got %q", s)
	}
	start, err := parseHHMM(parts[0])
	if err != nil {
		return nil, fmt.Errorf("maintenance_window start: %w", err)
	}
	end, err := parseHHMM(parts[1])
	if err != nil {
		return nil, fmt.Errorf("maintenance_window end: %w", err)
	}
	if start == end {
		return nil, fmt.Errorf("maintenance_window start and end are equal")
	}
	return &Window{startMin: start, endMin: end}, nil
}

func parseHHMM(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether the UTC time of day of t is inside the
// window. Start is inclusive, end exclusive.
func (w *Window) Contains(t time.Time) bool {
	u := t.UTC()
	m := u.Hour()*60 + u.Minute()
	if w.startMin < w.endMin {
		return m >= w.startMin && m < w.endMin
	}
	// Wraps midnight.
	return m >= w.startMin || m < w.endMin
}
