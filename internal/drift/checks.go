package drift

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Check names. One Result per name per cycle.
const (
	CheckConfigManifest   = "config_manifest"
	CheckPatchStatus      = "patch_status"
	CheckBackupFreshness  = "backup_freshness"
	CheckServiceHealth    = "service_health"
	CheckEncryptionStatus = "encryption_status"
	CheckClockSkew        = "clock_skew"
)

// CheckNames lists the six checks in a stable order.
var CheckNames = []string{
	CheckConfigManifest,
	CheckPatchStatus,
	CheckBackupFreshness,
	CheckServiceHealth,
	CheckEncryptionStatus,
	CheckClockSkew,
}

// Result is the outcome of one check in one cycle.
type Result struct {
	CheckName            string
	DriftDetected        bool
	Severity             string
	Details              map[string]string
	RemediationRunbookID string
	HIPAAControls        []string
	Timestamp            time.Time
	// OffsetMS is set by the clock-skew check only.
	OffsetMS int64
}

// Runner executes a host command and returns its stdout. The real
// implementation shells out; tests substitute a fake.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner runs commands via os/exec. Commands are always invoked
// with an explicit argv, never through a shell.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// currentManifestHash resolves the active system configuration
// generation to its store hash.
func currentManifestHash(ctx context.Context, r Runner) (string, error) {
	out, err := r.Run(ctx, "/usr/bin/readlink", "-f", "/run/current-system")
	if err != nil {
		return "", fmt.Errorf("resolve current system: %w", err)
	}
	// /nix/store/<hash>-nixos-system-... → <hash>
	base := out
	if i := strings.LastIndex(out, "/"); i >= 0 {
		base = out[i+1:]
	}
	if i := strings.Index(base, "-"); i > 0 {
		return base[:i], nil
	}
	return base, nil
}

// currentFirewallHash hashes the live firewall ruleset listing.
func currentFirewallHash(ctx context.Context, r Runner) (string, error) {
	out, err := r.Run(ctx, "/usr/bin/nft", "list", "ruleset")
	if err != nil {
		return "", fmt.Errorf("list ruleset: %w", err)
	}
	sum := sha256.Sum256([]byte(out))
	return hex.EncodeToString(sum[:]), nil
}

// checkConfigManifest compares the active configuration generation
// (and the firewall ruleset, when the baseline pins one) against the
// baseline.
func (d *Detector) checkConfigManifest(ctx context.Context) Result {
	res := d.newResult(CheckConfigManifest, "critical",
		[]string{"164.310(d)(1)", "164.312(c)(1)"})
	res.RemediationRunbookID = "RB-DRIFT-001"

	current, err := currentManifestHash(ctx, d.runner)
	if err != nil {
		return d.failClosed(res, err)
	}
	res.Details["current_hash"] = current
	res.Details["expected_hash"] = d.baseline.ConfigManifestHash

	if d.baseline.ConfigManifestHash != "" && current != d.baseline.ConfigManifestHash {
		res.DriftDetected = true
	}

	if d.baseline.FirewallRulesetHash != "" {
		fw, err := currentFirewallHash(ctx, d.runner)
		if err != nil {
			return d.failClosed(res, err)
		}
		if fw != d.baseline.FirewallRulesetHash {
			res.DriftDetected = true
			res.Details["firewall_hash"] = fw
			res.Details["expected_firewall_hash"] = d.baseline.FirewallRulesetHash
		}
	}
	return res
}

// patchStatusRecord is written by the host's update tooling.
type patchStatusRecord struct {
	PendingSecurityUpdates []struct {
		ID          string    `json:"id"`
		Severity    string    `json:"severity"`
		PublishedAt time.Time `json:"published_at"`
	} `json:"pending_security_updates"`
}

// checkPatchStatus drifts when any pending critical security update
// is older than the configured maximum age.
func (d *Detector) checkPatchStatus(ctx context.Context) Result {
	res := d.newResult(CheckPatchStatus, "critical",
		[]string{"164.308(a)(5)(ii)(A)"})
	res.RemediationRunbookID = "RB-PATCH-001"

	data, err := os.ReadFile(d.patchStatusPath)
	if err != nil {
		return d.failClosed(res, fmt.Errorf("read patch status: %w", err))
	}
	var rec patchStatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return d.failClosed(res, fmt.Errorf("parse patch status: %w", err))
	}

	maxAge := time.Duration(d.baseline.MaxPatchAgeDays) * 24 * time.Hour
	now := d.now()
	var overdue []string
	for _, u := range rec.PendingSecurityUpdates {
		if u.Severity == "critical" && now.Sub(u.PublishedAt) > maxAge {
			overdue = append(overdue, u.ID)
		}
	}

	res.Details["pending_total"] = strconv.Itoa(len(rec.PendingSecurityUpdates))
	if len(overdue) > 0 {
		res.DriftDetected = true
		res.Details["overdue"] = strings.Join(overdue, ",")
	}
	return res
}

// backupStatusRecord is the most recent backup-status report.
type backupStatusRecord struct {
	LastSuccess     time.Time `json:"last_success"`
	LastRestoreTest time.Time `json:"last_restore_test"`
}

// checkBackupFreshness drifts when the latest successful backup or
// the latest restore test is older than its threshold.
func (d *Detector) checkBackupFreshness(ctx context.Context) Result {
	res := d.newResult(CheckBackupFreshness, "critical",
		[]string{"164.308(a)(7)(ii)(A)"})
	res.RemediationRunbookID = "RB-BACKUP-001"

	data, err := os.ReadFile(d.backupStatusPath)
	if err != nil {
		return d.failClosed(res, fmt.Errorf("read backup status: %w", err))
	}
	var rec backupStatusRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return d.failClosed(res, fmt.Errorf("parse backup status: %w", err))
	}

	now := d.now()
	backupAge := now.Sub(rec.LastSuccess)
	res.Details["last_success"] = rec.LastSuccess.UTC().Format(time.RFC3339)

	if backupAge > time.Duration(d.baseline.MaxBackupAgeHours)*time.Hour {
		res.DriftDetected = true
		res.Details["backup_age_hours"] = strconv.Itoa(int(backupAge.Hours()))
	}
	if !rec.LastRestoreTest.IsZero() {
		restoreAge := now.Sub(rec.LastRestoreTest)
		if restoreAge > time.Duration(d.baseline.MaxRestoreTestAgeDays)*24*time.Hour {
			res.DriftDetected = true
			res.Details["restore_test_age_days"] = strconv.Itoa(int(restoreAge.Hours() / 24))
		}
	}
	return res
}

// checkServiceHealth drifts when any declared critical service is not
// active.
func (d *Detector) checkServiceHealth(ctx context.Context) Result {
	res := d.newResult(CheckServiceHealth, "high",
		[]string{"164.312(b)"})
	res.RemediationRunbookID = "RB-SERVICE-001"

	var inactive []string
	for _, svc := range d.baseline.CriticalServices {
		state, err := d.runner.Run(ctx, "/usr/bin/systemctl", "is-active", svc)
		// is-active exits non-zero for any non-active state; the
		// stdout still names the state.
		if err != nil && state == "" {
			state = "unknown"
		}
		if state != "active" {
			inactive = append(inactive, svc+"="+state)
		}
	}

	if len(inactive) > 0 {
		res.DriftDetected = true
		res.Details["inactive"] = strings.Join(inactive, ",")
	}
	res.Details["checked"] = strconv.Itoa(len(d.baseline.CriticalServices))
	return res
}

// checkEncryptionStatus verifies that required volumes are mounted in
// encrypted form and that declared TLS material is unexpired. This
// check never requests remediation; enabling encryption is a human
// decision.
func (d *Detector) checkEncryptionStatus(ctx context.Context) Result {
	res := d.newResult(CheckEncryptionStatus, "critical",
		[]string{"164.312(a)(2)(iv)", "164.312(e)(2)(ii)"})

	var problems []string
	for _, vol := range d.baseline.EncryptedVolumes {
		out, err := d.runner.Run(ctx, "/usr/bin/cryptsetup", "status", vol)
		if err != nil || !strings.Contains(out, "is active") {
			problems = append(problems, vol+":not_active")
		}
	}

	for _, certPath := range d.baseline.TLSCertPaths {
		data, err := os.ReadFile(certPath)
		if err != nil {
			problems = append(problems, certPath+":unreadable")
			continue
		}
		block, _ := pem.Decode(data)
		if block == nil {
			problems = append(problems, certPath+":not_pem")
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			problems = append(problems, certPath+":unparseable")
			continue
		}
		if d.now().After(cert.NotAfter) {
			problems = append(problems, certPath+":expired")
		}
	}

	if len(problems) > 0 {
		res.DriftDetected = true
		res.Details["problems"] = strings.Join(problems, ",")
	}
	return res
}

// checkClockSkew drifts when the time-sync daemon reports an offset
// strictly greater than the configured maximum. Exactly at the
// maximum is not drift.
func (d *Detector) checkClockSkew(ctx context.Context) Result {
	res := d.newResult(CheckClockSkew, "medium",
		[]string{"164.312(b)"})

	out, err := d.runner.Run(ctx, "/usr/bin/chronyc", "-c", "tracking")
	if err != nil {
		return d.failClosed(res, fmt.Errorf("query chronyd: %w", err))
	}

	// CSV fields: refid, refname, stratum, reftime, system offset
	// (seconds), last offset, rms offset, ...
	fields := strings.Split(strings.TrimSpace(out), ",")
	if len(fields) < 5 {
		return d.failClosed(res, fmt.Errorf("unexpected tracking output"))
	}
	offsetSec, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return d.failClosed(res, fmt.Errorf("parse offset %q: %w", fields[4], err))
	}

	offsetMS := int64(offsetSec * 1000)
	absMS := offsetMS
	if absMS < 0 {
		absMS = -absMS
	}

	res.OffsetMS = offsetMS
	res.Details["offset_ms"] = strconv.FormatInt(offsetMS, 10)
	res.Details["max_ms"] = strconv.FormatInt(d.baseline.MaxClockSkewMS, 10)
	if absMS > d.baseline.MaxClockSkewMS {
		res.DriftDetected = true
	}
	return res
}
