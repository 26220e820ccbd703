package drift

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Detector runs the six checks concurrently against one baseline.
type Detector struct {
	baseline *Baseline
	runner   Runner

	checkTimeout     time.Duration
	patchStatusPath  string
	backupStatusPath string

	now func() time.Time
}

// Options tunes a Detector. Zero values get defaults.
type Options struct {
	CheckTimeout     time.Duration // per check, default 30s
	PatchStatusPath  string        // default /var/lib/compliance-agent/patch-status.json
	BackupStatusPath string        // default /var/lib/compliance-agent/backup-status.json
}

// NewDetector builds a detector over the given baseline and runner.
func NewDetector(baseline *Baseline, runner Runner, opts Options) *Detector {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 30 * time.Second
	}
	if opts.PatchStatusPath == "" {
		opts.PatchStatusPath = "/var/lib/compliance-agent/patch-status.json"
	}
	if opts.BackupStatusPath == "" {
		opts.BackupStatusPath = "/var/lib/compliance-agent/backup-status.json"
	}
	return &Detector{
		baseline:         baseline,
		runner:           runner,
		checkTimeout:     opts.CheckTimeout,
		patchStatusPath:  opts.PatchStatusPath,
		backupStatusPath: opts.BackupStatusPath,
		now:              time.Now,
	}
}

// CheckAll runs the six checks concurrently and returns a Result per
// check name. A failing or panicking check yields a fail-closed
// Result; it never suppresses the other checks.
func (d *Detector) CheckAll(ctx context.Context) map[string]Result {
	checks := map[string]func(context.Context) Result{
		CheckConfigManifest:   d.checkConfigManifest,
		CheckPatchStatus:      d.checkPatchStatus,
		CheckBackupFreshness:  d.checkBackupFreshness,
		CheckServiceHealth:    d.checkServiceHealth,
		CheckEncryptionStatus: d.checkEncryptionStatus,
		CheckClockSkew:        d.checkClockSkew,
	}

	results := make([]Result, len(CheckNames))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range CheckNames {
		i, name, fn := i, name, checks[name]
		g.Go(func() error {
			results[i] = d.runOne(gctx, name, fn)
			return nil
		})
	}
	g.Wait()

	out := make(map[string]Result, len(results))
	drifted := 0
	for _, res := range results {
		out[res.CheckName] = res
		if res.DriftDetected {
			drifted++
			log.Printf("[drift] DRIFT: %s severity=%s details=%v",
				res.CheckName, res.Severity, res.Details)
		}
	}
	log.Printf("[drift] Cycle complete: checks=%d drifted=%d", len(results), drifted)
	return out
}

// runOne applies the per-check timeout and converts a panic into a
// fail-closed result.
func (d *Detector) runOne(ctx context.Context, name string, fn func(context.Context) Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res.CheckName = name
			res.DriftDetected = true
			res.Severity = "critical"
			res.Timestamp = d.now().UTC()
			if res.Details == nil {
				res.Details = map[string]string{}
			}
			res.Details["error"] = fmt.Sprintf("check panicked: %v", r)
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, d.checkTimeout)
	defer cancel()
	return fn(cctx)
}

// newResult seeds a Result with the fields every check shares.
func (d *Detector) newResult(name, severity string, controls []string) Result {
	return Result{
		CheckName:     name,
		Severity:      severity,
		HIPAAControls: controls,
		Details:       map[string]string{},
		Timestamp:     d.now().UTC(),
	}
}

// failClosed marks a check that could not complete as drifted with
// severity critical. An unverifiable control is treated as a failing
// control.
func (d *Detector) failClosed(res Result, err error) Result {
	res.DriftDetected = true
	res.Severity = "critical"
	res.RemediationRunbookID = ""
	res.Details["error"] = err.Error()
	return res
}
