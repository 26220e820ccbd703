// Package healer executes validated runbooks with pre/post health
// snapshots, fix verification, and reverse-order rollback.
package healer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/osiriscare/compliance-agent/internal/runbook"
)

// Terminal statuses for a healing attempt.
const (
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
	StatusPartial    = "partial"
	StatusDeferred   = "deferred"
)

// Step statuses.
const (
	StepSuccess  = "success"
	StepFailed   = "failed"
	StepTimedOut = "timed_out"
	StepSkipped  = "skipped"
)

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Index           int     `json:"index"`
	Action          string  `json:"action"`
	Phase           string  `json:"phase"` // forward or rollback
	Status          string  `json:"status"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout,omitempty"`
	Stderr          string  `json:"stderr,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Result is the terminal outcome of one healing attempt.
type Result struct {
	RunbookID         string
	Status            string
	Steps             []StepResult
	RollbackPerformed bool
	HealthCheckPassed bool
	DurationSeconds   float64
	ErrorMessage      string
	DeferredReason    string
	PreSnapshot       *HealthSnapshot
	PostSnapshot      *HealthSnapshot
	Timestamp         time.Time
}

// Healer runs runbooks serially. Two runbooks never execute
// concurrently; the cycle enforces that by calling Execute from a
// single goroutine.
type Healer struct {
	runner               StepRunner
	services             []string
	backupStatusPath     string
	expectedManifestHash string
	inWindow             func(time.Time) bool
	dryRun               bool
	now                  func() time.Time
}

// Config wires a Healer.
type Config struct {
	Runner               StepRunner
	CriticalServices     []string
	BackupStatusPath     string
	ExpectedManifestHash string
	// InWindow reports whether t falls inside the maintenance window.
	InWindow func(time.Time) bool
	DryRun   bool
}

// New builds a Healer.
func New(cfg Config) *Healer {
	if cfg.Runner == nil {
		cfg.Runner = ExecStepRunner{}
	}
	if cfg.InWindow == nil {
		cfg.InWindow = func(time.Time) bool { return true }
	}
	if cfg.BackupStatusPath == "" {
		cfg.BackupStatusPath = "/var/lib/compliance-agent/backup-status.json"
	}
	return &Healer{
		runner:               cfg.Runner,
		services:             cfg.CriticalServices,
		backupStatusPath:     cfg.BackupStatusPath,
		expectedManifestHash: cfg.ExpectedManifestHash,
		inWindow:             cfg.InWindow,
		dryRun:               cfg.DryRun,
		now:                  time.Now,
	}
}

// Execute runs one runbook to a terminal status. clockSane gates
// disruptive runbooks: while the host clock drifts from baseline, no
// disruptive remediation may run.
func (h *Healer) Execute(ctx context.Context, rb *runbook.Runbook, clockSane bool) *Result {
	started := h.now()
	res := &Result{
		RunbookID: rb.ID,
		Timestamp: started.UTC(),
	}
	defer func() {
		res.DurationSeconds = h.now().Sub(started).Seconds()
	}()

	if rb.Disruptive && !h.inWindow(started.UTC()) {
		res.Status = StatusDeferred
		res.DeferredReason = "outside maintenance window"
		log.Printf("[healer] Deferred %s: outside maintenance window", rb.ID)
		return res
	}
	if rb.Disruptive && !clockSane {
		res.Status = StatusDeferred
		res.DeferredReason = "clock skew exceeds baseline maximum"
		log.Printf("[healer] Deferred %s: clock not sane", rb.ID)
		return res
	}

	res.PreSnapshot = h.snapshot(ctx)

	// The whole-runbook envelope is the sum of forward step timeouts.
	// Expiry hard-kills the current step and fails the runbook.
	envCtx, cancel := context.WithTimeout(ctx, time.Duration(rb.EnvelopeSeconds())*time.Second)
	defer cancel()

	stepFailed := false
	for i, step := range rb.Steps {
		if stepFailed {
			res.Steps = append(res.Steps, StepResult{
				Index: i, Action: string(step.Action), Phase: "forward", Status: StepSkipped,
			})
			continue
		}
		sr := h.runStep(envCtx, i, "forward", step)
		res.Steps = append(res.Steps, sr)
		if sr.Status != StepSuccess {
			stepFailed = true
			res.ErrorMessage = fmt.Sprintf("step %d (%s) %s", i, step.Action, sr.Status)
		}
	}

	res.PostSnapshot = h.snapshot(ctx)
	res.HealthCheckPassed = res.PostSnapshot.AllServicesActive()

	verified := true
	if !stepFailed {
		verified = h.verify(ctx, rb, res.PreSnapshot)
		if !verified && res.ErrorMessage == "" {
			res.ErrorMessage = "fix verification failed"
		}
	}

	if !stepFailed && verified && res.HealthCheckPassed {
		res.Status = StatusSuccess
		log.Printf("[healer] %s succeeded in %.1fs", rb.ID, h.now().Sub(started).Seconds())
		return res
	}
	if !stepFailed && verified && !res.HealthCheckPassed && res.ErrorMessage == "" {
		res.ErrorMessage = "post-heal health check failed"
	}

	// Rollback path.
	if len(rb.Rollback) == 0 {
		res.Status = StatusPartial
		log.Printf("[healer] %s failed with no rollback defined: %s", rb.ID, res.ErrorMessage)
		return res
	}

	res.RollbackPerformed = true
	if h.rollback(ctx, rb, res) {
		res.Status = StatusRolledBack
		log.Printf("[healer] %s rolled back: %s", rb.ID, res.ErrorMessage)
	} else {
		res.Status = StatusFailed
		log.Printf("[healer] %s rollback failed: %s", rb.ID, res.ErrorMessage)
	}
	return res
}

// rollback executes the rollback list in reverse order with its own
// envelope. Returns true when every rollback step succeeded.
func (h *Healer) rollback(ctx context.Context, rb *runbook.Runbook, res *Result) bool {
	total := 0
	for _, s := range rb.Rollback {
		total += s.TimeoutSeconds
	}
	rbCtx, cancel := context.WithTimeout(ctx, time.Duration(total)*time.Second)
	defer cancel()

	ok := true
	for i := len(rb.Rollback) - 1; i >= 0; i-- {
		sr := h.runStep(rbCtx, i, "rollback", rb.Rollback[i])
		res.Steps = append(res.Steps, sr)
		if sr.Status != StepSuccess {
			ok = false
			res.ErrorMessage = fmt.Sprintf("%s; rollback step %d %s", res.ErrorMessage, i, sr.Status)
		}
	}
	return ok
}

// runStep executes one step under its declared timeout.
func (h *Healer) runStep(ctx context.Context, index int, phase string, step runbook.Step) StepResult {
	sr := StepResult{Index: index, Action: string(step.Action), Phase: phase}

	if h.dryRun {
		log.Printf("[healer] [DRY-RUN] %s step %d: %s", phase, index, step.Action)
		sr.Status = StepSuccess
		sr.Stdout = "[DRY-RUN]"
		return sr
	}

	env, argv, err := stepCommand(step)
	if err != nil {
		sr.Status = StepFailed
		sr.ExitCode = -1
		sr.Stderr = err.Error()
		return sr
	}

	stepCtx, cancel := context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
	defer cancel()

	started := h.now()
	out := h.runner.Run(stepCtx, env, argv[0], argv[1:]...)
	sr.DurationSeconds = h.now().Sub(started).Seconds()
	sr.ExitCode = out.ExitCode
	sr.Stdout = out.Stdout
	sr.Stderr = out.Stderr

	switch {
	case out.TimedOut:
		sr.Status = StepTimedOut
	case out.Err != nil || out.ExitCode != 0:
		sr.Status = StepFailed
	default:
		sr.Status = StepSuccess
	}
	return sr
}

// verify runs the runbook's declared fix verifier.
func (h *Healer) verify(ctx context.Context, rb *runbook.Runbook, pre *HealthSnapshot) bool {
	if h.dryRun {
		return true
	}
	switch rb.Verify {
	case runbook.VerifyServicesActive:
		for _, svc := range h.services {
			out := h.runner.Run(ctx, nil, "/usr/bin/systemctl", "is-active", svc)
			if out.Stdout != "active" {
				return false
			}
		}
		return true
	case runbook.VerifyBackupAdvanced:
		data, err := os.ReadFile(h.backupStatusPath)
		if err != nil {
			return false
		}
		var rec struct {
			LastSuccess time.Time `json:"last_success"`
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return false
		}
		return rec.LastSuccess.After(pre.Timestamp)
	case runbook.VerifyManifestMatch:
		out := h.runner.Run(ctx, nil, "/usr/bin/readlink", "-f", "/run/current-system")
		if out.Err != nil {
			return false
		}
		base := out.Stdout
		if i := strings.LastIndex(base, "/"); i >= 0 {
			base = base[i+1:]
		}
		if i := strings.Index(base, "-"); i > 0 {
			base = base[:i]
		}
		return h.expectedManifestHash == "" || base == h.expectedManifestHash
	default:
		return true
	}
}
