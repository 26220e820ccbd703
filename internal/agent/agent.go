package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/osiriscare/compliance-agent/internal/coordinator"
	"github.com/osiriscare/compliance-agent/internal/drift"
	"github.com/osiriscare/compliance-agent/internal/evidence"
	"github.com/osiriscare/compliance-agent/internal/healer"
	"github.com/osiriscare/compliance-agent/internal/runbook"
	"github.com/osiriscare/compliance-agent/internal/sdnotify"
	"github.com/osiriscare/compliance-agent/internal/sign"
	"github.com/osiriscare/compliance-agent/internal/store"
)

// Version is stamped into logs and the --version output.
const Version = "1.0.0"

// Agent owns every subsystem and drives the periodic cycle. It has no
// listening sockets; all traffic is outbound.
type Agent struct {
	cfg      *Config
	client   *coordinator.Client
	verifier *sign.Verifier
	queue    *store.Queue
	nonces   *store.NonceStore
	baseline *drift.Baseline
	detector *drift.Detector
	healer   *healer.Healer
	builder  *evidence.Builder
	pruner   *evidence.Pruner
	library  *runbook.Library

	statePath string
	cycles    uint64

	now func() time.Time
}

// New loads key material and state stores and wires the subsystems.
// Any error here is a fatal startup condition.
func New(ctx context.Context, cfg *Config) (*Agent, error) {
	return newAgent(ctx, cfg, drift.ExecRunner{}, nil)
}

// newAgent takes the command runners explicitly so tests can
// substitute fakes.
func newAgent(ctx context.Context, cfg *Config, runner drift.Runner, stepRunner healer.StepRunner) (*Agent, error) {
	signer, err := sign.LoadSigner(cfg.SigningKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	trusted, err := sign.LoadTrustedKeys(cfg.TrustedVerifyKeysPath)
	if err != nil {
		return nil, fmt.Errorf("load trusted keys: %w", err)
	}

	queue, err := store.OpenQueue(cfg.QueueDBPath, cfg.UploadAttemptCap)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	nonces, err := store.OpenNonceStore(cfg.NonceDBPath)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("open nonce store: %w", err)
	}

	baseline, captured, err := drift.LoadOrCapture(ctx, cfg.BaselinePath, runner)
	if err != nil {
		queue.Close()
		nonces.Close()
		return nil, fmt.Errorf("load baseline: %w", err)
	}
	if captured {
		log.Printf("[agent] Captured initial baseline at %s", cfg.BaselinePath)
	}
	// The operator knob overrides the baseline's skew limit.
	if cfg.MaxClockSkewMS > 0 {
		baseline.MaxClockSkewMS = cfg.MaxClockSkewMS
	}

	library, err := runbook.LoadDir(cfg.RunbooksDir)
	if err != nil {
		queue.Close()
		nonces.Close()
		return nil, fmt.Errorf("load runbooks: %w", err)
	}

	client, err := coordinator.New(coordinator.Options{
		BaseURL:        cfg.CoordinatorURL,
		AllowedHosts:   cfg.CoordinatorAllowedHosts,
		BearerToken:    cfg.BearerToken,
		CertPath:       cfg.ClientCertPath,
		KeyPath:        cfg.ClientKeyPath,
		TrustedCAPath:  cfg.TrustedCAPath,
		SiteID:         cfg.SiteID,
		HostID:         cfg.HostID,
		DeploymentMode: cfg.DeploymentMode,
		ResellerID:     cfg.ResellerID,
	})
	if err != nil {
		queue.Close()
		nonces.Close()
		return nil, fmt.Errorf("coordinator client: %w", err)
	}

	builder, err := evidence.NewBuilder(cfg.EvidenceRoot, signer, queue, evidence.Identity{
		SiteID:         cfg.SiteID,
		HostID:         cfg.HostID,
		DeploymentMode: cfg.DeploymentMode,
		ResellerID:     cfg.ResellerID,
	}, cfg.PolicyVersion)
	if err != nil {
		queue.Close()
		nonces.Close()
		return nil, fmt.Errorf("evidence builder: %w", err)
	}

	h := healer.New(healer.Config{
		Runner:               stepRunner,
		CriticalServices:     baseline.CriticalServices,
		BackupStatusPath:     cfg.BackupStatusPath,
		ExpectedManifestHash: baseline.ConfigManifestHash,
		InWindow:             cfg.InWindow,
		DryRun:               cfg.DryRunMode,
	})

	detector := drift.NewDetector(baseline, runner, drift.Options{
		PatchStatusPath:  cfg.PatchStatusPath,
		BackupStatusPath: cfg.BackupStatusPath,
	})

	if cfg.DryRunMode {
		log.Printf("[agent] DRY-RUN mode: healing steps will not execute")
	}

	return &Agent{
		cfg:       cfg,
		statePath: filepath.Join(filepath.Dir(cfg.QueueDBPath), "agent-state.json"),
		client:    client,
		verifier:  sign.NewVerifier(trusted, nonces),
		queue:     queue,
		nonces:    nonces,
		baseline:  baseline,
		detector:  detector,
		healer:    h,
		builder:   builder,
		pruner:    evidence.NewPruner(queue, cfg.EvidenceRetentionDays, cfg.EvidenceKeepLastN),
		library:   library,
		now:       time.Now,
	}, nil
}

// agentState is the small bookkeeping record written after every
// cycle. Diagnostic only; losing it loses nothing the queue and the
// evidence chain head do not already hold.
type agentState struct {
	LastCycle   time.Time `json:"last_cycle"`
	ChainHead   string    `json:"chain_head"`
	CyclesTotal uint64    `json:"cycles_total"`
	Version     string    `json:"version"`
}

// writeState persists the bookkeeping record via temp file + rename.
func (a *Agent) writeState() {
	data, err := json.MarshalIndent(agentState{
		LastCycle:   a.now().UTC(),
		ChainHead:   a.builder.ChainHead(),
		CyclesTotal: a.cycles,
		Version:     Version,
	}, "", "  ")
	if err != nil {
		return
	}
	tmp := a.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Printf("[agent] State write failed: %v", err)
		return
	}
	if err := os.Rename(tmp, a.statePath); err != nil {
		os.Remove(tmp)
		log.Printf("[agent] State write failed: %v", err)
	}
}

// Run executes cycles until ctx is cancelled, then drains gracefully.
func (a *Agent) Run(ctx context.Context) error {
	sdnotify.Ready()
	log.Printf("[agent] Started: site=%s host=%s mode=%s poll=%ds",
		a.cfg.SiteID, a.cfg.HostID, a.cfg.DeploymentMode, a.cfg.PollIntervalSeconds)

	for {
		a.runCycle(ctx)
		sdnotify.Watchdog()

		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-time.After(a.jitteredInterval()):
		}
	}
}

// jitteredInterval spreads polls by ±10% so a fleet does not thunder
// at the coordinator in lockstep.
func (a *Agent) jitteredInterval() time.Duration {
	base := a.cfg.PollInterval()
	jitter := time.Duration(rand.Int63n(int64(base)/5+1)) - base/10
	return base + jitter
}

// shutdown flushes the queue best-effort under a short deadline and
// closes the stores.
func (a *Agent) shutdown() error {
	sdnotify.Stopping()
	log.Printf("[agent] Shutting down")

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.flushQueue(flushCtx)

	a.nonces.Close()
	if err := a.queue.Close(); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}
	return nil
}

// Close releases the stores without running a cycle. Used on startup
// failure paths after New succeeded.
func (a *Agent) Close() {
	a.nonces.Close()
	a.queue.Close()
}
