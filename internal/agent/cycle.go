package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/osiriscare/compliance-agent/internal/coordinator"
	"github.com/osiriscare/compliance-agent/internal/drift"
	"github.com/osiriscare/compliance-agent/internal/evidence"
	"github.com/osiriscare/compliance-agent/internal/healer"
	"github.com/osiriscare/compliance-agent/internal/orders"
	"github.com/osiriscare/compliance-agent/internal/sdnotify"
	"github.com/osiriscare/compliance-agent/internal/sign"
)

// cycleStats is the per-cycle counter set, logged at cycle end.
type cycleStats struct {
	ordersFetched  int
	ordersAccepted int
	ordersRejected int
	checksDrifted  int
	healsRun       int
	bundlesEmitted int
	uploaded       int
	uploadFailures int
	online         bool
}

// runCycle executes one full pass: fetch orders, verify, detect
// drift, heal drift, execute orders, flush the queue. A failure in
// any one stage never crashes the process; the next cycle still runs.
func (a *Agent) runCycle(ctx context.Context) {
	started := a.now()
	var stats cycleStats

	// Hard outer deadline so a wedged cycle always yields.
	deadline := 4 * a.cfg.PollInterval()
	if deadline < 5*time.Minute {
		deadline = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// 1. Fetch pending orders. Offline is not an error condition; the
	// cycle continues from local state and the queue.
	accepted := a.fetchAndVerifyOrders(ctx, &stats)

	// 2. Concurrent drift detection.
	results := a.detector.CheckAll(ctx)
	clock := results[drift.CheckClockSkew]
	clockSane := !clock.DriftDetected

	// 3. Heal drift, serially, in the stable check order.
	for _, name := range drift.CheckNames {
		res, ok := results[name]
		if !ok || !res.DriftDetected {
			continue
		}
		stats.checksDrifted++
		if err := a.handleDrift(ctx, res, clockSane, &stats); err != nil {
			log.Printf("[agent] Evidence persistence failed for %s, aborting cycle: %v", name, err)
			return
		}
	}

	// 4. Execute operator orders after autonomous healing, so drift
	// already remediated is reflected before the runbook runs.
	for i := range accepted {
		if err := a.executeOrder(ctx, &accepted[i], clockSane, &stats); err != nil {
			log.Printf("[agent] Evidence persistence failed for order %s, aborting cycle: %v",
				accepted[i].OrderID, err)
			return
		}
	}

	// 5. Flush the offline queue and prune expired evidence.
	a.flushQueueStats(ctx, &stats)
	if _, err := a.pruner.Prune(); err != nil {
		log.Printf("[agent] Prune failed: %v", err)
	}

	a.cycles++
	a.writeState()

	log.Printf("[agent] Cycle complete in %.1fs: orders=%d/%d drifted=%d heals=%d bundles=%d uploaded=%d failures=%d online=%t",
		a.now().Sub(started).Seconds(), stats.ordersAccepted, stats.ordersFetched,
		stats.checksDrifted, stats.healsRun, stats.bundlesEmitted,
		stats.uploaded, stats.uploadFailures, stats.online)
	sdnotify.Status(fmt.Sprintf("cycle %d: orders=%d/%d drifted=%d heals=%d uploaded=%d online=%t",
		a.cycles, stats.ordersAccepted, stats.ordersFetched,
		stats.checksDrifted, stats.healsRun, stats.uploaded, stats.online))
}

// fetchAndVerifyOrders pulls the pending batch and runs every order
// through the verification pipeline. Rejections produce evidence
// immediately; only verified orders are returned.
func (a *Agent) fetchAndVerifyOrders(ctx context.Context, stats *cycleStats) []orders.Order {
	fetched, err := a.client.FetchPendingOrders(ctx)
	switch {
	case err == nil:
		stats.online = true
	case errors.Is(err, coordinator.ErrUnauthorized):
		log.Printf("[agent] Coordinator rejected credentials, operator attention required")
		if emitErr := a.emit(&evidence.Bundle{
			Check:   "coordinator",
			Outcome: evidence.OutcomeAlert,
			Error:   "authentication rejected by coordinator",
		}, stats); emitErr != nil {
			log.Printf("[agent] Evidence persistence failed for coordinator alert: %v", emitErr)
		}
		return nil
	default:
		log.Printf("[agent] Coordinator offline, working from queue: %v", err)
		return nil
	}

	stats.ordersFetched = len(fetched)
	var accepted []orders.Order
	for i := range fetched {
		o := &fetched[i]
		if _, err := a.verifier.VerifyOrder(o); err != nil {
			stats.ordersRejected++
			outcome := evidence.OutcomeRejected
			if errors.Is(err, sign.ErrExpired) {
				outcome = evidence.OutcomeExpired
			}
			log.Printf("[agent] Order %s rejected: %v", o.OrderID, err)
			if emitErr := a.emit(&evidence.Bundle{
				Check:     "order:" + o.OrderID,
				Outcome:   outcome,
				OrderID:   o.OrderID,
				RunbookID: o.RunbookID,
				Error:     err.Error(),
			}, stats); emitErr != nil {
				log.Printf("[agent] Evidence persistence failed for rejected order %s: %v", o.OrderID, emitErr)
			}
			continue
		}
		stats.ordersAccepted++
		accepted = append(accepted, *o)
	}
	return accepted
}

// handleDrift turns one drifted check into a heal-plus-evidence or an
// alert bundle. Returns an error only on persistence failure.
func (a *Agent) handleDrift(ctx context.Context, res drift.Result, clockSane bool, stats *cycleStats) error {
	bundle := &evidence.Bundle{
		TimestampStart: res.Timestamp,
		Check:          res.CheckName,
		HIPAAControls:  res.HIPAAControls,
		Details:        res.Details,
	}
	if res.CheckName == drift.CheckClockSkew {
		offset := res.OffsetMS
		bundle.NTPOffsetMS = &offset
	}

	rb := a.library.Get(res.RemediationRunbookID)
	if res.RemediationRunbookID == "" || rb == nil {
		// No resolvable remediation: alert for human intervention.
		if res.RemediationRunbookID != "" {
			log.Printf("[agent] Drift %s references unloaded runbook %s, alerting instead",
				res.CheckName, res.RemediationRunbookID)
		}
		bundle.Outcome = evidence.OutcomeAlert
		return a.emit(bundle, stats)
	}

	stats.healsRun++
	heal := a.healer.Execute(ctx, rb, clockSane)
	fillFromHealing(bundle, heal, len(rb.Rollback) > 0)
	return a.emit(bundle, stats)
}

// executeOrder resolves and runs one verified order.
func (a *Agent) executeOrder(ctx context.Context, o *orders.Order, clockSane bool, stats *cycleStats) error {
	bundle := &evidence.Bundle{
		Check:     "order:" + o.OrderID,
		OrderID:   o.OrderID,
		RunbookID: o.RunbookID,
	}

	rb := a.library.Get(o.RunbookID)
	if rb == nil {
		log.Printf("[agent] Order %s names unknown runbook %s", o.OrderID, o.RunbookID)
		bundle.Outcome = evidence.OutcomeRejected
		bundle.Error = "unknown runbook " + o.RunbookID
		stats.ordersRejected++
		return a.emit(bundle, stats)
	}

	stats.healsRun++
	heal := a.healer.Execute(ctx, rb, clockSane)
	bundle.HIPAAControls = rb.HIPAAControls
	fillFromHealing(bundle, heal, len(rb.Rollback) > 0)
	return a.emit(bundle, stats)
}

// fillFromHealing folds a healing result into a bundle.
func fillFromHealing(b *evidence.Bundle, heal *healer.Result, rollbackAvailable bool) {
	b.Outcome = evidence.OutcomeFromHealing(heal.Status)
	b.RunbookID = heal.RunbookID
	b.PreState = heal.PreSnapshot
	b.PostState = heal.PostSnapshot
	b.ActionTaken = heal.Steps
	b.RollbackAvailable = rollbackAvailable
	if heal.ErrorMessage != "" {
		b.Error = heal.ErrorMessage
	} else if heal.DeferredReason != "" {
		b.Error = heal.DeferredReason
	}
	if b.TimestampStart.IsZero() {
		b.TimestampStart = heal.Timestamp
	}
}

// emit persists one bundle through the builder.
func (a *Agent) emit(b *evidence.Bundle, stats *cycleStats) error {
	if err := a.builder.Emit(b); err != nil {
		return err
	}
	stats.bundlesEmitted++
	return nil
}

// flushQueue uploads the oldest pending bundles. Shared by the cycle
// and the shutdown drain.
func (a *Agent) flushQueue(ctx context.Context) (uploaded, failed int) {
	rows, err := a.queue.NextPending(a.cfg.UploadBatchSize)
	if err != nil {
		log.Printf("[agent] Queue read failed: %v", err)
		return 0, 0
	}

	for _, rec := range rows {
		if ctx.Err() != nil {
			return uploaded, failed
		}
		err := a.client.UploadBundle(ctx, rec.BundlePath, rec.SignaturePath)
		if err == nil {
			if err := a.queue.MarkUploaded(rec.BundleID); err != nil {
				log.Printf("[agent] MarkUploaded %s: %v", rec.BundleID, err)
			}
			uploaded++
			continue
		}

		failed++
		if markErr := a.queue.MarkFailure(rec.BundleID, err.Error()); markErr != nil {
			log.Printf("[agent] MarkFailure %s: %v", rec.BundleID, markErr)
		}
		if errors.Is(err, coordinator.ErrUnauthorized) {
			// Credentials are bad for every row; stop the batch.
			return uploaded, failed
		}
	}
	return uploaded, failed
}

func (a *Agent) flushQueueStats(ctx context.Context, stats *cycleStats) {
	up, fail := a.flushQueue(ctx)
	stats.uploaded += up
	stats.uploadFailures += fail
}
