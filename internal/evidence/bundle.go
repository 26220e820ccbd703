// Package evidence assembles, signs, chains, and persists audit
// bundles. Once a bundle is serialized and signed it is immutable and
// referenced by content hash thereafter.
package evidence

import (
	"fmt"
	"time"

	"github.com/osiriscare/compliance-agent/internal/healer"
)

// Bundle outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeReverted = "reverted"
	OutcomeDeferred = "deferred"
	OutcomeAlert    = "alert"
	OutcomeRejected = "rejected"
	OutcomeExpired  = "expired"
)

// ChainZero is the previous-bundle hash of the first bundle in a
// site's chain.
const ChainZero = "0000000000000000000000000000000000000000000000000000000000000000"

// Bundle is the durable audit artifact.
type Bundle struct {
	BundleID           string                 `json:"bundle_id"`
	SiteID             string                 `json:"site_id"`
	HostID             string                 `json:"host_id"`
	DeploymentMode     string                 `json:"deployment_mode"`
	ResellerID         string                 `json:"reseller_id,omitempty"`
	TimestampStart     time.Time              `json:"timestamp_start"`
	TimestampEnd       time.Time              `json:"timestamp_end"`
	PolicyVersion      string                 `json:"policy_version"`
	Check              string                 `json:"check"`
	HIPAAControls      []string               `json:"hipaa_controls,omitempty"`
	Details            map[string]string      `json:"details,omitempty"`
	PreState           *healer.HealthSnapshot `json:"pre_state,omitempty"`
	PostState          *healer.HealthSnapshot `json:"post_state,omitempty"`
	ActionTaken        []healer.StepResult    `json:"action_taken"`
	RollbackAvailable  bool                   `json:"rollback_available"`
	Outcome            string                 `json:"outcome"`
	OrderID            string                 `json:"order_id,omitempty"`
	RunbookID          string                 `json:"runbook_id,omitempty"`
	Error              string                 `json:"error,omitempty"`
	PreviousBundleHash string                 `json:"previous_bundle_hash"`
	NTPOffsetMS        *int64                 `json:"ntp_offset_ms,omitempty"`
}

var validOutcomes = map[string]bool{
	OutcomeSuccess: true, OutcomeFailed: true, OutcomeReverted: true,
	OutcomeDeferred: true, OutcomeAlert: true, OutcomeRejected: true,
	OutcomeExpired: true,
}

// validate enforces the bundle invariants before signing.
func (b *Bundle) validate() error {
	if b.SiteID == "" {
		return fmt.Errorf("bundle missing site_id")
	}
	if b.Check == "" {
		return fmt.Errorf("bundle missing check")
	}
	if !validOutcomes[b.Outcome] {
		return fmt.Errorf("invalid outcome %q", b.Outcome)
	}
	if b.TimestampEnd.Before(b.TimestampStart) {
		return fmt.Errorf("timestamp_end before timestamp_start")
	}
	if (b.DeploymentMode == "reseller") != (b.ResellerID != "") {
		return fmt.Errorf("reseller_id populated iff deployment_mode=reseller")
	}
	return nil
}

// OutcomeFromHealing maps a healer terminal status to a bundle
// outcome. A partial heal (failure with no rollback path) is reported
// as failed.
func OutcomeFromHealing(status string) string {
	switch status {
	case healer.StatusSuccess:
		return OutcomeSuccess
	case healer.StatusRolledBack:
		return OutcomeReverted
	case healer.StatusDeferred:
		return OutcomeDeferred
	default:
		return OutcomeFailed
	}
}
