// Package orders defines the signed order model for runbook orders
// pulled from the coordinator.
//
// Order flow:
//  1. Fetched from the coordinator by the cycle
//  2. Verified (signature, TTL, nonce); rejections still produce evidence
//  3. Accepted orders resolve runbook_id and execute through the healer
//  4. The resulting evidence bundle, carrying order_id, is the only
//     completion channel back to the coordinator
package orders

import (
	"fmt"
	"time"

	"github.com/osiriscare/compliance-agent/internal/canonical"
)

// MinTTLSeconds is the floor on order TTLs. Orders declaring less are
// rejected before signature-expiry evaluation.
const MinTTLSeconds = 60

// Order is a signed runbook instruction from the coordinator.
type Order struct {
	OrderID    string                 `json:"order_id"`
	RunbookID  string                 `json:"runbook_id"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Nonce      string                 `json:"nonce"`
	IssuedAt   time.Time              `json:"issued_at"`
	TTLSeconds int64                  `json:"ttl_seconds"`
	Signature  string                 `json:"signature"` // hex, detached
}

// ExpiresAt returns the moment the order stops being executable.
func (o *Order) ExpiresAt() time.Time {
	return o.IssuedAt.Add(time.Duration(o.TTLSeconds) * time.Second)
}

// SignedPayload reconstructs the canonical byte form the coordinator
// signed: every field except the signature itself, keys sorted,
// issued_at in RFC 3339 UTC.
func (o *Order) SignedPayload() ([]byte, error) {
	fields := map[string]interface{}{
		"order_id":    o.OrderID,
		"runbook_id":  o.RunbookID,
		"nonce":       o.Nonce,
		"issued_at":   o.IssuedAt.UTC().Format(time.RFC3339),
		"ttl_seconds": o.TTLSeconds,
	}
	if len(o.Params) > 0 {
		fields["params"] = o.Params
	}
	payload, err := canonical.MarshalMap(fields)
	if err != nil {
		return nil, fmt.Errorf("canonicalize order %s: %w", o.OrderID, err)
	}
	return payload, nil
}
