// Package audit records privileged mutations (key issuance and revocation,
// stock and credit adjustments) to the shared record store. Writes are
// fire-and-forget: the trail is an operator aid, and a store hiccup must
// never fail the request that triggered the entry.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/license-registry/license-registry/internal/safego"
	"github.com/license-registry/license-registry/internal/store"
)

// Actions recorded in the trail.
const (
	ActionIssueKey      = "issue_key"
	ActionRevokeKey     = "revoke_key"
	ActionGrantStock    = "grant_stock"
	ActionAllocate      = "allocate_credits"
	ActionAddCredits    = "add_credits"
	ActionRevokeCredits = "revoke_credits"
	ActionConsumeCredit = "consume_credit"
)

// Recorder writes audit entries. A nil Recorder is valid and records nothing,
// so callers never need to branch on whether auditing is enabled.
type Recorder struct {
	store    store.AuditStore
	shippers []Shipper
}

// NewRecorder creates a Recorder over the given store, optionally fanning
// each entry out to external shippers. Returns nil when enabled is false.
func NewRecorder(s store.AuditStore, enabled bool, shippers ...Shipper) *Recorder {
	if !enabled {
		return nil
	}
	return &Recorder{store: s, shippers: shippers}
}

// Record persists an entry asynchronously. The write happens on a background
// goroutine with its own timeout so request latency is unaffected and a
// wedged store cannot leak goroutines indefinitely.
func (r *Recorder) Record(action, actor, subject, detail string) {
	if r == nil {
		return
	}
	entry := &store.AuditEntry{
		ID:        uuid.New().String(),
		Action:    action,
		Actor:     actor,
		Subject:   subject,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	safego.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.InsertAudit(ctx, entry); err != nil {
			slog.Warn("failed to write audit entry",
				"action", action, "subject", subject, "error", err)
		}
		for _, shipper := range r.shippers {
			if err := shipper.Ship(ctx, entry); err != nil {
				slog.Warn("failed to ship audit entry",
					"action", action, "subject", subject, "error", err)
			}
		}
	})
}

// Close releases shipper resources. Safe on a nil Recorder.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	for _, shipper := range r.shippers {
		if err := shipper.Close(); err != nil {
			slog.Warn("closing audit shipper", "error", err)
		}
	}
}
