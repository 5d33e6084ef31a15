// Package jobs contains the registry's background loops.
//
// expiry_purge.go implements the ExpiryPurge job, which periodically deletes
// license records that are strictly past their expiry. The job is purely a
// housekeeping optimisation: every read path evaluates expiry itself, so an
// expired record that outlives a purge cycle is never observable to callers.
// It ships disabled and is safe to start regardless of configuration — a
// disabled job returns immediately.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/license-registry/license-registry/internal/store"
	"github.com/license-registry/license-registry/internal/telemetry"
)

// ExpiryPurge periodically removes expired license keys.
type ExpiryPurge struct {
	licenses store.LicenseStore
	enabled  bool
	interval time.Duration
	stopChan chan struct{}
}

// NewExpiryPurge creates the job. intervalMinutes defaults to 60 when
// non-positive.
func NewExpiryPurge(licenses store.LicenseStore, enabled bool, intervalMinutes int) *ExpiryPurge {
	if intervalMinutes <= 0 {
		intervalMinutes = 60
	}
	return &ExpiryPurge{
		licenses: licenses,
		enabled:  enabled,
		interval: time.Duration(intervalMinutes) * time.Minute,
		stopChan: make(chan struct{}),
	}
}

// Start begins the purge loop. It runs one pass immediately, then repeats on
// the configured interval until ctx is cancelled or Stop is called.
func (p *ExpiryPurge) Start(ctx context.Context) {
	if !p.enabled {
		slog.Info("expired-key purge: disabled (jobs.expiry_purge.enabled=false)")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("expired-key purge started", "interval", p.interval)

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.stopChan:
			slog.Info("expired-key purge stopped")
			return
		case <-ctx.Done():
			slog.Info("expired-key purge context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit.
func (p *ExpiryPurge) Stop() {
	close(p.stopChan)
}

func (p *ExpiryPurge) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	removed, err := p.licenses.DeleteExpiredLicenses(ctx, time.Now().UTC())
	if err != nil {
		slog.Warn("expired-key purge pass failed", "error", err)
		return
	}
	if removed > 0 {
		telemetry.KeysPurgedTotal.Add(float64(removed))
		slog.Info("purged expired license keys", "count", removed)
	}
}
