// Package reporter exposes how many mutations are still waiting to sync.
package reporter

import (
	"context"
	"errors"

	"offline-sync-engine/internal/telemetry"
)

// Counter is the part of the queue store the reporter reads.
type Counter interface {
	Count(ctx context.Context, tenantID string) (int, error)
}

// Reporter answers pending-count queries and mirrors them on the pending gauge.
type Reporter struct {
	store Counter
}

func New(st Counter) *Reporter {
	return &Reporter{store: st}
}

// GetPendingCount returns the tenant's pending plus failed items. Items in
// flight are excluded. Storage errors are returned unchanged.
func (r *Reporter) GetPendingCount(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, errors.New("reporter: tenant id is required")
	}
	n, err := r.store.Count(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	telemetry.PendingGauge.WithLabelValues(tenantID).Set(float64(n))
	return n, nil
}
