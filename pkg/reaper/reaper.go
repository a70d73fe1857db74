// Package reaper implements the background sweep that reclaims tasks
// whose lease expired without a heartbeat, escalating ownership back to
// the task's retry principal. The loop shape mirrors the idempotency
// store's ticker-driven cleanup goroutine; unlike that cleanup, sweep
// failures back off exponentially instead of silently retrying on the
// next fixed tick.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/pstryder/ledger/pkg/kernel/retry"
	"github.com/pstryder/ledger/pkg/lease"
)

const defaultInterval = 10 * time.Second

// Reaper periodically sweeps every tenant with outstanding leases and
// expires the ones past their deadline.
type Reaper struct {
	expirer  lease.Expirer
	interval time.Duration

	stop chan struct{}
	done chan struct{}
}

// New constructs a Reaper. interval <= 0 falls back to defaultInterval.
func New(expirer lease.Expirer, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reaper{
		expirer:  expirer,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run blocks, sweeping on every tick until ctx is canceled or Stop is
// called. Intended to be launched in its own goroutine by the caller.
func (r *Reaper) Run(ctx context.Context) {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				consecutiveErrors++
				maxMs := int64(r.interval / time.Millisecond)
				maxJitterMs := int64(250)
				if maxJitterMs > maxMs {
					maxJitterMs = maxMs
				}
				backoff := retry.ComputeBackoff(
					retry.BackoffParams{
						PolicyID:     "reaper-sweep",
						AdapterID:    "lease-manager",
						EffectID:     "expire-stale-leases",
						AttemptIndex: consecutiveErrors,
					},
					retry.BackoffPolicy{
						PolicyID:    "reaper-sweep",
						BaseMs:      500,
						MaxMs:       maxMs,
						MaxJitterMs: maxJitterMs,
					},
				)
				slog.Error("reaper sweep failed", "error", err, "backoff", backoff, "consecutive_errors", consecutiveErrors)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				continue
			}
			consecutiveErrors = 0
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}

func (r *Reaper) sweep(ctx context.Context) error {
	tenants, err := r.expirer.ListActiveTenants(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, tenantID := range tenants {
		emitted, err := r.expirer.ExpireStaleLeases(ctx, tenantID, now)
		if err != nil {
			return err
		}
		if len(emitted) > 0 {
			slog.Info("reaper reclaimed expired leases", "tenant_id", tenantID, "count", len(emitted))
		}
	}
	return nil
}
