// Package scheduler implements the Reclaimer (C5): a ticker-driven
// system.Service that sweeps build_reservations for leases whose worker
// stopped heartbeating, deletes them, and resets the affected derivation
// back to its pending predecessor so another worker can claim it.
// Structured identically to the commit poller's lifecycle loop.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// Reclaimer is the C5 lifecycle service.
type Reclaimer struct {
	derivs   storage.DerivationStore
	interval time.Duration
	log      *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a reclaimer sweeping stale reservations at interval,
// defaulting to 60 seconds when interval is not positive. The staleness
// window itself is the stale_reservations view's fixed 10 minutes.
func New(derivs storage.DerivationStore, interval time.Duration, log *forgelog.Logger) *Reclaimer {
	if log == nil {
		log = forgelog.NewDefault("reclaimer")
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Reclaimer{derivs: derivs, interval: interval, log: log}
}

// Name implements system.Service.
func (r *Reclaimer) Name() string { return "reclaimer" }

// Descriptor implements system.DescriptorProvider.
func (r *Reclaimer) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "reclaimer", Domain: "derivations", Layer: system.LayerQueue, Capabilities: []string{"reclaim-stale-leases"}}
}

// Start begins the sweep loop.
func (r *Reclaimer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sweep(runCtx)
			}
		}
	}()

	r.log.Info("reclaimer started")
	return nil
}

// Stop halts the sweep loop.
func (r *Reclaimer) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); r.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	r.log.Info("reclaimer stopped")
	return nil
}

// sweep implements spec.md §4.5's abandoned-lease recovery: every
// reservation the stale_reservations view surfaces is deleted and its
// derivation reset to the pending status matching the in-progress status
// it was reserved under, so a future ClaimNextBuildable picks it up again.
func (r *Reclaimer) sweep(ctx context.Context) {
	stale, err := r.derivs.ListStaleReservations(ctx)
	if err != nil {
		r.log.WithError(err).Warn("list stale reservations failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	for _, res := range stale {
		log := r.log.WithField("derivation_id", res.DerivationID).WithField("worker_id", res.WorkerID)

		d, err := r.derivs.GetDerivation(ctx, res.DerivationID)
		if err != nil {
			log.WithError(err).Warn("lookup reserved derivation failed")
			continue
		}

		if err := r.derivs.ReleaseReservation(ctx, res.ID); err != nil {
			log.WithError(err).Warn("release stale reservation failed")
			continue
		}

		pending := pendingPredecessor(d)
		if pending == "" {
			log.WithField("status", d.Status).Warn("stale reservation on derivation not in an in-progress status")
			continue
		}
		if err := r.derivs.UpdateDerivationStatus(ctx, d.ID, pending, "reclaimed: worker heartbeat expired"); err != nil {
			log.WithError(err).Warn("reset reclaimed derivation failed")
			continue
		}
		log.WithField("reset_to", pending).Info("reclaimed abandoned lease")
	}
}

// pendingPredecessor maps an in-progress derivation back onto the pending
// status a worker claimed it from, the inverse of the claim transaction's
// nextInProgressStatus. build-in-progress is ambiguous by status alone --
// systems are claimed from dry-run-complete, packages from build-pending
// (spec.md §4.5 condition 1) -- so the derivation's kind disambiguates it.
func pendingPredecessor(d forgemodel.Derivation) forgemodel.DerivationStatus {
	switch d.Status {
	case forgemodel.StatusDryRunInProgress:
		return forgemodel.StatusDryRunPending
	case forgemodel.StatusBuildInProgress:
		if d.Kind == forgemodel.KindSystem {
			return forgemodel.StatusDryRunComplete
		}
		return forgemodel.StatusBuildPending
	default:
		return ""
	}
}
