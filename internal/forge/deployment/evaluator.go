// Package deployment implements the Deployment Evaluator (C9): a
// ticker-driven system.Service that recomputes each auto-latest system's
// desired build from its flake's eligible parent derivations. Structured
// as a lifecycle loop identically to the commit poller and reclaimer.
package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// Evaluator is the C9 lifecycle service.
type Evaluator struct {
	systems  storage.SystemStore
	derivs   storage.DerivationStore
	interval time.Duration
	log      *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a deployment evaluator ticking at interval. The default
// interval is 15 seconds: desired-target changes should reach the agent
// edge quickly, but this is a cheap read-mostly loop.
func New(systems storage.SystemStore, derivs storage.DerivationStore, interval time.Duration, log *forgelog.Logger) *Evaluator {
	if log == nil {
		log = forgelog.NewDefault("deployment-evaluator")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Evaluator{systems: systems, derivs: derivs, interval: interval, log: log}
}

// Name implements system.Service.
func (e *Evaluator) Name() string { return "deployment-evaluator" }

// Descriptor implements system.DescriptorProvider.
func (e *Evaluator) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "deployment-evaluator", Domain: "systems", Layer: system.LayerEngine, Capabilities: []string{"auto-latest", "set-desired-target"}}
}

// Start begins the evaluation loop.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.tick(runCtx)
			}
		}
	}()

	e.log.Info("deployment evaluator started")
	return nil
}

// Stop halts the evaluation loop.
func (e *Evaluator) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); e.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.log.Info("deployment evaluator stopped")
	return nil
}

// tick implements spec.md §4.9: for every active auto-latest system, find
// its flake's newest eligible parent derivation and update its desired
// target if it changed.
func (e *Evaluator) tick(ctx context.Context) {
	systems, err := e.systems.ListAutoLatestSystems(ctx)
	if err != nil {
		e.log.WithError(err).Warn("list auto-latest systems failed")
		return
	}
	for _, sys := range systems {
		e.evaluateOne(ctx, sys)
	}
}

func (e *Evaluator) evaluateOne(ctx context.Context, sys forgemodel.System) {
	log := e.log.WithField("system", sys.Hostname)
	if sys.FlakeID == nil {
		return
	}

	candidates, err := e.derivs.ListEligibleSystemDerivationsForFlake(ctx, *sys.FlakeID)
	if err != nil {
		log.WithError(err).Warn("list eligible system derivations failed")
		return
	}

	target := PickDesiredTarget(candidates)
	if target == "" {
		return
	}
	if target == sys.DesiredTarget {
		return
	}

	if err := e.systems.SetDesiredTarget(ctx, sys.ID, target); err != nil {
		log.WithError(err).Warn("set desired target failed")
		return
	}
	log.WithField("previous", sys.DesiredTarget).WithField("desired", target).Info("desired target updated")
}

// PickDesiredTarget selects the newest candidate whose deployment policy
// check passed, per spec.md §4.9's safety rule: "a parent derivation is
// eligible for auto-latest only if its deployment-policy-satisfied flag
// is true (or the policy is non-strict)". Candidates are expected newest
// first, matching ListEligibleSystemDerivationsForFlake's contract.
func PickDesiredTarget(candidates []forgemodel.Derivation) string {
	for _, d := range candidates {
		if d.DeploymentPolicySatisfied == nil || *d.DeploymentPolicySatisfied {
			if d.DeploymentTarget != "" {
				return d.DeploymentTarget
			}
		}
	}
	return ""
}
