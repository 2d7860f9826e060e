// Package evaluator implements the Evaluator (C4): for each pending
// commit it enumerates the flake's top-level configurations, inserts one
// "system" derivation per configuration, computes the transitive
// dependency closure of each configuration, and inserts the closure
// members as "package" derivations linked by dependency edges.
// Structured as a system.Service ticker loop the same shape as the
// commit poller, grounded on the teacher's automation.Scheduler tick
// pattern and on original_source's flake/eval.rs + models/derivations/eval.rs.
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// ConfigRecord is one entry the external configuration enumerator emits
// for a single top-level configuration (spec.md §6's "configuration
// enumerator" process contract).
type ConfigRecord struct {
	AttrPath     string
	DrvPath      string
	CacheStatus  string // "cached" | "notBuilt" | ...
	PolicyChecks map[string]bool
}

// Cached reports whether the enumerator says this configuration's
// derivation is already present in the store.
func (c ConfigRecord) Cached() bool { return strings.EqualFold(c.CacheStatus, "cached") }

// ConfigEnumerator yields configuration records for a pinned flake
// reference, invoking onRecord once per record in the order the tool
// emitted them.
type ConfigEnumerator interface {
	Enumerate(ctx context.Context, flakeRef string, onRecord func(ConfigRecord) error) error
}

// ClosureMember is one transitive dependency of a derivation, tagged with
// whether the store-query tool reports it as already built.
type ClosureMember struct {
	DrvPath     string
	CacheStatus string
}

// Cached reports whether this closure member is already present in the store.
func (m ClosureMember) Cached() bool { return strings.EqualFold(m.CacheStatus, "cached") }

// ClosureEnumerator lists the transitive .drv closure of a derivation via
// the external store-query tool (spec.md §6's "closure enumerator").
type ClosureEnumerator interface {
	Closure(ctx context.Context, drvPath string) ([]ClosureMember, error)
}

// Evaluator is the C4 lifecycle service.
type Evaluator struct {
	flakes   storage.FlakeStore
	commits  storage.CommitStore
	derivs   storage.DerivationStore
	configs  ConfigEnumerator
	closures ClosureEnumerator
	interval time.Duration
	log      *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	wake    chan struct{}
}

// New constructs an evaluator polling for pending commits at interval.
func New(flakes storage.FlakeStore, commits storage.CommitStore, derivs storage.DerivationStore,
	configs ConfigEnumerator, closures ClosureEnumerator, interval time.Duration, log *forgelog.Logger) *Evaluator {
	if log == nil {
		log = forgelog.NewDefault("evaluator")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Evaluator{
		flakes: flakes, commits: commits, derivs: derivs,
		configs: configs, closures: closures, interval: interval, log: log,
		wake: make(chan struct{}, 1),
	}
}

// Name implements system.Service.
func (e *Evaluator) Name() string { return "evaluator" }

// Descriptor implements system.DescriptorProvider.
func (e *Evaluator) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "evaluator", Domain: "derivations", Layer: system.LayerEngine, Capabilities: []string{"evaluate", "enumerate-configs", "compute-closure"}}
}

// EnqueueCommit implements poller.EvaluationEnqueuer: a freshly observed
// commit wakes the evaluator immediately instead of waiting for its next tick.
func (e *Evaluator) EnqueueCommit(_ context.Context, _ forgemodel.Commit) {
	select {
	case e.wake <- struct{}{}:
	default:
	}
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
			e.drain(runCtx)
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			case <-e.wake:
			}
		}
	}()

	e.log.Info("evaluator started")
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
	e.log.Info("evaluator stopped")
	return nil
}

// drain evaluates every currently-pending commit before yielding back to
// the tick/wake select, so a burst of new commits does not wait a full
// interval to be picked up one at a time.
func (e *Evaluator) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		commit, ok, err := e.commits.ClaimNextPendingCommit(ctx)
		if err != nil {
			e.log.WithError(err).Warn("claim next pending commit failed")
			return
		}
		if !ok {
			return
		}
		e.evaluateOne(ctx, commit)
	}
}

// evaluateOne implements spec.md §4.4 steps 2-6 for a single claimed commit.
func (e *Evaluator) evaluateOne(ctx context.Context, commit forgemodel.Commit) {
	log := e.log.WithField("commit", commit.CommitHash).WithField("commit_id", commit.ID)

	flake, err := e.flakes.GetFlake(ctx, commit.FlakeID)
	if err != nil {
		e.failOrRetry(ctx, commit, fmt.Sprintf("lookup flake: %v", err))
		return
	}

	flakeRef := PinnedFlakeRef(flake.RepoURL, commit.CommitHash)

	var lastErr error
	recordCount := 0
	err = e.configs.Enumerate(ctx, flakeRef, func(rec ConfigRecord) error {
		recordCount++
		if rec.DrvPath == "" {
			return fmt.Errorf("configuration %q: enumerator returned no .drv path", rec.AttrPath)
		}
		target := DeploymentTarget(flakeRef, rec.AttrPath)
		sys, err := e.derivs.InsertDerivation(ctx, forgemodel.Derivation{
			CommitID:         &commit.ID,
			Kind:             forgemodel.KindSystem,
			DisplayName:      rec.AttrPath,
			DrvPath:          rec.DrvPath,
			DeploymentTarget: target,
			Status:           forgemodel.StatusDryRunComplete,
		})
		if err != nil {
			return fmt.Errorf("insert system derivation %q: %w", rec.AttrPath, err)
		}

		satisfied := policySatisfied(rec.PolicyChecks)
		if err := e.derivs.SetDeploymentPolicySatisfied(ctx, sys.ID, &satisfied); err != nil {
			log.WithError(err).Warn("record policy-satisfied flag failed")
		}

		if err := e.expandClosure(ctx, sys, log); err != nil {
			return fmt.Errorf("closure for %q: %w", rec.AttrPath, err)
		}
		return nil
	})
	if err != nil {
		lastErr = err
	}

	if lastErr != nil {
		e.failOrRetry(ctx, commit, lastErr.Error())
		return
	}
	if err := e.commits.UpdateCommitStatus(ctx, commit.ID, forgemodel.CommitComplete, ""); err != nil {
		log.WithError(err).Warn("mark commit complete failed")
		return
	}
	log.WithField("configurations", recordCount).Info("evaluated commit")
}

// expandClosure computes and inserts the transitive dependency closure of
// a system derivation's .drv path (spec.md §4.4 step 4).
func (e *Evaluator) expandClosure(ctx context.Context, sys forgemodel.Derivation, log *logrus.Entry) error {
	members, err := e.closures.Closure(ctx, sys.DrvPath)
	if err != nil {
		return err
	}
	// "If closure computation succeeds but yields zero members (pure
	// top-level), the parent is still inserted" -- nothing further to do.
	for _, m := range members {
		status := forgemodel.StatusDryRunComplete
		if m.Cached() {
			status = forgemodel.StatusBuildComplete
		}
		existing, found, err := e.derivs.GetDerivationByDrvPath(ctx, m.DrvPath)
		var child forgemodel.Derivation
		if found {
			child = existing
		} else {
			child, err = e.derivs.InsertDerivation(ctx, forgemodel.Derivation{
				Kind:        forgemodel.KindPackage,
				DisplayName: m.DrvPath,
				DrvPath:     m.DrvPath,
				Status:      status,
			})
			if err != nil {
				return fmt.Errorf("insert package derivation %q: %w", m.DrvPath, err)
			}
		}
		if err := e.derivs.AddDependency(ctx, sys.ID, child.ID); err != nil {
			return fmt.Errorf("add dependency edge %d -> %d: %w", sys.ID, child.ID, err)
		}
	}
	return nil
}

// failOrRetry implements spec.md §4.4 step 6: on failure the commit goes
// back to pending for another attempt unless the attempt ceiling is
// reached, in which case it is marked failed.
func (e *Evaluator) failOrRetry(ctx context.Context, commit forgemodel.Commit, msg string) {
	status := forgemodel.CommitPending
	if commit.EvaluationAttempts >= forgemodel.MaxEvaluationAttempts {
		status = forgemodel.CommitFailed
	}
	if err := e.commits.UpdateCommitStatus(ctx, commit.ID, status, msg); err != nil {
		e.log.WithError(err).Warn("record evaluation failure failed")
	}
	e.log.WithField("commit", commit.CommitHash).WithField("status", status).Warn("evaluation failed: " + msg)
}

// policySatisfied folds a configuration's named policy-check booleans into
// a single pass/fail verdict: satisfied unless any check explicitly
// reports false (spec.md §4.9's "deployment-policy-satisfied" flag).
func policySatisfied(checks map[string]bool) bool {
	for _, ok := range checks {
		if !ok {
			return false
		}
	}
	return true
}

// PinnedFlakeRef builds the flake reference the external tools evaluate
// against: a bare path is used as-is (original_source/flake/eval.rs
// checks out the commit in place first); a remote URL is pinned with
// ?rev=<hash>.
func PinnedFlakeRef(repoURL, commitHash string) string {
	if strings.HasPrefix(repoURL, "/") || strings.HasPrefix(repoURL, "./") {
		return repoURL
	}
	if strings.HasPrefix(repoURL, "git+") {
		return fmt.Sprintf("%s?rev=%s", repoURL, commitHash)
	}
	return fmt.Sprintf("git+%s?rev=%s", repoURL, commitHash)
}

// DeploymentTarget builds the string the on-host agent understands as
// "flake URL + commit + #<name>" (spec.md §4.4 step 3).
func DeploymentTarget(pinnedFlakeRef, attrPath string) string {
	return fmt.Sprintf("%s#%s", pinnedFlakeRef, attrPath)
}
