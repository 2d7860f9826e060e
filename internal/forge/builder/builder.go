// Package builder implements the Builder Pool (C6): a bounded pool of
// workers that repeatedly claim the next buildable derivation, realise
// its .drv under a pinned GC root via the Process Runner, and on success
// enqueue a cache-push job. Structured the way the teacher's worker pools
// loop -- N goroutines sharing one claim-next call -- and grounded on
// original_source's derivations/build.rs for the GC-root-then-realise
// sequencing.
package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/metrics"
	"github.com/crystalforge/forge/internal/forge/procrunner"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// Options configures the builder pool.
type Options struct {
	WorkerCount       int
	GCRootDir         string
	UseSystemdScope   bool
	BuildTimeout      time.Duration
	HeartbeatInterval time.Duration
	// DestinationTag is carried onto every cache-push job this pool enqueues.
	DestinationTag string
	// IdleSleep is how long an idle worker waits before polling claim-next again.
	IdleSleep time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 4
	}
	if o.GCRootDir == "" {
		o.GCRootDir = "/var/lib/crystal-forge/gcroots/builds"
	}
	if o.BuildTimeout <= 0 {
		o.BuildTimeout = 2 * time.Hour
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2 * time.Second
	}
	return o
}

// Pool is the C6 lifecycle service.
type Pool struct {
	derivs    storage.DerivationStore
	cachepush storage.CachePushStore
	opts      Options
	log       *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a builder pool.
func New(derivs storage.DerivationStore, cachepush storage.CachePushStore, opts Options, log *forgelog.Logger) *Pool {
	if log == nil {
		log = forgelog.NewDefault("builder")
	}
	return &Pool{derivs: derivs, cachepush: cachepush, opts: opts.withDefaults(), log: log}
}

// Name implements system.Service.
func (p *Pool) Name() string { return "builder" }

// Descriptor implements system.DescriptorProvider.
func (p *Pool) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "builder", Domain: "derivations", Layer: system.LayerEngine, Capabilities: []string{"realise", "pin-gcroot", "enqueue-cache-push"}}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.opts.WorkerCount; i++ {
		// Suffixed with a uuid, not just the slot index, so two pool
		// instances started against the same database never contend
		// over an identical worker_id in the reservations table.
		workerID := fmt.Sprintf("builder-%d-%s", i, uuid.NewString())
		p.wg.Add(1)
		go func(id string) {
			defer p.wg.Done()
			p.loop(runCtx, id)
		}(workerID)
	}

	p.log.WithField("workers", p.opts.WorkerCount).Info("builder pool started")
	return nil
}

// Stop halts every worker.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("builder pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}
		d, reservation, ok, err := p.derivs.ClaimNextBuildable(ctx, workerID)
		if err != nil {
			p.log.WithError(err).WithField("worker", workerID).Warn("claim next buildable failed")
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}
		p.build(ctx, workerID, d, reservation)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.IdleSleep):
	}
}

// build implements spec.md §4.6 steps 2-6 for one claimed derivation.
func (p *Pool) build(ctx context.Context, workerID string, d forgemodel.Derivation, reservation forgemodel.Reservation) {
	log := p.log.WithField("worker", workerID).WithField("derivation_id", d.ID).WithField("drv", d.DrvPath)
	start := time.Now()

	gcRoot := GCRootPath(p.opts.GCRootDir, d.ID)
	buildCtx, cancel := context.WithTimeout(ctx, p.opts.BuildTimeout)
	defer cancel()

	argv := RealiseCommand(d.DrvPath, gcRoot)
	res, err := procrunner.Run(buildCtx, argv, procrunner.Options{
		Name:              "build " + d.DisplayName,
		UseSystemdScope:   p.opts.UseSystemdScope,
		HeartbeatInterval: p.opts.HeartbeatInterval,
		Heartbeat: func(elapsed time.Duration, currentTarget string, sinceLastOutput time.Duration) {
			if err := p.derivs.RecordHeartbeat(ctx, d.ID, currentTarget); err != nil {
				log.WithError(err).Debug("record build heartbeat failed")
			}
			if err := p.derivs.Heartbeat(ctx, reservation.ID); err != nil {
				log.WithError(err).Debug("renew reservation lease failed")
			}
		},
		Log: p.log,
	})

	if err != nil && procrunner.IsIsolationError(err) && p.opts.UseSystemdScope {
		log.WithError(err).Warn("systemd isolation failed, retrying without it")
		res, err = procrunner.Run(buildCtx, argv, procrunner.Options{
			Name: "build " + d.DisplayName, Log: p.log,
		})
	}

	if err != nil {
		p.fail(ctx, d, reservation, err.Error(), time.Since(start))
		return
	}

	storePaths := ParseRealiseOutputs(res.Stdout)
	if len(storePaths) == 0 {
		p.fail(ctx, d, reservation, "realise succeeded but produced no store path", time.Since(start))
		return
	}

	if err := p.derivs.SetDerivationStorePath(ctx, d.ID, storePaths[0]); err != nil {
		log.WithError(err).Warn("record store path failed")
	}
	if err := p.derivs.UpdateDerivationStatus(ctx, d.ID, forgemodel.StatusBuildComplete, ""); err != nil {
		log.WithError(err).Warn("mark build-complete failed")
	}
	// One cache-push job per output path (SPEC_FULL.md §9 open-question
	// decision #2), not just the derivation's first output.
	for _, storePath := range storePaths {
		if _, err := p.cachepush.EnqueueCachePush(ctx, forgemodel.CachePushJob{
			DerivationID:   d.ID,
			StorePath:      storePath,
			DestinationTag: p.opts.DestinationTag,
			Status:         forgemodel.PushPending,
		}); err != nil {
			log.WithError(err).WithField("store_path", storePath).Warn("enqueue cache-push job failed")
		}
	}
	if err := p.derivs.ReleaseReservation(ctx, reservation.ID); err != nil {
		log.WithError(err).Warn("release reservation failed")
	}
	metrics.RecordBuild("success", time.Since(start))
	log.WithField("store_path", storePaths[0]).Info("build complete")
}

func (p *Pool) fail(ctx context.Context, d forgemodel.Derivation, reservation forgemodel.Reservation, msg string, elapsed time.Duration) {
	if err := p.derivs.UpdateDerivationStatus(ctx, d.ID, forgemodel.StatusBuildFailed, msg); err != nil {
		p.log.WithError(err).WithField("derivation_id", d.ID).Warn("mark build-failed failed")
	}
	if err := p.derivs.ReleaseReservation(ctx, reservation.ID); err != nil {
		p.log.WithError(err).WithField("derivation_id", d.ID).Warn("release reservation after failure failed")
	}
	metrics.RecordBuild("failed", elapsed)
	p.log.WithField("derivation_id", d.ID).Warn("build failed: " + msg)
}

// GCRootPath is the deterministic GC-root path for a derivation's build,
// preventing the output from being collected before cache-push completes.
func GCRootPath(dir string, derivationID int64) string {
	return filepath.Join(dir, fmt.Sprintf("derivation-%d", derivationID))
}

// RealiseCommand builds the nix-store invocation that both builds a
// derivation and pins its output behind an indirect GC root in one step.
func RealiseCommand(drvPath, gcRoot string) []string {
	return []string{"nix-store", "--realise", drvPath, "--add-root", gcRoot, "--indirect"}
}

// ParseRealiseOutputs extracts every output store path `nix-store
// --realise` printed to stdout, in order; `.drv` paths are skipped.
// Multi-output derivations print one line per output; the derivation row
// records the first as its canonical store path, but every output gets
// its own cache-push job.
func ParseRealiseOutputs(lines []string) []string {
	var paths []string
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "/nix/store/") && !strings.HasSuffix(trimmed, ".drv") {
			paths = append(paths, trimmed)
		}
	}
	return paths
}
