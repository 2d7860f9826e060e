// Command forge runs every Crystal Forge background component (C3-C9)
// plus the agent-facing HTTP edge (C10) as lifecycle-managed services in
// one process, grounded on the teacher's cmd/appserver single-binary
// pattern: parse flags, load config, open storage, run startup recovery,
// wire services into one system.Manager, then block on a signal.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crystalforge/forge/internal/forge/agentedge"
	"github.com/crystalforge/forge/internal/forge/builder"
	"github.com/crystalforge/forge/internal/forge/cachepush"
	"github.com/crystalforge/forge/internal/forge/config"
	"github.com/crystalforge/forge/internal/forge/deployment"
	"github.com/crystalforge/forge/internal/forge/evaluator"
	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/migrations"
	"github.com/crystalforge/forge/internal/forge/poller"
	"github.com/crystalforge/forge/internal/forge/scanner"
	"github.com/crystalforge/forge/internal/forge/scheduler"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/storage/postgres"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

func main() {
	configPath := flag.String("config", "", "path to forge.toml (defaults to CRYSTAL_FORGE_CONFIG or /etc/crystal-forge/forge.toml)")
	skipMigrations := flag.Bool("no-migrate", false, "skip applying embedded database migrations on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := forgelog.New(cfg.Logging)

	rootCtx := context.Background()
	db, err := postgres.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()
	postgres.ConfigurePool(db, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)

	if !*skipMigrations {
		if err := migrations.Apply(rootCtx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}

	store := postgres.New(db)
	stores := storage.Stores{
		Flakes:      store,
		Commits:     store,
		Derivations: store,
		CachePush:   store,
		Scans:       store,
		Systems:     store,
	}

	if err := recoverStartupState(rootCtx, stores, logger); err != nil {
		log.Fatalf("startup recovery: %v", err)
	}

	if err := seedFromConfig(rootCtx, stores, cfg, logger); err != nil {
		log.Fatalf("seed from config: %v", err)
	}

	manager := system.NewManager()

	configEnum := evaluator.NewNixConfigEnumerator(nil, logger)
	closureEnum := evaluator.NewNixClosureEnumerator(nil, logger)
	eval := evaluator.New(stores.Flakes, stores.Commits, stores.Derivations, configEnum, closureEnum, cfg.Build.EvalTimeout, logger)
	commitPoller := poller.NewWithSchedule(stores.Flakes, stores.Commits, poller.GitCLIResolver{Timeout: cfg.Flakes.GitTimeout}, eval, cfg.Flakes.PollInterval, cfg.Flakes.PollSchedule, logger)

	reclaimer := scheduler.New(stores.Derivations, cfg.Build.ReservationStaleAfter, logger)

	buildPool := builder.New(stores.Derivations, stores.CachePush, builder.Options{
		WorkerCount:       cfg.Build.WorkerCount,
		UseSystemdScope:   cfg.Build.UseSystemdScope,
		BuildTimeout:      cfg.Build.BuildTimeout,
		HeartbeatInterval: cfg.Build.HeartbeatInterval,
		DestinationTag:    cfg.Cache.Backend,
	}, logger)

	cacheBackend := cachepush.NewBackend(cfg.Cache)
	pushQueue := cachepush.New(stores.CachePush, stores.Derivations, cacheBackend, cachepush.Options{
		PushTimeout:    cfg.Cache.PushTimeout,
		MaxRetries:     cfg.Cache.MaxRetries,
		RetryBaseDelay: cfg.Cache.RetryDelay,
	}, logger)

	scanSelector := scanner.NewSelector(stores.Derivations, stores.Scans, scanner.Options{SelectInterval: 30 * time.Second}, logger)
	scanPool := scanner.NewPool(stores.Derivations, stores.Scans, scanner.Options{
		WorkerCount: cfg.Vulnix.WorkerCount,
		ScanTimeout: cfg.Vulnix.ScanTimeout,
		BinaryPath:  cfg.Vulnix.BinaryPath,
	}, logger)

	deployEval := deployment.New(stores.Systems, stores.Derivations, cfg.Deployment.EvalInterval, logger)

	agentEdge := agentedge.NewService(stores.Systems, cfg.Server.Addr, agentedge.RateLimit{
		RPS:   cfg.Server.RateLimitRPS,
		Burst: cfg.Server.RateLimitBurst,
	}, logger)

	services := []system.Service{commitPoller, eval, reclaimer, buildPool, pushQueue, scanSelector, scanPool, deployEval, agentEdge}
	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			log.Fatalf("register %s: %v", svc.Name(), err)
		}
	}

	if err := manager.Start(rootCtx); err != nil {
		log.Fatalf("start services: %v", err)
	}
	logger.WithField("addr", cfg.Server.Addr).Info("crystal forge started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := manager.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

// recoverStartupState implements spec.md §5's startup recovery: reset
// in-flight derivations and their reservations, stale in-progress
// commits, stale in-progress cache-push jobs, and stale in-progress
// scans so a crashed prior run never leaves rows stuck mid-flight.
func recoverStartupState(ctx context.Context, stores storage.Stores, logger *forgelog.Logger) error {
	resetDerivs, err := stores.Derivations.ResetInFlightDerivations(ctx)
	if err != nil {
		return err
	}
	releasedReservations, err := stores.Derivations.DeleteAllReservations(ctx)
	if err != nil {
		return err
	}
	resetCommits, err := stores.Commits.ResetStaleCommits(ctx)
	if err != nil {
		return err
	}
	resetPushes, err := stores.CachePush.ResetStaleCachePushJobs(ctx)
	if err != nil {
		return err
	}
	failedScans, err := stores.Scans.FailStaleScans(ctx)
	if err != nil {
		return err
	}
	logger.WithField("derivations_reset", resetDerivs).
		WithField("reservations_released", releasedReservations).
		WithField("commits_reset", resetCommits).
		WithField("cache_push_jobs_reset", resetPushes).
		WithField("scans_failed", failedScans).
		Info("startup recovery complete")
	return nil
}

// seedFromConfig implements spec.md §9's "flakes created from
// configuration" and §3's declarative system registration: every
// `[[flakes.watch]]` entry is inserted if absent, and every
// `[[systems.register]]` entry is upserted by hostname, resolved against
// the just-seeded flakes by name.
func seedFromConfig(ctx context.Context, stores storage.Stores, cfg *config.Config, logger *forgelog.Logger) error {
	flakesByName := make(map[string]forgemodel.Flake, len(cfg.Flakes.Watch))
	for _, entry := range cfg.Flakes.Watch {
		interval := entry.PollInterval
		if interval <= 0 {
			interval = cfg.Flakes.PollInterval
		}
		flake, err := stores.Flakes.CreateFlake(ctx, forgemodel.Flake{
			Name:            entry.Name,
			RepoURL:         entry.RepoURL,
			AutoPollEnabled: entry.AutoPoll,
			PollInterval:    interval,
		})
		if err != nil {
			return fmt.Errorf("seed flake %q: %w", entry.Name, err)
		}
		flakesByName[flake.Name] = flake
		logger.WithField("flake", flake.Name).Info("seeded flake from config")
	}

	for _, entry := range cfg.Systems.Register {
		pubKey, err := base64.StdEncoding.DecodeString(entry.PublicKeyBase64)
		if err != nil || len(pubKey) != 32 {
			return fmt.Errorf("seed system %q: public key must be 32 bytes base64, got %d bytes", entry.Hostname, len(pubKey))
		}
		var key [32]byte
		copy(key[:], pubKey)

		sys := forgemodel.System{
			Hostname:    entry.Hostname,
			Environment: entry.Environment,
			PublicKey:   key,
			Policy:      forgemodel.DeploymentPolicy(entry.Policy),
		}
		if entry.Flake != "" {
			flake, ok := flakesByName[entry.Flake]
			if !ok {
				return fmt.Errorf("seed system %q: flake %q not declared under flakes.watch", entry.Hostname, entry.Flake)
			}
			sys.FlakeID = &flake.ID
		}
		if _, err := stores.Systems.UpsertSystem(ctx, sys); err != nil {
			return fmt.Errorf("seed system %q: %w", entry.Hostname, err)
		}
		logger.WithField("system", entry.Hostname).Info("seeded system from config")
	}
	return nil
}
