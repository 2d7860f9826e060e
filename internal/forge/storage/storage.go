// Package storage declares the persistence contracts every Crystal Forge
// component depends on. internal/forge/storage/postgres implements these
// against PostgreSQL; internal/forge/storage/memory implements them with
// mutex-guarded maps for tests.
package storage

import (
	"context"
	"errors"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
)

// ErrNotFound is returned when a lookup by id or key finds nothing.
var ErrNotFound = errors.New("forge: not found")

// FlakeStore persists watched source repositories.
type FlakeStore interface {
	// CreateFlake inserts a flake, or returns the existing row unchanged if
	// one with the same name already exists (spec.md §4.1's "insert-if-
	// absent"; flakes are seeded from configuration at every startup).
	CreateFlake(ctx context.Context, f forgemodel.Flake) (forgemodel.Flake, error)
	GetFlake(ctx context.Context, id int64) (forgemodel.Flake, error)
	GetFlakeByName(ctx context.Context, name string) (forgemodel.Flake, error)
	ListFlakes(ctx context.Context) ([]forgemodel.Flake, error)
	ListAutoPollFlakes(ctx context.Context) ([]forgemodel.Flake, error)
}

// CommitStore tracks per-commit evaluation status.
type CommitStore interface {
	InsertCommit(ctx context.Context, c forgemodel.Commit) (forgemodel.Commit, error)
	GetCommitByHash(ctx context.Context, flakeID int64, hash string) (forgemodel.Commit, error)
	ClaimNextPendingCommit(ctx context.Context) (forgemodel.Commit, bool, error)
	UpdateCommitStatus(ctx context.Context, id int64, status forgemodel.CommitStatus, lastError string) error
	ResetStaleCommits(ctx context.Context) (int64, error)
	// CountCommitsForFlake tells the poller whether a flake has been seen
	// before, so it knows whether to backfill up to K recent commits
	// (spec.md §4.3 step 1) instead of tracking HEAD alone.
	CountCommitsForFlake(ctx context.Context, flakeID int64) (int, error)
}

// DerivationStore tracks the build state machine for system and package
// derivations.
type DerivationStore interface {
	InsertDerivation(ctx context.Context, d forgemodel.Derivation) (forgemodel.Derivation, error)
	GetDerivation(ctx context.Context, id int64) (forgemodel.Derivation, error)
	GetDerivationByDrvPath(ctx context.Context, drvPath string) (forgemodel.Derivation, bool, error)
	UpdateDerivationStatus(ctx context.Context, id int64, status forgemodel.DerivationStatus, lastError string) error
	SetDerivationStorePath(ctx context.Context, id int64, storePath string) error
	RecordHeartbeat(ctx context.Context, id int64, subTarget string) error
	// SetDeploymentPolicySatisfied records whether a system derivation's
	// configured deployment policy checks passed (spec.md §4.9). Call with
	// satisfied=nil to mark the flag unknown (no policy configured).
	SetDeploymentPolicySatisfied(ctx context.Context, id int64, satisfied *bool) error
	AddDependency(ctx context.Context, parentID, childID int64) error
	ListDependencies(ctx context.Context, parentID int64) ([]forgemodel.Derivation, error)
	ListByCommit(ctx context.Context, commitID int64) ([]forgemodel.Derivation, error)

	// ListEligibleSystemDerivationsForFlake returns system derivations for
	// flakeID that reached build-complete or a later terminal state,
	// newest commit first, for the deployment evaluator (C9) to pick the
	// newest one whose deployment policy is satisfied.
	ListEligibleSystemDerivationsForFlake(ctx context.Context, flakeID int64) ([]forgemodel.Derivation, error)

	// ClaimNextBuildable atomically selects and reserves one ready
	// derivation (SELECT ... FOR UPDATE SKIP LOCKED), inserting a
	// build_reservations row under the same transaction. ok is false when
	// nothing is currently buildable.
	ClaimNextBuildable(ctx context.Context, workerID string) (forgemodel.Derivation, forgemodel.Reservation, bool, error)
	Heartbeat(ctx context.Context, reservationID int64) error
	ReleaseReservation(ctx context.Context, reservationID int64) error
	ListStaleReservations(ctx context.Context) ([]forgemodel.Reservation, error)
	ResetInFlightDerivations(ctx context.Context) (int64, error)
	DeleteAllReservations(ctx context.Context) (int64, error)
}

// CachePushStore tracks uploads of built store paths to the binary cache.
type CachePushStore interface {
	EnqueueCachePush(ctx context.Context, job forgemodel.CachePushJob) (forgemodel.CachePushJob, error)
	ClaimNextCachePush(ctx context.Context) (forgemodel.CachePushJob, bool, error)
	MarkCachePushSucceeded(ctx context.Context, id int64, sizeBytes int64, durationMS int64) error
	MarkCachePushFailed(ctx context.Context, id int64, lastError string, retryNotBefore *int64, permanent bool) error
	ResetStaleCachePushJobs(ctx context.Context) (int64, error)
}

// ScanStore tracks vulnerability scan runs and their findings.
type ScanStore interface {
	EnqueueScan(ctx context.Context, scan forgemodel.CVEScan) (forgemodel.CVEScan, error)
	ClaimNextScan(ctx context.Context) (forgemodel.CVEScan, bool, error)
	RecordScanResult(ctx context.Context, scan forgemodel.CVEScan, memberships []forgemodel.ScanPackageMembership, vulns []forgemodel.Vulnerability) error
	MarkScanFailed(ctx context.Context, id int64, lastError string) error
	FailStaleScans(ctx context.Context) (int64, error)
	GetLatestScan(ctx context.Context, derivationID int64) (forgemodel.CVEScan, bool, error)

	// ListScanCandidates returns derivations at build-complete or a later
	// status that have no completed scan and fewer than
	// forgemodel.MaxScanAttempts failed scans (spec.md §4.8 selection rule).
	ListScanCandidates(ctx context.Context) ([]forgemodel.Derivation, error)
}

// SystemStore tracks registered hosts, their desired deployment target,
// and their reported state history.
type SystemStore interface {
	// UpsertSystem inserts a registered host or updates its mutable
	// registration fields (environment, public key, flake, policy) if a
	// row with the same hostname already exists. Desired-target and active
	// state are left untouched on update so this can be called safely from
	// config-driven seeding on every startup.
	UpsertSystem(ctx context.Context, sys forgemodel.System) (forgemodel.System, error)
	GetSystemByHostname(ctx context.Context, hostname string) (forgemodel.System, bool, error)
	ListActiveSystems(ctx context.Context) ([]forgemodel.System, error)
	// ListAutoLatestSystems returns active systems whose deployment policy
	// is "auto-latest", the set the deployment evaluator (C9) recomputes
	// every tick.
	ListAutoLatestSystems(ctx context.Context) ([]forgemodel.System, error)
	SetDesiredTarget(ctx context.Context, systemID int64, target string) error
	RecordSystemState(ctx context.Context, state forgemodel.SystemState) (forgemodel.SystemState, error)
	RecordHeartbeat(ctx context.Context, hb forgemodel.AgentHeartbeat) (forgemodel.AgentHeartbeat, error)
	LatestState(ctx context.Context, systemID int64) (forgemodel.SystemState, bool, error)
}

// Stores aggregates every store interface so components depend on one
// small set of fields instead of threading ten constructor arguments.
type Stores struct {
	Flakes      FlakeStore
	Commits     CommitStore
	Derivations DerivationStore
	CachePush   CachePushStore
	Scans       ScanStore
	Systems     SystemStore
}
