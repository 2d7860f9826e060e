package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
)

// InsertDerivation records a new build unit (system configuration or
// package dependency) in pending status.
func (s *Store) InsertDerivation(ctx context.Context, d forgemodel.Derivation) (forgemodel.Derivation, error) {
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = forgemodel.StatusPending
	}
	var commitID sql.NullInt64
	if d.CommitID != nil {
		commitID = sql.NullInt64{Int64: *d.CommitID, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO derivations
			(commit_id, kind, display_name, package_name, package_version, drv_path,
			 store_path, deployment_target, status, scheduled_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING id
	`, commitID, d.Kind, d.DisplayName, d.PackageName, d.PackageVersion, d.DrvPath,
		d.StorePath, d.DeploymentTarget, d.Status, d.ScheduledAt).Scan(&d.ID)
	if err != nil {
		return forgemodel.Derivation{}, err
	}
	return d, nil
}

const derivationColumns = `
	id, commit_id, kind, display_name, package_name, package_version, drv_path,
	store_path, deployment_target, status, attempts, scheduled_at, started_at,
	completed_at, last_error, progress_current_sub_target, progress_last_heartbeat,
	deployment_policy_satisfied`

func scanDerivation(row interface{ Scan(...any) error }) (forgemodel.Derivation, error) {
	var d forgemodel.Derivation
	var commitID sql.NullInt64
	var started, completed, lastHeartbeat sql.NullTime
	var subTarget sql.NullString
	var policySatisfied sql.NullBool
	err := row.Scan(&d.ID, &commitID, &d.Kind, &d.DisplayName, &d.PackageName, &d.PackageVersion, &d.DrvPath,
		&d.StorePath, &d.DeploymentTarget, &d.Status, &d.Attempts, &d.ScheduledAt, &started,
		&completed, &d.LastError, &subTarget, &lastHeartbeat, &policySatisfied)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.Derivation{}, storage.ErrNotFound
		}
		return forgemodel.Derivation{}, err
	}
	if commitID.Valid {
		d.CommitID = &commitID.Int64
	}
	d.StartedAt = fromNullTime(started)
	d.CompletedAt = fromNullTime(completed)
	d.ProgressLastHeartbeat = fromNullTime(lastHeartbeat)
	if subTarget.Valid {
		d.ProgressCurrentSubTarget = &subTarget.String
	}
	if policySatisfied.Valid {
		d.DeploymentPolicySatisfied = &policySatisfied.Bool
	}
	return d, nil
}

// GetDerivation fetches a derivation by id.
func (s *Store) GetDerivation(ctx context.Context, id int64) (forgemodel.Derivation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+derivationColumns+` FROM derivations WHERE id = $1`, id)
	return scanDerivation(row)
}

// GetDerivationByDrvPath looks up a derivation by its .drv path, used to
// deduplicate shared package dependencies discovered from multiple closures.
func (s *Store) GetDerivationByDrvPath(ctx context.Context, drvPath string) (forgemodel.Derivation, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+derivationColumns+` FROM derivations WHERE drv_path = $1 LIMIT 1`, drvPath)
	d, err := scanDerivation(row)
	if errors.Is(err, storage.ErrNotFound) {
		return forgemodel.Derivation{}, false, nil
	}
	if err != nil {
		return forgemodel.Derivation{}, false, err
	}
	return d, true, nil
}

// UpdateDerivationStatus transitions a derivation to a new status,
// stamping started_at/completed_at as the state machine requires.
func (s *Store) UpdateDerivationStatus(ctx context.Context, id int64, status forgemodel.DerivationStatus, lastError string) error {
	var setStarted, setCompleted string
	if status.IsInProgress() {
		setStarted = ", started_at = now()"
	}
	if status.IsTerminal() {
		setCompleted = ", completed_at = now()"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE derivations SET status = $1, last_error = $2`+setStarted+setCompleted+`
		WHERE id = $3
	`, status, lastError, id)
	return err
}

// SetDerivationStorePath records the Nix store path produced by a
// successful build.
func (s *Store) SetDerivationStorePath(ctx context.Context, id int64, storePath string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE derivations SET store_path = $1 WHERE id = $2`, storePath, id)
	return err
}

// RecordHeartbeat updates progress tracking fields while a build streams
// output; it does not change status.
func (s *Store) RecordHeartbeat(ctx context.Context, id int64, subTarget string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE derivations SET progress_current_sub_target = $1, progress_last_heartbeat = now()
		WHERE id = $2
	`, toNullString(subTarget), id)
	return err
}

// SetDeploymentPolicySatisfied records the evaluator's verdict on a system
// derivation's configured deployment policy checks.
func (s *Store) SetDeploymentPolicySatisfied(ctx context.Context, id int64, satisfied *bool) error {
	var val sql.NullBool
	if satisfied != nil {
		val = sql.NullBool{Bool: *satisfied, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE derivations SET deployment_policy_satisfied = $1 WHERE id = $2`, val, id)
	return err
}

// AddDependency records a directed parent -> child build dependency.
func (s *Store) AddDependency(ctx context.Context, parentID, childID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO derivation_dependencies (parent_id, child_id) VALUES ($1,$2)
		ON CONFLICT DO NOTHING
	`, parentID, childID)
	return err
}

// ListDependencies returns the direct children of a derivation.
func (s *Store) ListDependencies(ctx context.Context, parentID int64) ([]forgemodel.Derivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+derivationColumns+`
		FROM derivations d
		JOIN derivation_dependencies dep ON dep.child_id = d.id
		WHERE dep.parent_id = $1
	`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDerivationRows(rows)
}

// ListByCommit returns every derivation associated with a commit.
func (s *Store) ListByCommit(ctx context.Context, commitID int64) ([]forgemodel.Derivation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+derivationColumns+` FROM derivations WHERE commit_id = $1`, commitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDerivationRows(rows)
}

func scanDerivationRows(rows *sql.Rows) ([]forgemodel.Derivation, error) {
	var out []forgemodel.Derivation
	for rows.Next() {
		d, err := scanDerivation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListEligibleSystemDerivationsForFlake returns system derivations for
// flakeID that reached build-complete or later, newest commit first, so
// the deployment evaluator (C9) can pick the newest one whose deployment
// policy is satisfied.
func (s *Store) ListEligibleSystemDerivationsForFlake(ctx context.Context, flakeID int64) ([]forgemodel.Derivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+derivationColumns+`
		FROM derivations d
		JOIN commits c ON c.id = d.commit_id
		WHERE c.flake_id = $1
		  AND d.kind = $2
		  AND d.status IN ($3, $4, $5)
		ORDER BY c.commit_timestamp DESC
	`, flakeID, forgemodel.KindSystem, forgemodel.StatusBuildComplete, forgemodel.StatusCachePushed, forgemodel.StatusComplete)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDerivationRows(rows)
}

// ClaimNextBuildable selects the oldest ready derivation from
// buildable_derivations, locks it with FOR UPDATE SKIP LOCKED so
// concurrent workers never double-claim, transitions it to in-progress,
// and inserts its reservation row -- all inside one transaction. This is
// the core of the work-queue protocol (spec's claim-next contract),
// grounded directly on the teacher's jam package-store NextPending.
func (s *Store) ClaimNextBuildable(ctx context.Context, workerID string) (forgemodel.Derivation, forgemodel.Reservation, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+derivationColumns+`
		FROM buildable_derivations
		ORDER BY (kind = 'system'), scheduled_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`)
	d, err := scanDerivation(row)
	if errors.Is(err, storage.ErrNotFound) {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, tx.Commit()
	}
	if err != nil {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, err
	}

	nextStatus := nextInProgressStatus(d.Status)
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE derivations SET status = $1, attempts = attempts + 1, started_at = $2
		WHERE id = $3
	`, nextStatus, now, d.ID); err != nil {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, err
	}

	var r forgemodel.Reservation
	err = tx.QueryRowContext(ctx, `
		INSERT INTO build_reservations (worker_id, derivation_id, reserved_at, last_heartbeat_at)
		VALUES ($1,$2,$3,$3)
		RETURNING id, worker_id, derivation_id, reserved_at, last_heartbeat_at
	`, workerID, d.ID, now).Scan(&r.ID, &r.WorkerID, &r.DerivationID, &r.ReservedAt, &r.LastHeartbeatAt)
	if err != nil {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, err
	}
	d.Status = nextStatus
	d.Attempts++
	d.StartedAt = &now
	return d, r, true, nil
}

// nextInProgressStatus maps a pending status onto its matching
// in-progress status, per the build state machine (spec.md §4.5). A
// system claimed at dry-run-complete and a package claimed at
// build-pending both enter build-in-progress; pendingPredecessor
// (internal/forge/scheduler) uses the derivation's kind to tell them
// apart again on reclaim.
func nextInProgressStatus(s forgemodel.DerivationStatus) forgemodel.DerivationStatus {
	switch s {
	case forgemodel.StatusDryRunPending:
		return forgemodel.StatusDryRunInProgress
	case forgemodel.StatusDryRunComplete, forgemodel.StatusBuildPending, forgemodel.StatusPending:
		return forgemodel.StatusBuildInProgress
	default:
		return forgemodel.StatusBuildInProgress
	}
}

// Heartbeat renews a reservation's lease so the reclaimer does not treat
// it as abandoned.
func (s *Store) Heartbeat(ctx context.Context, reservationID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE build_reservations SET last_heartbeat_at = now() WHERE id = $1
	`, reservationID)
	return err
}

// ReleaseReservation removes a reservation once its derivation reaches a
// terminal status.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM build_reservations WHERE id = $1`, reservationID)
	return err
}

// ListStaleReservations surfaces reservations whose worker stopped
// heartbeating, for the reclaimer loop to requeue.
func (s *Store) ListStaleReservations(ctx context.Context) ([]forgemodel.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, worker_id, derivation_id, reserved_at, last_heartbeat_at FROM stale_reservations
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []forgemodel.Reservation
	for rows.Next() {
		var r forgemodel.Reservation
		if err := rows.Scan(&r.ID, &r.WorkerID, &r.DerivationID, &r.ReservedAt, &r.LastHeartbeatAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResetInFlightDerivations moves every in-progress derivation back to its
// pending predecessor. Run once at startup before any builder starts, so
// a crash mid-build doesn't strand derivations forever.
func (s *Store) ResetInFlightDerivations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE derivations SET status = CASE
			WHEN status = 'dry-run-in-progress' THEN 'dry-run-pending'
			WHEN status = 'build-in-progress' AND kind = 'system' THEN 'dry-run-complete'
			WHEN status = 'build-in-progress' THEN 'build-pending'
			ELSE status
		END
		WHERE status IN ('dry-run-in-progress', 'build-in-progress')
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAllReservations clears every reservation row. Run once at startup
// alongside ResetInFlightDerivations so stale leases from a previous
// process do not block re-claiming.
func (s *Store) DeleteAllReservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM build_reservations`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
