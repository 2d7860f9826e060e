package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
)

// EnqueueCachePush schedules an upload of a built store path. One row per
// output path (spec.md Open Question 2: multi-output derivations get one
// job per output, not one job per derivation).
func (s *Store) EnqueueCachePush(ctx context.Context, job forgemodel.CachePushJob) (forgemodel.CachePushJob, error) {
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = forgemodel.PushPending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cache_push_jobs (derivation_id, store_path, destination_tag, status, scheduled_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (derivation_id, store_path) DO UPDATE SET destination_tag = EXCLUDED.destination_tag
		RETURNING id
	`, job.DerivationID, job.StorePath, job.DestinationTag, job.Status, job.ScheduledAt).Scan(&job.ID)
	if err != nil {
		return forgemodel.CachePushJob{}, err
	}
	return job, nil
}

func scanCachePushJob(row interface{ Scan(...any) error }) (forgemodel.CachePushJob, error) {
	var j forgemodel.CachePushJob
	var started, completed, retryNotBefore sql.NullTime
	var durationMS int64
	err := row.Scan(&j.ID, &j.DerivationID, &j.StorePath, &j.DestinationTag, &j.Status, &j.ScheduledAt,
		&started, &completed, &j.Attempts, &retryNotBefore, &j.LastError, &j.PushedSizeBytes, &durationMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.CachePushJob{}, storage.ErrNotFound
		}
		return forgemodel.CachePushJob{}, err
	}
	j.StartedAt = fromNullTime(started)
	j.CompletedAt = fromNullTime(completed)
	j.RetryNotBefore = fromNullTime(retryNotBefore)
	j.PushDuration = time.Duration(durationMS) * time.Millisecond
	return j, nil
}

const cachePushColumns = `
	id, derivation_id, store_path, destination_tag, status, scheduled_at,
	started_at, completed_at, attempts, retry_not_before, last_error,
	pushed_size_bytes, push_duration_ms`

// ClaimNextCachePush reserves the oldest eligible push job whose retry
// backoff has elapsed (or has none), using the same SKIP LOCKED claim
// pattern as derivation builds.
func (s *Store) ClaimNextCachePush(ctx context.Context) (forgemodel.CachePushJob, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return forgemodel.CachePushJob{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+cachePushColumns+`
		FROM cache_push_jobs
		WHERE status IN ($1, $2)
		  AND (retry_not_before IS NULL OR retry_not_before <= now())
		ORDER BY scheduled_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, forgemodel.PushPending, forgemodel.PushFailed)
	job, err := scanCachePushJob(row)
	if errors.Is(err, storage.ErrNotFound) {
		return forgemodel.CachePushJob{}, false, tx.Commit()
	}
	if err != nil {
		return forgemodel.CachePushJob{}, false, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cache_push_jobs SET status = $1, started_at = $2, attempts = attempts + 1
		WHERE id = $3
	`, forgemodel.PushInProgress, now, job.ID); err != nil {
		return forgemodel.CachePushJob{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return forgemodel.CachePushJob{}, false, err
	}
	job.Status = forgemodel.PushInProgress
	job.StartedAt = &now
	job.Attempts++
	return job, true, nil
}

// MarkCachePushSucceeded records a completed upload.
func (s *Store) MarkCachePushSucceeded(ctx context.Context, id int64, sizeBytes int64, durationMS int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_push_jobs
		SET status = $1, completed_at = now(), pushed_size_bytes = $2, push_duration_ms = $3
		WHERE id = $4
	`, forgemodel.PushCompleted, sizeBytes, durationMS, id)
	return err
}

// MarkCachePushFailed records a failed attempt. When permanent is true
// (terminal error, or attempts exhausted) the job is marked
// permanently-failed and never retried again.
func (s *Store) MarkCachePushFailed(ctx context.Context, id int64, lastError string, retryNotBeforeUnixSec *int64, permanent bool) error {
	status := forgemodel.PushFailed
	if permanent {
		status = forgemodel.PushPermanentlyFailed
	}
	var retryNotBefore sql.NullTime
	if retryNotBeforeUnixSec != nil {
		t := time.Unix(*retryNotBeforeUnixSec, 0).UTC()
		retryNotBefore = sql.NullTime{Time: t, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE cache_push_jobs SET status = $1, last_error = $2, retry_not_before = $3
		WHERE id = $4
	`, status, lastError, retryNotBefore, id)
	return err
}

// ResetStaleCachePushJobs moves jobs stuck in-progress (after a crash)
// back to pending. Run once at startup.
func (s *Store) ResetStaleCachePushJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cache_push_jobs SET status = $1, started_at = NULL
		WHERE status = $2
	`, forgemodel.PushPending, forgemodel.PushInProgress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
