package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
)

// InsertCommit records a newly observed commit in pending status. Inserting
// a commit already known for this flake is a no-op that returns the
// existing row (ON CONFLICT DO NOTHING + re-select), so the poller can
// safely re-observe the same ref.
func (s *Store) InsertCommit(ctx context.Context, c forgemodel.Commit) (forgemodel.Commit, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.EvaluationStatus == "" {
		c.EvaluationStatus = forgemodel.CommitPending
	}

	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO commits (flake_id, commit_hash, commit_timestamp, evaluation_status, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (flake_id, commit_hash) DO NOTHING
		RETURNING id
	`, c.FlakeID, c.CommitHash, c.CommitTimestamp, c.EvaluationStatus, c.CreatedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.GetCommitByHash(ctx, c.FlakeID, c.CommitHash)
		}
		return forgemodel.Commit{}, err
	}
	c.ID = id
	return c, nil
}

// CountCommitsForFlake reports how many commits have been recorded for a
// flake, letting the poller detect a first-sight flake (spec.md §4.3 step 1).
func (s *Store) CountCommitsForFlake(ctx context.Context, flakeID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM commits WHERE flake_id = $1`, flakeID).Scan(&n)
	return n, err
}

// GetCommitByHash fetches a commit by its flake and hash.
func (s *Store) GetCommitByHash(ctx context.Context, flakeID int64, hash string) (forgemodel.Commit, error) {
	return s.scanCommit(s.db.QueryRowContext(ctx, `
		SELECT id, flake_id, commit_hash, commit_timestamp, evaluation_status,
		       evaluation_attempts, evaluation_started, last_error, created_at
		FROM commits WHERE flake_id = $1 AND commit_hash = $2
	`, flakeID, hash))
}

func (s *Store) scanCommit(row *sql.Row) (forgemodel.Commit, error) {
	var c forgemodel.Commit
	var started sql.NullTime
	err := row.Scan(&c.ID, &c.FlakeID, &c.CommitHash, &c.CommitTimestamp, &c.EvaluationStatus,
		&c.EvaluationAttempts, &started, &c.LastError, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.Commit{}, storage.ErrNotFound
		}
		return forgemodel.Commit{}, err
	}
	c.EvaluationStarted = fromNullTime(started)
	return c, nil
}

// ClaimNextPendingCommit reserves the oldest pending commit for
// evaluation, skipping rows locked by concurrent evaluators.
func (s *Store) ClaimNextPendingCommit(ctx context.Context) (forgemodel.Commit, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return forgemodel.Commit{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var c forgemodel.Commit
	var started sql.NullTime
	row := tx.QueryRowContext(ctx, `
		SELECT id, flake_id, commit_hash, commit_timestamp, evaluation_status,
		       evaluation_attempts, evaluation_started, last_error, created_at
		FROM commits
		WHERE evaluation_status = $1 AND evaluation_attempts < $2
		ORDER BY commit_timestamp
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, forgemodel.CommitPending, forgemodel.MaxEvaluationAttempts)
	if err := row.Scan(&c.ID, &c.FlakeID, &c.CommitHash, &c.CommitTimestamp, &c.EvaluationStatus,
		&c.EvaluationAttempts, &started, &c.LastError, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.Commit{}, false, tx.Commit()
		}
		return forgemodel.Commit{}, false, err
	}
	c.EvaluationStarted = fromNullTime(started)

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE commits SET evaluation_status = $1, evaluation_attempts = evaluation_attempts + 1, evaluation_started = $2
		WHERE id = $3
	`, forgemodel.CommitInProgress, now, c.ID); err != nil {
		return forgemodel.Commit{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return forgemodel.Commit{}, false, err
	}
	c.EvaluationStatus = forgemodel.CommitInProgress
	c.EvaluationAttempts++
	c.EvaluationStarted = &now
	return c, true, nil
}

// UpdateCommitStatus records the outcome of an evaluation attempt.
func (s *Store) UpdateCommitStatus(ctx context.Context, id int64, status forgemodel.CommitStatus, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE commits SET evaluation_status = $1, last_error = $2 WHERE id = $3
	`, status, lastError, id)
	return err
}

// ResetStaleCommits moves commits stuck in-progress (e.g. after a crash)
// back to pending so they can be re-evaluated. Run once at startup before
// any poller or evaluator service begins.
func (s *Store) ResetStaleCommits(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE commits SET evaluation_status = $1, evaluation_started = NULL
		WHERE evaluation_status = $2
	`, forgemodel.CommitPending, forgemodel.CommitInProgress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
