package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
)

// CreateFlake inserts a watched flake, or returns the existing row
// unchanged if one with the same name is already present: flakes are
// seeded from configuration at every startup and are immutable once
// inserted (spec.md §3), so re-seeding the same name must be a no-op
// rather than an error.
func (s *Store) CreateFlake(ctx context.Context, f forgemodel.Flake) (forgemodel.Flake, error) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO flakes (name, repo_url, auto_poll_enabled, poll_interval_sec, created_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`, f.Name, f.RepoURL, f.AutoPollEnabled, int64(f.PollInterval/time.Second), f.CreatedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetFlakeByName(ctx, f.Name)
	}
	if err != nil {
		return forgemodel.Flake{}, err
	}
	f.ID = id
	return f, nil
}

// GetFlakeByName fetches a flake by its unique name.
func (s *Store) GetFlakeByName(ctx context.Context, name string) (forgemodel.Flake, error) {
	var f forgemodel.Flake
	var pollSec int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_url, auto_poll_enabled, poll_interval_sec, created_at
		FROM flakes WHERE name = $1
	`, name).Scan(&f.ID, &f.Name, &f.RepoURL, &f.AutoPollEnabled, &pollSec, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.Flake{}, storage.ErrNotFound
		}
		return forgemodel.Flake{}, err
	}
	f.PollInterval = time.Duration(pollSec) * time.Second
	return f, nil
}

// GetFlake fetches a flake by id.
func (s *Store) GetFlake(ctx context.Context, id int64) (forgemodel.Flake, error) {
	var f forgemodel.Flake
	var pollSec int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, repo_url, auto_poll_enabled, poll_interval_sec, created_at
		FROM flakes WHERE id = $1
	`, id).Scan(&f.ID, &f.Name, &f.RepoURL, &f.AutoPollEnabled, &pollSec, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.Flake{}, storage.ErrNotFound
		}
		return forgemodel.Flake{}, err
	}
	f.PollInterval = time.Duration(pollSec) * time.Second
	return f, nil
}

// ListFlakes returns every watched flake.
func (s *Store) ListFlakes(ctx context.Context) ([]forgemodel.Flake, error) {
	return s.queryFlakes(ctx, `
		SELECT id, name, repo_url, auto_poll_enabled, poll_interval_sec, created_at
		FROM flakes ORDER BY id
	`)
}

// ListAutoPollFlakes returns flakes the commit poller should watch.
func (s *Store) ListAutoPollFlakes(ctx context.Context) ([]forgemodel.Flake, error) {
	return s.queryFlakes(ctx, `
		SELECT id, name, repo_url, auto_poll_enabled, poll_interval_sec, created_at
		FROM flakes WHERE auto_poll_enabled ORDER BY id
	`)
}

func (s *Store) queryFlakes(ctx context.Context, query string) ([]forgemodel.Flake, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []forgemodel.Flake
	for rows.Next() {
		var f forgemodel.Flake
		var pollSec int64
		if err := rows.Scan(&f.ID, &f.Name, &f.RepoURL, &f.AutoPollEnabled, &pollSec, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.PollInterval = time.Duration(pollSec) * time.Second
		out = append(out, f)
	}
	return out, rows.Err()
}
