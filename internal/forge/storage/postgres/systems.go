package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
)

// UpsertSystem inserts a registered host, or updates its registration
// fields (environment, public key, flake, policy) if the hostname already
// exists. desired_target and active are never touched here -- those are
// runtime state, not configuration (spec.md §6: systems are registered
// declaratively, but the deployment evaluator and the active flag's
// operational toggling own their own fields).
func (s *Store) UpsertSystem(ctx context.Context, sys forgemodel.System) (forgemodel.System, error) {
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now().UTC()
	}
	if sys.Policy == "" {
		sys.Policy = forgemodel.PolicyAutoLatest
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO systems (hostname, environment, active, public_key, flake_id, policy, created_at)
		VALUES ($1,$2,TRUE,$3,$4,$5,$6)
		ON CONFLICT (hostname) DO UPDATE SET
			environment = EXCLUDED.environment,
			public_key  = EXCLUDED.public_key,
			flake_id    = EXCLUDED.flake_id,
			policy      = EXCLUDED.policy
		RETURNING id
	`, sys.Hostname, sys.Environment, sys.PublicKey[:], sys.FlakeID, sys.Policy, sys.CreatedAt).Scan(&id)
	if err != nil {
		return forgemodel.System{}, err
	}
	sys.ID = id
	sys.Active = true
	return sys, nil
}

// GetSystemByHostname fetches the registered system for a reporting host.
func (s *Store) GetSystemByHostname(ctx context.Context, hostname string) (forgemodel.System, bool, error) {
	var sys forgemodel.System
	var flakeID sql.NullInt64
	var pubKey []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, environment, active, public_key, flake_id, desired_target, policy, created_at
		FROM systems WHERE hostname = $1
	`, hostname).Scan(&sys.ID, &sys.Hostname, &sys.Environment, &sys.Active, &pubKey, &flakeID,
		&sys.DesiredTarget, &sys.Policy, &sys.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.System{}, false, nil
		}
		return forgemodel.System{}, false, err
	}
	copy(sys.PublicKey[:], pubKey)
	if flakeID.Valid {
		sys.FlakeID = &flakeID.Int64
	}
	return sys, true, nil
}

// ListActiveSystems returns every system the deployment evaluator should
// consider.
func (s *Store) ListActiveSystems(ctx context.Context) ([]forgemodel.System, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, environment, active, public_key, flake_id, desired_target, policy, created_at
		FROM systems WHERE active ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []forgemodel.System
	for rows.Next() {
		var sys forgemodel.System
		var flakeID sql.NullInt64
		var pubKey []byte
		if err := rows.Scan(&sys.ID, &sys.Hostname, &sys.Environment, &sys.Active, &pubKey, &flakeID,
			&sys.DesiredTarget, &sys.Policy, &sys.CreatedAt); err != nil {
			return nil, err
		}
		copy(sys.PublicKey[:], pubKey)
		if flakeID.Valid {
			sys.FlakeID = &flakeID.Int64
		}
		out = append(out, sys)
	}
	return out, rows.Err()
}

// ListAutoLatestSystems returns active systems whose deployment policy is
// auto-latest, the candidate set the deployment evaluator (C9) recomputes
// every tick.
func (s *Store) ListAutoLatestSystems(ctx context.Context) ([]forgemodel.System, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, environment, active, public_key, flake_id, desired_target, policy, created_at
		FROM systems WHERE active AND policy = $1 ORDER BY id
	`, forgemodel.PolicyAutoLatest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []forgemodel.System
	for rows.Next() {
		var sys forgemodel.System
		var flakeID sql.NullInt64
		var pubKey []byte
		if err := rows.Scan(&sys.ID, &sys.Hostname, &sys.Environment, &sys.Active, &pubKey, &flakeID,
			&sys.DesiredTarget, &sys.Policy, &sys.CreatedAt); err != nil {
			return nil, err
		}
		copy(sys.PublicKey[:], pubKey)
		if flakeID.Valid {
			sys.FlakeID = &flakeID.Int64
		}
		out = append(out, sys)
	}
	return out, rows.Err()
}

// SetDesiredTarget updates the store path a system's agent should switch
// to, as decided by the deployment evaluator.
func (s *Store) SetDesiredTarget(ctx context.Context, systemID int64, target string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE systems SET desired_target = $1 WHERE id = $2`, target, systemID)
	return err
}

// RecordSystemState inserts a new agent-reported state row.
func (s *Store) RecordSystemState(ctx context.Context, state forgemodel.SystemState) (forgemodel.SystemState, error) {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	fingerprint, err := json.Marshal(state.Fingerprint)
	if err != nil {
		return forgemodel.SystemState{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO system_states (system_id, change_reason, current_target, os, kernel, uptime_seconds, fingerprint, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, state.SystemID, state.ChangeReason, state.CurrentTarget, state.OS, state.Kernel,
		state.UptimeSeconds, fingerprint, state.CreatedAt).Scan(&state.ID)
	if err != nil {
		return forgemodel.SystemState{}, err
	}
	return state, nil
}

// RecordHeartbeat inserts a lightweight heartbeat row linked to a state
// snapshot.
func (s *Store) RecordHeartbeat(ctx context.Context, hb forgemodel.AgentHeartbeat) (forgemodel.AgentHeartbeat, error) {
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO agent_heartbeats (system_id, state_id, created_at)
		VALUES ($1,$2,$3)
		RETURNING id
	`, hb.SystemID, hb.StateID, hb.CreatedAt).Scan(&hb.ID)
	if err != nil {
		return forgemodel.AgentHeartbeat{}, err
	}
	return hb, nil
}

// LatestState returns the most recent reported state for a system.
func (s *Store) LatestState(ctx context.Context, systemID int64) (forgemodel.SystemState, bool, error) {
	var st forgemodel.SystemState
	var fingerprint []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, system_id, change_reason, current_target, os, kernel, uptime_seconds, fingerprint, created_at
		FROM system_states WHERE system_id = $1 ORDER BY created_at DESC LIMIT 1
	`, systemID).Scan(&st.ID, &st.SystemID, &st.ChangeReason, &st.CurrentTarget, &st.OS, &st.Kernel,
		&st.UptimeSeconds, &fingerprint, &st.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.SystemState{}, false, nil
		}
		return forgemodel.SystemState{}, false, err
	}
	if len(fingerprint) > 0 {
		if err := json.Unmarshal(fingerprint, &st.Fingerprint); err != nil {
			return forgemodel.SystemState{}, false, err
		}
	}
	return st, true, nil
}
