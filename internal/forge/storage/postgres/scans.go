package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
)

// EnqueueScan schedules a vulnerability scan for a built derivation.
func (s *Store) EnqueueScan(ctx context.Context, scan forgemodel.CVEScan) (forgemodel.CVEScan, error) {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	if scan.Status == "" {
		scan.Status = forgemodel.ScanPending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cve_scans (derivation_id, scanner_name, status, created_at)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, scan.DerivationID, scan.ScannerName, scan.Status, scan.CreatedAt).Scan(&scan.ID)
	if err != nil {
		return forgemodel.CVEScan{}, err
	}
	return scan, nil
}

func scanCVEScan(row interface{ Scan(...any) error }) (forgemodel.CVEScan, error) {
	var sc forgemodel.CVEScan
	var started, completed sql.NullTime
	var durationMS int64
	err := row.Scan(&sc.ID, &sc.DerivationID, &sc.ScannerName, &sc.ScannerVer, &sc.Status, &sc.Attempts,
		&sc.Severity.Critical, &sc.Severity.High, &sc.Severity.Medium, &sc.Severity.Low,
		&sc.Severity.Total, &sc.Severity.TotalPackages, &durationMS, &sc.RawMetadata,
		&sc.CreatedAt, &started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return forgemodel.CVEScan{}, storage.ErrNotFound
		}
		return forgemodel.CVEScan{}, err
	}
	sc.Duration = time.Duration(durationMS) * time.Millisecond
	sc.StartedAt = fromNullTime(started)
	sc.CompletedAt = fromNullTime(completed)
	return sc, nil
}

const cveScanColumns = `
	id, derivation_id, scanner_name, scanner_version, status, attempts,
	severity_critical, severity_high, severity_medium, severity_low,
	total_findings, total_packages, duration_ms, raw_metadata, created_at,
	started_at, completed_at`

// ClaimNextScan reserves the oldest pending scan job.
func (s *Store) ClaimNextScan(ctx context.Context) (forgemodel.CVEScan, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return forgemodel.CVEScan{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+cveScanColumns+`
		FROM cve_scans
		WHERE status = $1 AND attempts < $2
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, forgemodel.ScanPending, forgemodel.MaxScanAttempts)
	sc, err := scanCVEScan(row)
	if errors.Is(err, storage.ErrNotFound) {
		return forgemodel.CVEScan{}, false, tx.Commit()
	}
	if err != nil {
		return forgemodel.CVEScan{}, false, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cve_scans SET status = $1, started_at = $2, attempts = attempts + 1 WHERE id = $3
	`, forgemodel.ScanInProgress, now, sc.ID); err != nil {
		return forgemodel.CVEScan{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return forgemodel.CVEScan{}, false, err
	}
	sc.Status = forgemodel.ScanInProgress
	sc.StartedAt = &now
	sc.Attempts++
	return sc, true, nil
}

// RecordScanResult stores a completed scan's severity rollup together with
// the package memberships and vulnerabilities it discovered, atomically.
func (s *Store) RecordScanResult(ctx context.Context, scan forgemodel.CVEScan, memberships []forgemodel.ScanPackageMembership, vulns []forgemodel.Vulnerability) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE cve_scans SET
			status = $1, scanner_version = $2, severity_critical = $3, severity_high = $4,
			severity_medium = $5, severity_low = $6, total_findings = $7, total_packages = $8,
			duration_ms = $9, raw_metadata = $10, completed_at = now()
		WHERE id = $11
	`, forgemodel.ScanCompleted, scan.ScannerVer, scan.Severity.Critical, scan.Severity.High,
		scan.Severity.Medium, scan.Severity.Low, scan.Severity.Total, scan.Severity.TotalPackages,
		scan.Duration.Milliseconds(), scan.RawMetadata, scan.ID); err != nil {
		return err
	}

	for _, m := range memberships {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scan_packages (scan_id, package_derivation_id, runtime, depth)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (scan_id, package_derivation_id) DO NOTHING
		`, scan.ID, m.PackageDerivationID, m.Runtime, m.Depth); err != nil {
			return err
		}
	}

	for _, v := range vulns {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cves (id, cvss_v3, summary)
			VALUES ($1,$2,$3)
			ON CONFLICT (id) DO UPDATE SET cvss_v3 = EXCLUDED.cvss_v3, summary = EXCLUDED.summary
		`, v.CVEID, v.CVSSv3, v.Summary); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO package_vulnerabilities (package_derivation_id, cve_id, detection_method, whitelisted, whitelist_reason)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (package_derivation_id, cve_id) DO UPDATE SET
				detection_method = EXCLUDED.detection_method,
				whitelisted = EXCLUDED.whitelisted,
				whitelist_reason = EXCLUDED.whitelist_reason
		`, v.PackageDerivationID, v.CVEID, v.DetectionMethod, v.Whitelisted, v.WhitelistReason); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkScanFailed records a failed scan attempt without advancing the
// attempts-exhausted terminal state -- the caller decides whether to
// resubmit based on attempts vs MaxScanAttempts.
func (s *Store) MarkScanFailed(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cve_scans SET status = $1, raw_metadata = $2, completed_at = now() WHERE id = $3
	`, forgemodel.ScanFailed, lastError, id)
	return err
}

// FailStaleScans moves scans stuck in-progress back to pending. Run once
// at startup.
func (s *Store) FailStaleScans(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cve_scans SET status = $1, started_at = NULL WHERE status = $2
	`, forgemodel.ScanPending, forgemodel.ScanInProgress)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListScanCandidates returns derivations at build-complete or later that
// have no completed scan and have not exhausted MaxScanAttempts failed
// attempts (spec.md §4.8's selection rule).
func (s *Store) ListScanCandidates(ctx context.Context) ([]forgemodel.Derivation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+derivationColumns+`
		FROM derivations d
		WHERE d.status IN ($1, $2, $3)
		  AND NOT EXISTS (
		      SELECT 1 FROM cve_scans sc WHERE sc.derivation_id = d.id AND sc.status = $4
		  )
		  AND (
		      SELECT count(*) FROM cve_scans sc WHERE sc.derivation_id = d.id AND sc.status = $5
		  ) < $6
	`, forgemodel.StatusBuildComplete, forgemodel.StatusCachePushed, forgemodel.StatusComplete,
		forgemodel.ScanCompleted, forgemodel.ScanFailed, forgemodel.MaxScanAttempts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDerivationRows(rows)
}

// GetLatestScan returns the most recent scan for a derivation, if any.
func (s *Store) GetLatestScan(ctx context.Context, derivationID int64) (forgemodel.CVEScan, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+cveScanColumns+`
		FROM cve_scans WHERE derivation_id = $1 ORDER BY created_at DESC LIMIT 1
	`, derivationID)
	sc, err := scanCVEScan(row)
	if errors.Is(err, storage.ErrNotFound) {
		return forgemodel.CVEScan{}, false, nil
	}
	if err != nil {
		return forgemodel.CVEScan{}, false, err
	}
	return sc, true, nil
}
