package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var mockTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestClaimNextBuildableCommitsOnNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM buildable_derivations").
		WillReturnRows(sqlmock.NewRows(nil))
	mock.ExpectCommit()

	store := New(db)
	_, _, ok, err := store.ClaimNextBuildable(context.Background(), "worker-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextBuildableInsertsReservationAndAdvancesStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{
		"id", "commit_id", "kind", "display_name", "package_name", "package_version", "drv_path",
		"store_path", "deployment_target", "status", "attempts", "scheduled_at", "started_at",
		"completed_at", "last_error", "progress_current_sub_target", "progress_last_heartbeat",
		"deployment_policy_satisfied",
	}
	row := sqlmock.NewRows(cols).AddRow(
		int64(7), nil, "system", "my-host", "", "", "/nix/store/x.drv",
		"", "my-host", "build-pending", 0, mockTime, nil,
		nil, "", nil, nil, nil,
	)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM buildable_derivations").WillReturnRows(row)
	mock.ExpectExec("UPDATE derivations SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO build_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "worker_id", "derivation_id", "reserved_at", "last_heartbeat_at"}).
			AddRow(int64(1), "worker-1", int64(7), mockTime, mockTime))
	mock.ExpectCommit()

	store := New(db)
	d, r, ok, err := store.ClaimNextBuildable(context.Background(), "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(7), d.ID)
	require.Equal(t, int64(1), r.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimNextBuildableAdvancesSystemAtDryRunComplete covers the status
// the evaluator actually writes for systems -- dry-run-complete, never
// build-pending -- confirming the claim transaction still advances it to
// build-in-progress.
func TestClaimNextBuildableAdvancesSystemAtDryRunComplete(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cols := []string{
		"id", "commit_id", "kind", "display_name", "package_name", "package_version", "drv_path",
		"store_path", "deployment_target", "status", "attempts", "scheduled_at", "started_at",
		"completed_at", "last_error", "progress_current_sub_target", "progress_last_heartbeat",
		"deployment_policy_satisfied",
	}
	row := sqlmock.NewRows(cols).AddRow(
		int64(9), int64(3), "system", "my-host", "", "", "/nix/store/y.drv",
		"", "my-host", "dry-run-complete", 0, mockTime, nil,
		nil, "", nil, nil, nil,
	)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM buildable_derivations").WillReturnRows(row)
	mock.ExpectExec("UPDATE derivations SET status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO build_reservations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "worker_id", "derivation_id", "reserved_at", "last_heartbeat_at"}).
			AddRow(int64(2), "worker-1", int64(9), mockTime, mockTime))
	mock.ExpectCommit()

	store := New(db)
	d, _, ok, err := store.ClaimNextBuildable(context.Background(), "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(9), d.ID)
	require.Equal(t, "build-in-progress", string(d.Status))
	require.NoError(t, mock.ExpectationsWereMet())
}
