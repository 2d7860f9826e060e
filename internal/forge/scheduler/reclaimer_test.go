package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage/memory"
)

// fakeDerivStore wraps an in-memory store so ListStaleReservations can be
// stubbed directly, sidestepping the real store's time-based staleness
// cutoff that a unit test would otherwise have to sleep past.
type fakeDerivStore struct {
	*memory.Store
	stale []forgemodel.Reservation
}

func (f *fakeDerivStore) ListStaleReservations(_ context.Context) ([]forgemodel.Reservation, error) {
	return f.stale, nil
}

func TestSweepReclaimsAbandonedBuildLease(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	deriv, err := store.InsertDerivation(ctx, forgemodel.Derivation{
		Status: forgemodel.StatusBuildPending,
	})
	require.NoError(t, err)

	_, res, ok, err := store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	fake := &fakeDerivStore{Store: store, stale: []forgemodel.Reservation{res}}
	r := New(fake, 0, nil)

	r.sweep(ctx)

	got, err := store.GetDerivation(ctx, deriv.ID)
	require.NoError(t, err)
	require.Equal(t, forgemodel.StatusBuildPending, got.Status)

	stale, err := store.ListStaleReservations(ctx)
	require.NoError(t, err)
	require.Empty(t, stale)
}

func TestSweepLeavesHealthyReservationsAlone(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	fake := &fakeDerivStore{Store: store, stale: nil}
	r := New(fake, 0, nil)

	r.sweep(ctx)
}

func TestPendingPredecessor(t *testing.T) {
	require.Equal(t, forgemodel.StatusDryRunPending,
		pendingPredecessor(forgemodel.Derivation{Kind: forgemodel.KindPackage, Status: forgemodel.StatusDryRunInProgress}))
	require.Equal(t, forgemodel.StatusBuildPending,
		pendingPredecessor(forgemodel.Derivation{Kind: forgemodel.KindPackage, Status: forgemodel.StatusBuildInProgress}))
	require.Equal(t, forgemodel.StatusDryRunComplete,
		pendingPredecessor(forgemodel.Derivation{Kind: forgemodel.KindSystem, Status: forgemodel.StatusBuildInProgress}))
	require.Equal(t, forgemodel.DerivationStatus(""),
		pendingPredecessor(forgemodel.Derivation{Kind: forgemodel.KindPackage, Status: forgemodel.StatusBuildComplete}))
}

// TestSweepResetsSystemToDryRunComplete covers the round-trip the claim
// transaction's nextInProgressStatus can't encode in status alone: a
// system claimed from dry-run-complete must come back to dry-run-complete
// on reclaim, not the build-pending synonym packages reclaim to.
func TestSweepResetsSystemToDryRunComplete(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	commit, err := store.InsertCommit(ctx, forgemodel.Commit{FlakeID: 1, CommitHash: "abc"})
	require.NoError(t, err)
	sys, err := store.InsertDerivation(ctx, forgemodel.Derivation{
		CommitID: &commit.ID, Kind: forgemodel.KindSystem, Status: forgemodel.StatusDryRunComplete,
	})
	require.NoError(t, err)

	_, res, ok, err := store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)

	fake := &fakeDerivStore{Store: store, stale: []forgemodel.Reservation{res}}
	r := New(fake, 0, nil)
	r.sweep(ctx)

	got, err := store.GetDerivation(ctx, sys.ID)
	require.NoError(t, err)
	require.Equal(t, forgemodel.StatusDryRunComplete, got.Status)
}
