package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
)

func TestClaimNextBuildableSkipsDependentsWithUnbuiltChildren(t *testing.T) {
	ctx := context.Background()
	store := New()

	child, err := store.InsertDerivation(ctx, forgemodel.Derivation{DisplayName: "child", DrvPath: "/nix/store/child.drv", Status: forgemodel.StatusBuildPending})
	require.NoError(t, err)
	parent, err := store.InsertDerivation(ctx, forgemodel.Derivation{DisplayName: "parent", DrvPath: "/nix/store/parent.drv", Status: forgemodel.StatusBuildPending})
	require.NoError(t, err)
	require.NoError(t, store.AddDependency(ctx, parent.ID, child.ID))

	d, _, ok, err := store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, child.ID, d.ID, "only the dependency-free child should be claimable")

	_, _, ok, err = store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.False(t, ok, "parent still blocked until child finishes building")

	require.NoError(t, store.UpdateDerivationStatus(ctx, child.ID, forgemodel.StatusBuildComplete, ""))

	_, _, ok, err = store.ClaimNextBuildable(ctx, "worker-2")
	require.NoError(t, err)
	require.False(t, ok, "parent still blocked: wait-for-cache-push defaults on, build-complete alone is not enough")

	require.NoError(t, store.UpdateDerivationStatus(ctx, child.ID, forgemodel.StatusCachePushed, ""))

	d, _, ok, err = store.ClaimNextBuildable(ctx, "worker-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, parent.ID, d.ID)
}

// TestClaimNextBuildableClaimsSystemAtDryRunComplete exercises the status
// the evaluator (the sole live producer of derivations) actually inserts:
// a system row sitting at dry-run-complete, never build-pending.
func TestClaimNextBuildableClaimsSystemAtDryRunComplete(t *testing.T) {
	ctx := context.Background()
	store := New()

	sys, err := store.InsertDerivation(ctx, forgemodel.Derivation{
		DisplayName: "host-a", Kind: forgemodel.KindSystem, DrvPath: "/nix/store/host-a.drv",
		Status: forgemodel.StatusDryRunComplete,
	})
	require.NoError(t, err)

	d, _, ok, err := store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok, "a system at dry-run-complete with no unmet dependencies must be buildable")
	require.Equal(t, sys.ID, d.ID)
	require.Equal(t, forgemodel.StatusBuildInProgress, d.Status)
}

func TestClaimNextBuildableNeverDoubleClaims(t *testing.T) {
	ctx := context.Background()
	store := New()
	d, err := store.InsertDerivation(ctx, forgemodel.Derivation{DisplayName: "solo", DrvPath: "/nix/store/solo.drv", Status: forgemodel.StatusBuildPending})
	require.NoError(t, err)

	claimed, reservation, ok, err := store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, claimed.ID)
	require.Equal(t, forgemodel.StatusBuildInProgress, claimed.Status)

	_, _, ok, err = store.ClaimNextBuildable(ctx, "worker-2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.ReleaseReservation(ctx, reservation.ID))
	require.NoError(t, store.UpdateDerivationStatus(ctx, d.ID, forgemodel.StatusBuildPending, ""))

	_, _, ok, err = store.ClaimNextBuildable(ctx, "worker-2")
	require.NoError(t, err)
	require.True(t, ok, "derivation should be claimable again once reservation is released")
}

func TestCachePushRetryRespectsBackoffWindow(t *testing.T) {
	ctx := context.Background()
	store := New()
	job, err := store.EnqueueCachePush(ctx, forgemodel.CachePushJob{DerivationID: 1, StorePath: "/nix/store/abc"})
	require.NoError(t, err)

	claimed, ok, err := store.ClaimNextCachePush(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, job.ID, claimed.ID)

	future := claimed.ScheduledAt.Add(time.Hour).Unix()
	require.NoError(t, store.MarkCachePushFailed(ctx, claimed.ID, "boom", &future, false))

	_, ok, err = store.ClaimNextCachePush(ctx)
	require.NoError(t, err)
	require.False(t, ok, "job should not be claimable again before its backoff window elapses")
}
