package deployment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage/memory"
)

func boolPtr(b bool) *bool { return &b }

func TestEvaluateOnePicksNewestPolicySatisfiedCandidate(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	flake, err := store.CreateFlake(ctx, forgemodel.Flake{Name: "f"})
	require.NoError(t, err)

	older, err := store.InsertCommit(ctx, forgemodel.Commit{FlakeID: flake.ID, CommitHash: "old", CommitTimestamp: time.Unix(100, 0)})
	require.NoError(t, err)
	newer, err := store.InsertCommit(ctx, forgemodel.Commit{FlakeID: flake.ID, CommitHash: "new", CommitTimestamp: time.Unix(200, 0)})
	require.NoError(t, err)

	_, err = store.InsertDerivation(ctx, forgemodel.Derivation{
		CommitID: &older.ID, Kind: forgemodel.KindSystem, DisplayName: "old", Status: forgemodel.StatusBuildComplete,
		DeploymentTarget: "flake#old", DeploymentPolicySatisfied: boolPtr(true),
	})
	require.NoError(t, err)
	newD, err := store.InsertDerivation(ctx, forgemodel.Derivation{
		CommitID: &newer.ID, Kind: forgemodel.KindSystem, DisplayName: "new", Status: forgemodel.StatusBuildComplete,
		DeploymentTarget: "flake#new", DeploymentPolicySatisfied: boolPtr(true),
	})
	require.NoError(t, err)

	host := store.AddSystem(forgemodel.System{
		Hostname: "host-a",
		Active:   true,
		FlakeID:  &flake.ID,
		Policy:   forgemodel.PolicyAutoLatest,
	})

	ev := New(store, store, 0, nil)
	ev.evaluateOne(ctx, host)

	updated, ok, err := store.GetSystemByHostname(ctx, "host-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newD.DeploymentTarget, updated.DesiredTarget)
}

func TestPickDesiredTargetSkipsUnsatisfiedPolicy(t *testing.T) {
	candidates := []forgemodel.Derivation{
		{DeploymentTarget: "flake#unsatisfied", DeploymentPolicySatisfied: boolPtr(false)},
		{DeploymentTarget: "flake#ok", DeploymentPolicySatisfied: boolPtr(true)},
	}
	require.Equal(t, "flake#ok", PickDesiredTarget(candidates))
}

func TestPickDesiredTargetNilPolicyTreatedAsNonStrict(t *testing.T) {
	candidates := []forgemodel.Derivation{
		{DeploymentTarget: "flake#unknown", DeploymentPolicySatisfied: nil},
	}
	require.Equal(t, "flake#unknown", PickDesiredTarget(candidates))
}

func TestPickDesiredTargetEmptyWhenNoCandidates(t *testing.T) {
	require.Equal(t, "", PickDesiredTarget(nil))
}
