package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage/memory"
)

// fakeEnumerator is a scripted ConfigEnumerator that never shells out.
type fakeEnumerator struct {
	records []ConfigRecord
	err     error
}

func (f *fakeEnumerator) Enumerate(_ context.Context, _ string, onRecord func(ConfigRecord) error) error {
	for _, rec := range f.records {
		if err := onRecord(rec); err != nil {
			return err
		}
	}
	return f.err
}

// fakeClosure is a scripted ClosureEnumerator keyed by .drv path.
type fakeClosure struct {
	members map[string][]ClosureMember
	err     error
}

func (f *fakeClosure) Closure(_ context.Context, drvPath string) ([]ClosureMember, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members[drvPath], nil
}

func newPendingCommit(t *testing.T, store *memory.Store, ctx context.Context) (forgemodel.Flake, forgemodel.Commit) {
	t.Helper()
	flake, err := store.CreateFlake(ctx, forgemodel.Flake{Name: "f", RepoURL: "git+https://example/repo.git"})
	require.NoError(t, err)
	commit, err := store.InsertCommit(ctx, forgemodel.Commit{
		FlakeID: flake.ID, CommitHash: "abc123", CommitTimestamp: time.Unix(100, 0),
	})
	require.NoError(t, err)
	return flake, commit
}

// TestHappyPathScenario exercises spec.md §8 scenario 1: one configuration
// with a two-member closure, one cached and one not.
func TestHappyPathScenario(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, commit := newPendingCommit(t, store, ctx)

	enumerator := &fakeEnumerator{records: []ConfigRecord{
		{AttrPath: "host-a", DrvPath: "/s/X.drv", CacheStatus: "notBuilt", PolicyChecks: map[string]bool{"agent": true}},
	}}
	closures := &fakeClosure{members: map[string][]ClosureMember{
		"/s/X.drv": {
			{DrvPath: "/s/P1.drv", CacheStatus: "cached"},
			{DrvPath: "/s/P2.drv", CacheStatus: "notBuilt"},
		},
	}}

	e := New(store, store, store, enumerator, closures, time.Minute, nil)
	e.evaluateOne(ctx, commit)

	got, err := store.GetCommitByHash(ctx, commit.FlakeID, commit.CommitHash)
	require.NoError(t, err)
	require.Equal(t, forgemodel.CommitComplete, got.EvaluationStatus)

	sys, found, err := store.GetDerivationByDrvPath(ctx, "/s/X.drv")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, forgemodel.KindSystem, sys.Kind)
	require.Equal(t, forgemodel.StatusDryRunComplete, sys.Status)
	require.NotNil(t, sys.CommitID)
	require.Equal(t, commit.ID, *sys.CommitID)
	require.NotNil(t, sys.DeploymentPolicySatisfied)
	require.True(t, *sys.DeploymentPolicySatisfied)

	p1, found, err := store.GetDerivationByDrvPath(ctx, "/s/P1.drv")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, forgemodel.StatusBuildComplete, p1.Status)

	p2, found, err := store.GetDerivationByDrvPath(ctx, "/s/P2.drv")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, forgemodel.StatusDryRunComplete, p2.Status)

	deps, err := store.ListDependencies(ctx, sys.ID)
	require.NoError(t, err)
	gotIDs := make([]int64, len(deps))
	for i, d := range deps {
		gotIDs[i] = d.ID
	}
	require.ElementsMatch(t, []int64{p1.ID, p2.ID}, gotIDs)

	// P2 is the only row actually ready to build: P1 is already
	// build-complete, and the system waits on both its dependencies
	// reaching cache-pushed/complete before it becomes claimable.
	claimed, _, ok, err := store.ClaimNextBuildable(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, p2.ID, claimed.ID)
	require.Equal(t, forgemodel.StatusBuildInProgress, claimed.Status)

	_, _, ok, err = store.ClaimNextBuildable(ctx, "worker-2")
	require.NoError(t, err)
	require.False(t, ok, "system must not be claimable until its dependencies are cache-pushed")
}

func TestEmptyClosureStillInsertsParent(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, commit := newPendingCommit(t, store, ctx)

	enumerator := &fakeEnumerator{records: []ConfigRecord{
		{AttrPath: "host-b", DrvPath: "/s/Y.drv", CacheStatus: "notBuilt"},
	}}
	closures := &fakeClosure{members: map[string][]ClosureMember{}}

	e := New(store, store, store, enumerator, closures, time.Minute, nil)
	e.evaluateOne(ctx, commit)

	sys, found, err := store.GetDerivationByDrvPath(ctx, "/s/Y.drv")
	require.NoError(t, err)
	require.True(t, found)
	deps, err := store.ListDependencies(ctx, sys.ID)
	require.NoError(t, err)
	require.Empty(t, deps)

	got, err := store.GetCommitByHash(ctx, commit.FlakeID, commit.CommitHash)
	require.NoError(t, err)
	require.Equal(t, forgemodel.CommitComplete, got.EvaluationStatus)
}

func TestMissingDrvPathFailsNonTerminally(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, commit := newPendingCommit(t, store, ctx)

	enumerator := &fakeEnumerator{records: []ConfigRecord{
		{AttrPath: "host-c", DrvPath: ""},
	}}
	e := New(store, store, store, enumerator, &fakeClosure{}, time.Minute, nil)
	e.evaluateOne(ctx, commit)

	got, err := store.GetCommitByHash(ctx, commit.FlakeID, commit.CommitHash)
	require.NoError(t, err)
	require.Equal(t, forgemodel.CommitPending, got.EvaluationStatus)
	require.NotEmpty(t, got.LastError)
}

func TestAttemptCeilingMarksCommitFailed(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	_, commit := newPendingCommit(t, store, ctx)

	enumerator := &fakeEnumerator{records: []ConfigRecord{{AttrPath: "host-d", DrvPath: ""}}}
	e := New(store, store, store, enumerator, &fakeClosure{}, time.Minute, nil)

	var last forgemodel.Commit
	for i := 0; i < forgemodel.MaxEvaluationAttempts; i++ {
		claimed, ok, err := store.ClaimNextPendingCommit(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		e.evaluateOne(ctx, claimed)
		last, err = store.GetCommitByHash(ctx, commit.FlakeID, commit.CommitHash)
		require.NoError(t, err)
	}
	require.Equal(t, forgemodel.CommitFailed, last.EvaluationStatus)
}

func TestPinnedFlakeRef(t *testing.T) {
	require.Equal(t, "git+https://example/repo.git?rev=abc", PinnedFlakeRef("git+https://example/repo.git", "abc"))
	require.Equal(t, "git+https://example/repo.git?rev=abc", PinnedFlakeRef("https://example/repo.git", "abc"))
	require.Equal(t, "/srv/repo", PinnedFlakeRef("/srv/repo", "abc"))
}

func TestDeploymentTarget(t *testing.T) {
	require.Equal(t, "git+https://x?rev=abc#host-a", DeploymentTarget("git+https://x?rev=abc", "host-a"))
}
