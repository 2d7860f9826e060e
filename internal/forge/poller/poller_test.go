package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage/memory"
)

// fakeResolver is a scripted GitRefResolver for tests that never shells out.
type fakeResolver struct {
	head        CommitRef
	headErr     error
	recent      []CommitRef
	recentErr   error
	recentCalls int
}

func (f *fakeResolver) ResolveHead(_ context.Context, _ string) (string, time.Time, error) {
	if f.headErr != nil {
		return "", time.Time{}, f.headErr
	}
	return f.head.Hash, f.head.CommittedAt, nil
}

func (f *fakeResolver) ResolveRecent(_ context.Context, _ string, _ int) ([]CommitRef, error) {
	f.recentCalls++
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	return f.recent, nil
}

func TestPollOneBackfillsOnFirstSight(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	flake, err := store.CreateFlake(ctx, forgemodel.Flake{Name: "f", RepoURL: "git+https://example/repo.git"})
	require.NoError(t, err)

	resolver := &fakeResolver{recent: []CommitRef{
		{Hash: "c3", CommittedAt: time.Unix(300, 0)},
		{Hash: "c2", CommittedAt: time.Unix(200, 0)},
		{Hash: "c1", CommittedAt: time.Unix(100, 0)},
	}}
	p := New(store, store, resolver, nil, time.Minute, nil)
	p.pollOne(ctx, flake)

	require.Equal(t, 1, resolver.recentCalls)
	for _, hash := range []string{"c1", "c2", "c3"} {
		c, err := store.GetCommitByHash(ctx, flake.ID, hash)
		require.NoError(t, err)
		require.Equal(t, forgemodel.CommitPending, c.EvaluationStatus)
	}
}

func TestPollOneTracksHeadAfterFirstSight(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	flake, err := store.CreateFlake(ctx, forgemodel.Flake{Name: "f", RepoURL: "git+https://example/repo.git"})
	require.NoError(t, err)
	_, err = store.InsertCommit(ctx, forgemodel.Commit{FlakeID: flake.ID, CommitHash: "c1", CommitTimestamp: time.Unix(100, 0)})
	require.NoError(t, err)

	resolver := &fakeResolver{head: CommitRef{Hash: "c2", CommittedAt: time.Unix(200, 0)}}
	p := New(store, store, resolver, nil, time.Minute, nil)
	p.pollOne(ctx, flake)

	require.Equal(t, 0, resolver.recentCalls)
	c, err := store.GetCommitByHash(ctx, flake.ID, "c2")
	require.NoError(t, err)
	require.Equal(t, forgemodel.CommitPending, c.EvaluationStatus)
}

func TestPollOneSkipsDuplicateHead(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	flake, err := store.CreateFlake(ctx, forgemodel.Flake{Name: "f", RepoURL: "git+https://example/repo.git"})
	require.NoError(t, err)
	_, err = store.InsertCommit(ctx, forgemodel.Commit{FlakeID: flake.ID, CommitHash: "c1", CommitTimestamp: time.Unix(100, 0)})
	require.NoError(t, err)

	resolver := &fakeResolver{head: CommitRef{Hash: "c1", CommittedAt: time.Unix(100, 0)}}
	notified := 0
	p := New(store, store, resolver, EnqueuerFunc(func(context.Context, forgemodel.Commit) { notified++ }), time.Minute, nil)
	p.pollOne(ctx, flake)

	require.Equal(t, 0, notified)
}

func TestNewWithScheduleParsesCronExpression(t *testing.T) {
	store := memory.New()
	p := NewWithSchedule(store, store, &fakeResolver{}, nil, time.Minute, "0 2 * * 1-5", nil)
	require.NotNil(t, p.schedule)
}

func TestNewWithScheduleFallsBackOnInvalidExpression(t *testing.T) {
	store := memory.New()
	p := NewWithSchedule(store, store, &fakeResolver{}, nil, time.Minute, "not a cron expression", nil)
	require.Nil(t, p.schedule)
	require.Equal(t, time.Minute, p.interval)
}
