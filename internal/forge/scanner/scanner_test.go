package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage/memory"
)

func TestRollUpBucketsBySeverity(t *testing.T) {
	report := Report{
		Packages: []PackageReport{
			{Vulnerabilities: []CVEEntry{{CVSSv3: 9.8}, {CVSSv3: 7.2}, {CVSSv3: 5.0}, {CVSSv3: 1.0}}},
			{Vulnerabilities: []CVEEntry{{CVSSv3: 9.0}}},
		},
	}
	rollup := RollUp(report)

	require.Equal(t, 2, rollup.TotalPackages)
	require.Equal(t, 5, rollup.Total)
	require.Equal(t, 2, rollup.Critical)
	require.Equal(t, 1, rollup.High)
	require.Equal(t, 1, rollup.Medium)
	require.Equal(t, 1, rollup.Low)
}

func TestSelectorTickEnqueuesEligibleCandidatesOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	deriv, err := store.InsertDerivation(ctx, forgemodel.Derivation{
		Kind:      forgemodel.KindSystem,
		Status:    forgemodel.StatusBuildComplete,
		StorePath: "/nix/store/abc-system",
	})
	require.NoError(t, err)

	sel := NewSelector(store, store, Options{}, nil)
	sel.tick(ctx)

	scan, found, err := store.GetLatestScan(ctx, deriv.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, forgemodel.ScanPending, scan.Status)

	// A second tick must not enqueue a duplicate while one is outstanding.
	sel.tick(ctx)
	candidates, err := store.ListScanCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	latest, found, err := store.GetLatestScan(ctx, deriv.ID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, scan.ID, latest.ID)
}
