package builder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRealiseOutputsExtractsEveryStorePath(t *testing.T) {
	lines := []string{
		"these derivations will be built:",
		"  /nix/store/abc-drv.drv",
		"building '/nix/store/abc-drv.drv'...",
		"/nix/store/out1-foo",
		"/nix/store/out2-foo-dev",
	}
	got := ParseRealiseOutputs(lines)
	require.Equal(t, []string{"/nix/store/out1-foo", "/nix/store/out2-foo-dev"}, got)
}

func TestParseRealiseOutputsEmptyWhenNoStorePath(t *testing.T) {
	require.Empty(t, ParseRealiseOutputs([]string{"building...", "error: build failed"}))
}

func TestGCRootPathIsDeterministicPerDerivation(t *testing.T) {
	a := GCRootPath("/var/lib/forge/gcroots/builds", 42)
	b := GCRootPath("/var/lib/forge/gcroots/builds", 42)
	c := GCRootPath("/var/lib/forge/gcroots/builds", 43)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, "/var/lib/forge/gcroots/builds/derivation-42", a)
}

func TestRealiseCommandShape(t *testing.T) {
	argv := RealiseCommand("/nix/store/x.drv", "/var/lib/forge/gcroots/builds/derivation-1")
	require.Equal(t, []string{
		"nix-store", "--realise", "/nix/store/x.drv",
		"--add-root", "/var/lib/forge/gcroots/builds/derivation-1", "--indirect",
	}, argv)
}

func TestOptionsWithDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	require.Equal(t, 4, o.WorkerCount)
	require.Equal(t, "/var/lib/crystal-forge/gcroots/builds", o.GCRootDir)
	require.Greater(t, o.BuildTimeout, o.HeartbeatInterval)
}
