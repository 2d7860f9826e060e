package cachepush

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	base := time.Second
	require.Equal(t, time.Second, Backoff(0, base))
	require.Equal(t, 2*time.Second, Backoff(1, base))
	require.Equal(t, 4*time.Second, Backoff(2, base))
	require.Equal(t, 8*time.Second, Backoff(3, base))
}

func TestBackoffClampsNegativeAttempts(t *testing.T) {
	require.Equal(t, time.Minute, Backoff(-3, time.Minute))
}

func TestIsTerminalPushError(t *testing.T) {
	cases := []struct {
		text     string
		terminal bool
	}{
		{"SSL connect error: handshake failure", true},
		{"certificate verify failed: unable to get local issuer", true},
		{"Name or service not known", true},
		{"error: no substituter that can build it", true},
		{"error: don't know how to build these paths", true},
		{"connection reset by peer", false},
		{"timeout pushing to cache", false},
	}
	for _, c := range cases {
		require.Equal(t, c.terminal, IsTerminalPushError(c.text), c.text)
	}
}

func TestGCRootPathIsStablePerJob(t *testing.T) {
	require.Equal(t, "/tmp/pushes/push-42", GCRootPath("/tmp/pushes", 42))
	require.NotEqual(t, GCRootPath("/tmp/pushes", 1), GCRootPath("/tmp/pushes", 2))
}
