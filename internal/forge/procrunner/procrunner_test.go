package procrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStreamsStdoutAndSucceeds(t *testing.T) {
	res, err := Run(context.Background(), []string{"sh", "-c", "echo hello; echo world"}, Options{Name: "test-echo"})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Equal(t, []string{"hello", "world"}, res.Stdout)
}

func TestRunReturnsTerminalErrorOnNonZeroExit(t *testing.T) {
	_, err := Run(context.Background(), []string{"sh", "-c", "exit 7"}, Options{Name: "test-fail"})
	require.Error(t, err)
	require.False(t, IsIsolationError(err))
}

func TestRunFiresHeartbeat(t *testing.T) {
	var calls int
	_, err := Run(context.Background(), []string{"sh", "-c", "sleep 0.3"}, Options{
		Name:              "test-heartbeat",
		HeartbeatInterval: 50 * time.Millisecond,
		Heartbeat: func(time.Duration, string, time.Duration) {
			calls++
		},
	})
	require.NoError(t, err)
	require.Greater(t, calls, 0)
}

func TestRunKillsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := Run(ctx, []string{"sh", "-c", "sleep 5"}, Options{Name: "test-cancel"})
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestIsSystemdFailureDetectsIsolationErrors(t *testing.T) {
	require.True(t, isSystemdFailure("Failed to create scope: Access denied (org.freedesktop.DBus.Error)"))
	require.False(t, isSystemdFailure("builder for '/nix/store/x.drv' failed with exit code 1"))
}
