package agentedge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage/memory"
)

func newSignedSystem(t *testing.T, store *memory.Store, hostname string) (ed25519.PrivateKey, forgemodel.System) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var key [32]byte
	copy(key[:], pub)
	sys := store.AddSystem(forgemodel.System{Hostname: hostname, Active: true, PublicKey: key, Policy: forgemodel.PolicyAutoLatest})
	return priv, sys
}

func sign(t *testing.T, priv ed25519.PrivateKey, body []byte) string {
	t.Helper()
	sig := ed25519.Sign(priv, body)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestReportRejectsBadSignature(t *testing.T) {
	store := memory.New()
	priv, _ := newSignedSystem(t, store, "host-a")
	_ = priv

	server := httptest.NewServer(NewHTTPHandler(store, RateLimit{}, nil))
	defer server.Close()

	body := []byte(`{"hostname":"host-a","change_reason":"heartbeat"}`)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/agent/heartbeat", bytes.NewReader(body))
	req.Header.Set(KeyIDHeader, "host-a")
	req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestReportUnknownHostRejected(t *testing.T) {
	store := memory.New()
	server := httptest.NewServer(NewHTTPHandler(store, RateLimit{}, nil))
	defer server.Close()

	body := []byte(`{"hostname":"ghost","change_reason":"heartbeat"}`)
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/agent/heartbeat", bytes.NewReader(body))
	req.Header.Set(KeyIDHeader, "ghost")
	req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(make([]byte, ed25519.SignatureSize)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// TestSchemaFallbackThenHeartbeatDedup reproduces spec.md §8 scenario 5:
// a legacy v1 payload is accepted with 202 and writes a full state row;
// an equivalent current-schema heartbeat that follows only writes a
// heartbeat row referencing that state.
func TestSchemaFallbackThenHeartbeatDedup(t *testing.T) {
	store := memory.New()
	priv, sys := newSignedSystem(t, store, "host-a")

	server := httptest.NewServer(NewHTTPHandler(store, RateLimit{}, nil))
	defer server.Close()

	v1Body, err := json.Marshal(map[string]any{
		"hostname":       "host-a",
		"change_reason":  "agent-heartbeat",
		"system_target":  "flake#host-a",
		"os_name":        "NixOS",
		"kernel_version": "6.6",
		"uptime":         100,
		"fingerprint":    map[string]string{"arch": "x86_64"},
	})
	require.NoError(t, err)

	req1, _ := http.NewRequest(http.MethodPost, server.URL+"/agent/heartbeat", bytes.NewReader(v1Body))
	req1.Header.Set(KeyIDHeader, "host-a")
	req1.Header.Set(SignatureHeader, sign(t, priv, v1Body))
	resp1, err := http.DefaultClient.Do(req1)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp1.StatusCode, "legacy schema should be accepted as 202")

	latest, ok, err := store.LatestState(context.Background(), sys.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, forgemodel.ReasonStateDelta, latest.ChangeReason, "agent-heartbeat remaps to state_delta per spec.md's worked example")

	v2Body, err := json.Marshal(map[string]any{
		"hostname":        "host-a",
		"change_reason":   "heartbeat",
		"current_target":  "flake#host-a",
		"os":              "NixOS",
		"kernel":          "6.6",
		"uptime_seconds":  150,
		"fingerprint":     map[string]string{"arch": "x86_64"},
	})
	require.NoError(t, err)

	req2, _ := http.NewRequest(http.MethodPost, server.URL+"/agent/heartbeat", bytes.NewReader(v2Body))
	req2.Header.Set(KeyIDHeader, "host-a")
	req2.Header.Set(SignatureHeader, sign(t, priv, v2Body))
	resp2, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp2.StatusCode, "current schema heartbeat should be accepted as 200")

	var decoded response
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&decoded))
	require.Equal(t, sys.DesiredTarget, decoded.DesiredTarget)
}

func TestStatesEquivalentIgnoresUptimeAndTimestamp(t *testing.T) {
	a := forgemodel.SystemState{SystemID: 1, CurrentTarget: "x", OS: "NixOS", Kernel: "6.6", UptimeSeconds: 10}
	b := forgemodel.SystemState{SystemID: 1, CurrentTarget: "x", OS: "NixOS", Kernel: "6.6", UptimeSeconds: 99999}
	require.True(t, statesEquivalent(a, b))

	c := b
	c.CurrentTarget = "y"
	require.False(t, statesEquivalent(a, c))
}
