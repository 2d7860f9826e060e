// Package agentedge implements the Agent Edge (C10): the signed HTTP
// surface on-host agents report heartbeats and state changes to. It
// verifies an Ed25519 signature over the raw request body, falls back to
// a prior schema version when the current one fails to parse, and
// distinguishes a routine heartbeat from a real configuration change by
// diffing against the host's latest recorded state. HTTP surface
// grounded on internal/app/jam/http.go: a chi router, a manual auth
// gate ahead of business logic, and the same writeJSON/writeError
// helpers.
package agentedge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/ed25519"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/metrics"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// KeyIDHeader names the header carrying the reporting host's hostname.
const KeyIDHeader = "X-Key-ID"

// SignatureHeader names the header carrying the base64 Ed25519 signature
// over the raw request body.
const SignatureHeader = "X-Signature"

// payloadV2 is the current state-report schema.
type payloadV2 struct {
	Hostname      string            `json:"hostname"`
	ChangeReason  string            `json:"change_reason"`
	CurrentTarget string            `json:"current_target"`
	OS            string            `json:"os"`
	Kernel        string            `json:"kernel"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Fingerprint   map[string]string `json:"fingerprint"`
}

// payloadV1 is the prior schema version this edge still accepts for
// agents that have not yet upgraded. Its change_reason values use the
// "agent-"-prefixed spelling the first agent release shipped with.
type payloadV1 struct {
	Hostname      string            `json:"hostname"`
	ChangeReason  string            `json:"change_reason"`
	CurrentTarget string            `json:"system_target"`
	OS            string            `json:"os_name"`
	Kernel        string            `json:"kernel_version"`
	UptimeSeconds int64             `json:"uptime"`
	Fingerprint   map[string]string `json:"fingerprint"`
}

// remapV1Reason translates a v1 change_reason onto its v2 equivalent.
func remapV1Reason(reason string) string {
	switch reason {
	case "agent-heartbeat":
		return string(forgemodel.ReasonStateDelta)
	case "agent-state":
		return string(forgemodel.ReasonStateDelta)
	default:
		return reason
	}
}

func (p payloadV1) toV2() payloadV2 {
	return payloadV2{
		Hostname:      p.Hostname,
		ChangeReason:  remapV1Reason(p.ChangeReason),
		CurrentTarget: p.CurrentTarget,
		OS:            p.OS,
		Kernel:        p.Kernel,
		UptimeSeconds: p.UptimeSeconds,
		Fingerprint:   p.Fingerprint,
	}
}

// response is the body every accepted agent report receives.
type response struct {
	DesiredTarget string `json:"desired_target,omitempty"`
}

// Handler serves the agent-facing HTTP surface.
type Handler struct {
	systems storage.SystemStore
	log     *forgelog.Logger
}

// New constructs the Agent Edge handler.
func New(systems storage.SystemStore, log *forgelog.Logger) *Handler {
	if log == nil {
		log = forgelog.NewDefault("agent-edge")
	}
	return &Handler{systems: systems, log: log}
}

// RateLimit configures the per-hostname token bucket guarding the agent
// report endpoints (spec.md §6 server config: rate_limit_rps/burst).
type RateLimit struct {
	RPS   float64
	Burst int
}

// NewHTTPHandler returns a chi router exposing the agent surface and the
// unauthenticated liveness endpoint. limit may be the zero value to run
// unlimited.
func NewHTTPHandler(systems storage.SystemStore, limit RateLimit, log *forgelog.Logger) http.Handler {
	h := New(systems, log)
	limiter := newHostRateLimiter(limit.RPS, limit.Burst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/agent/state", wrapRateLimit(limiter, h.report))
	r.Post("/agent/heartbeat", wrapRateLimit(limiter, h.report))
	r.Get("/status", h.status)
	r.Handle("/metrics", metrics.Handler())
	return metrics.InstrumentHandler(r)
}

// report implements spec.md §4.10 and §6's POST /agent/state, POST
// /agent/heartbeat contract.
func (h *Handler) report(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sig, err := base64.StdEncoding.DecodeString(r.Header.Get(SignatureHeader))
	if err != nil || len(sig) != ed25519.SignatureSize {
		writeError(w, http.StatusBadRequest, errors.New("malformed signature"))
		return
	}

	hostname := r.Header.Get(KeyIDHeader)
	if hostname == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing key id"))
		return
	}

	sys, ok, err := h.systems.GetSystemByHostname(r.Context(), hostname)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok || !sys.Active {
		writeError(w, http.StatusUnauthorized, errors.New("unknown or inactive system"))
		return
	}

	if !ed25519.Verify(sys.PublicKey[:], body, sig) {
		writeError(w, http.StatusUnauthorized, errors.New("signature verification failed"))
		return
	}

	payload, legacy, err := decodePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.persist(r.Context(), sys, payload); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	status := http.StatusOK
	if legacy {
		status = http.StatusAccepted
	}
	writeJSON(w, status, response{DesiredTarget: sys.DesiredTarget})
}

// decodePayload tries the current schema first and falls back to the
// prior schema version on failure, reporting whether the fallback fired
// (spec.md §4.10 step 4).
func decodePayload(body []byte) (payloadV2, bool, error) {
	var v2 payloadV2
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v2); err == nil && v2.ChangeReason != "" {
		return v2, false, nil
	}

	var v1 payloadV1
	if err := json.Unmarshal(body, &v1); err == nil && v1.ChangeReason != "" {
		return v1.toV2(), true, nil
	}

	return payloadV2{}, false, errors.New("unrecognized state payload schema")
}

// persist implements the heartbeat-vs-state-change rule from spec.md
// §4.10: a heartbeat payload that matches the latest stored state
// (excluding uptime and timestamp) only records a heartbeat row; any
// other payload, or one with no prior state, records a full state row.
func (h *Handler) persist(ctx context.Context, sys forgemodel.System, p payloadV2) error {
	state := forgemodel.SystemState{
		SystemID:      sys.ID,
		ChangeReason:  forgemodel.ChangeReason(p.ChangeReason),
		CurrentTarget: p.CurrentTarget,
		OS:            p.OS,
		Kernel:        p.Kernel,
		UptimeSeconds: p.UptimeSeconds,
		Fingerprint:   p.Fingerprint,
	}

	if state.ChangeReason == forgemodel.ReasonHeartbeat {
		latest, ok, err := h.systems.LatestState(ctx, sys.ID)
		if err != nil {
			return err
		}
		if ok && statesEquivalent(latest, state) {
			_, err := h.systems.RecordHeartbeat(ctx, forgemodel.AgentHeartbeat{SystemID: sys.ID, StateID: latest.ID})
			return err
		}
	}

	_, err := h.systems.RecordSystemState(ctx, state)
	return err
}

// statesEquivalent compares two states field-by-field excluding uptime
// and timestamp, per spec.md §4.10: "compared against the latest stored
// state for the host, field-by-field (excluding uptime and timestamp)".
func statesEquivalent(a, b forgemodel.SystemState) bool {
	return a.SystemID == b.SystemID &&
		a.CurrentTarget == b.CurrentTarget &&
		a.OS == b.OS &&
		a.Kernel == b.Kernel &&
		reflect.DeepEqual(a.Fingerprint, b.Fingerprint)
}

// status implements spec.md §6's GET /status: liveness plus a DB check.
// The DB check is implicit in ListActiveSystems succeeding; no separate
// ping is made, and the only count reported is the number of active
// systems.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	systems, err := h.systems.ListActiveSystems(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"active_systems": len(systems),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
