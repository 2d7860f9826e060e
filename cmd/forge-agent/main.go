// Command forge-agent runs on a target host, watching /run/current-system
// for changes, signing and reporting its state to the Agent Edge, and
// switching to whatever desired-target the edge hands back. Grounded on
// the original implementation's packages/agent (system_watcher.rs,
// main.rs) and packages/default/src/deployment/agent.rs, adapted from a
// raw-Postgres / inotify design onto the signed-HTTP contract spec.md §6
// actually specifies: a polling watch loop (no cgo inotify dependency)
// and a plain net/http client instead of a direct database connection.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/ed25519"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/procrunner"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// config is the agent's own minimal settings file, distinct from the
// server's config.Config: a target host only ever needs to know who to
// report to, which key to sign with, and where to pull cache artifacts.
type config struct {
	ServerURL        string        `toml:"server_url"`
	KeyPath          string        `toml:"key_path"`
	Hostname         string        `toml:"hostname"`
	CacheURL         string        `toml:"cache_url"`
	PollInterval     time.Duration `toml:"poll_interval"`
	DeploymentTimeout time.Duration `toml:"deployment_timeout"`
}

func defaultConfig() config {
	return config{
		ServerURL:         "http://localhost:8420",
		KeyPath:           "/var/lib/crystal-forge/agent.key",
		PollInterval:      10 * time.Second,
		DeploymentTimeout: 30 * time.Minute,
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", path, err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key %s: expected %d byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// reportPayload mirrors agentedge.payloadV2's current wire schema.
type reportPayload struct {
	Hostname      string            `json:"hostname"`
	ChangeReason  string            `json:"change_reason"`
	CurrentTarget string            `json:"current_target"`
	OS            string            `json:"os"`
	Kernel        string            `json:"kernel"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Fingerprint   map[string]string `json:"fingerprint"`
}

type reportResponse struct {
	DesiredTarget string `json:"desired_target"`
}

func main() {
	if err := run(); err != nil {
		log.Printf("error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/var/lib/crystal-forge/agent.toml", "path to the agent's config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("determine hostname: %w", err)
		}
		cfg.Hostname = hostname
	}

	priv, err := loadKey(cfg.KeyPath)
	if err != nil {
		return err
	}

	logger := forgelog.NewDefault("agent")
	a := &agent{cfg: cfg, priv: priv, client: &http.Client{Timeout: 15 * time.Second}, log: logger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	a.tick(ctx, string(forgemodel.ReasonHeartbeat))
	for range ticker.C {
		a.tick(ctx, string(forgemodel.ReasonHeartbeat))
	}
	return nil
}

type agent struct {
	cfg           config
	priv          ed25519.PrivateKey
	client        *http.Client
	log           *forgelog.Logger
	lastTarget    string
	haveLastState bool
}

// tick reads the current system symlink, reports it, and switches to any
// new desired target the edge returns. changeReason defaults to
// "heartbeat"; the first report after a detected symlink change is sent
// as "state_delta" so the edge always records a full row for it.
func (a *agent) tick(ctx context.Context, changeReason string) {
	current, err := readCurrentSystem()
	if err != nil {
		a.log.WithError(err).Warn("read current-system symlink")
		return
	}

	reason := changeReason
	if a.haveLastState && current != a.lastTarget {
		reason = string(forgemodel.ReasonStateDelta)
	}
	a.lastTarget = current
	a.haveLastState = true

	resp, err := a.report(ctx, reason, current)
	if err != nil {
		a.log.WithError(err).Error("report state")
		return
	}

	if resp.DesiredTarget == "" || resp.DesiredTarget == current {
		return
	}
	if !strings.HasPrefix(resp.DesiredTarget, "/nix/store/") {
		a.log.WithField("target", resp.DesiredTarget).Warn("desired target is not a store path, cannot deploy")
		return
	}

	if err := a.deploy(ctx, resp.DesiredTarget); err != nil {
		a.log.WithError(err).WithField("target", resp.DesiredTarget).Error("deployment failed")
		return
	}
	a.lastTarget = resp.DesiredTarget
}

func readCurrentSystem() (string, error) {
	target, err := os.Readlink("/run/current-system")
	if err != nil {
		return "", err
	}
	return target, nil
}

func uptimeSeconds() int64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}
	var seconds float64
	if _, err := fmt.Sscanf(string(data), "%f", &seconds); err != nil {
		return 0
	}
	return int64(seconds)
}

func (a *agent) report(ctx context.Context, changeReason, currentTarget string) (reportResponse, error) {
	payload := reportPayload{
		Hostname:      a.cfg.Hostname,
		ChangeReason:  changeReason,
		CurrentTarget: currentTarget,
		OS:            "NixOS",
		Kernel:        runtime.GOOS + "/" + runtime.GOARCH,
		UptimeSeconds: uptimeSeconds(),
		Fingerprint:   map[string]string{"arch": runtime.GOARCH},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return reportResponse{}, err
	}

	endpoint := "/agent/heartbeat"
	if changeReason == string(forgemodel.ReasonStateDelta) {
		endpoint = "/agent/state"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.ServerURL+endpoint, bytes.NewReader(body))
	if err != nil {
		return reportResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Key-ID", a.cfg.Hostname)
	sig := ed25519.Sign(a.priv, body)
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))

	resp, err := a.client.Do(req)
	if err != nil {
		return reportResponse{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return reportResponse{}, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return reportResponse{}, fmt.Errorf("agent edge returned %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode == http.StatusAccepted {
		a.log.Warn("server accepted this report via a legacy schema fallback; upgrade this agent")
	}

	var out reportResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return reportResponse{}, err
	}
	return out, nil
}

// deploy copies the desired store path from the configured binary cache
// and activates it under a named systemd scope, falling back to direct
// execution if systemd-run itself is unavailable. Grounded on
// deployment/agent.rs's deploy_store_path_from_cache, reworked onto
// procrunner.Run instead of a hand-rolled tokio process pipeline.
func (a *agent) deploy(ctx context.Context, storePath string) error {
	if a.cfg.CacheURL == "" {
		return fmt.Errorf("cannot deploy store path %s: no cache_url configured", storePath)
	}

	deployCtx, cancel := context.WithTimeout(ctx, a.cfg.DeploymentTimeout)
	defer cancel()

	copyArgv := []string{"nix", "copy", "--from", a.cfg.CacheURL, storePath}
	if _, err := procrunner.Run(deployCtx, copyArgv, procrunner.Options{
		Name: "nix copy",
		Log:  a.log,
	}); err != nil {
		return fmt.Errorf("copy from cache: %w", err)
	}

	switchScript := storePath + "/bin/switch-to-configuration"
	switchArgv := []string{switchScript, "switch"}
	switchOpts := procrunner.Options{
		Name:            "switch-to-configuration",
		UseSystemdScope: true,
		Log:             a.log,
	}
	_, err := procrunner.Run(deployCtx, switchArgv, switchOpts)
	if err != nil && procrunner.IsIsolationError(err) {
		a.log.WithError(err).Warn("systemd isolation failed, retrying without it")
		switchOpts.UseSystemdScope = false
		_, err = procrunner.Run(deployCtx, switchArgv, switchOpts)
	}
	if err != nil {
		return fmt.Errorf("switch to configuration: %w", err)
	}

	a.log.WithField("target", storePath).Info("deployment complete")
	return nil
}
