// Package config loads Crystal Forge's TOML configuration file and applies
// environment-variable overrides declared by "env" struct tags, decoded
// with the teacher's own github.com/joeshaw/envdecode the same way
// pkg/config.Load does: TOML (here; YAML there) populates defaults first,
// then envdecode.Decode overrides only the fields whose variable is set.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pelletier/go-toml/v2"

	"github.com/crystalforge/forge/pkg/forgelog"
)

// DefaultConfigPath is used when CRYSTAL_FORGE_CONFIG is unset.
const DefaultConfigPath = "/etc/crystal-forge/forge.toml"

// ConfigPathEnvVar names the environment variable that overrides the
// config file location.
const ConfigPathEnvVar = "CRYSTAL_FORGE_CONFIG"

// DatabaseConfig configures the Postgres connection pool.
type DatabaseConfig struct {
	DSN             string        `toml:"dsn" env:"CRYSTAL_FORGE_DB_DSN"`
	MaxOpenConns    int           `toml:"max_open_conns" env:"CRYSTAL_FORGE_DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `toml:"max_idle_conns" env:"CRYSTAL_FORGE_DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime" env:"CRYSTAL_FORGE_DB_CONN_MAX_LIFETIME"`
}

// ServerConfig configures the Agent Edge HTTP listener.
type ServerConfig struct {
	Addr           string   `toml:"addr" env:"CRYSTAL_FORGE_SERVER_ADDR"`
	APITokens      []string `toml:"api_tokens" env:"CRYSTAL_FORGE_API_TOKENS"`
	RateLimitRPS   float64  `toml:"rate_limit_rps" env:"CRYSTAL_FORGE_RATE_LIMIT_RPS"`
	RateLimitBurst int      `toml:"rate_limit_burst" env:"CRYSTAL_FORGE_RATE_LIMIT_BURST"`
}

// FlakesConfig configures commit polling and declares the watched
// repositories: flakes are seeded from configuration at every startup and
// never deleted (spec.md §9's lifecycle notes).
type FlakesConfig struct {
	PollInterval time.Duration `toml:"poll_interval" env:"CRYSTAL_FORGE_FLAKES_POLL_INTERVAL"`
	// PollSchedule, when set, is a standard five-field cron expression
	// (e.g. "0 2 * * 1-5") that overrides PollInterval for the poller's
	// tick cadence, letting an operator express a polling policy richer
	// than a bare fixed period.
	PollSchedule string        `toml:"poll_schedule" env:"CRYSTAL_FORGE_FLAKES_POLL_SCHEDULE"`
	GitTimeout   time.Duration `toml:"git_timeout" env:"CRYSTAL_FORGE_FLAKES_GIT_TIMEOUT"`
	Watch        []FlakeEntry  `toml:"watch"`
}

// FlakeEntry declares one watched repository in the `[[flakes.watch]]`
// TOML array-of-tables.
type FlakeEntry struct {
	Name         string        `toml:"name"`
	RepoURL      string        `toml:"repo_url"`
	AutoPoll     bool          `toml:"auto_poll"`
	PollInterval time.Duration `toml:"poll_interval"`
}

// EnvironmentsConfig lists the environment names systems may declare
// membership in (e.g. "production", "staging"); purely descriptive -- it
// constrains nothing at runtime beyond documenting the fleet's shape.
type EnvironmentsConfig struct {
	Names []string `toml:"names"`
}

// SystemsConfig declares the target hosts the agent edge accepts reports
// from. Each entry is upserted into the systems table at startup
// (spec.md §3's System entity; registration is declarative, not via an
// admin API, since that surface is out of scope here).
type SystemsConfig struct {
	Register []SystemEntry `toml:"register"`
}

// SystemEntry declares one target host in the `[[systems.register]]`
// TOML array-of-tables.
type SystemEntry struct {
	Hostname        string `toml:"hostname"`
	Environment     string `toml:"environment"`
	PublicKeyBase64 string `toml:"public_key"`
	Flake           string `toml:"flake"`
	Policy          string `toml:"policy"`
}

// BuildConfig configures derivation evaluation and the builder pool.
type BuildConfig struct {
	WorkerCount          int           `toml:"worker_count" env:"CRYSTAL_FORGE_BUILD_WORKER_COUNT"`
	EvalTimeout          time.Duration `toml:"eval_timeout" env:"CRYSTAL_FORGE_BUILD_EVAL_TIMEOUT"`
	BuildTimeout         time.Duration `toml:"build_timeout" env:"CRYSTAL_FORGE_BUILD_TIMEOUT"`
	UseSystemdScope      bool          `toml:"use_systemd_scope" env:"CRYSTAL_FORGE_BUILD_USE_SYSTEMD_SCOPE"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval" env:"CRYSTAL_FORGE_BUILD_HEARTBEAT_INTERVAL"`
	WaitForCachePush     bool          `toml:"wait_for_cache_push" env:"CRYSTAL_FORGE_BUILD_WAIT_FOR_CACHE_PUSH"`
	ReservationStaleAfter time.Duration `toml:"reservation_stale_after" env:"CRYSTAL_FORGE_BUILD_RESERVATION_STALE_AFTER"`
}

// CacheConfig configures binary cache pushes.
type CacheConfig struct {
	Backend       string        `toml:"backend" env:"CRYSTAL_FORGE_CACHE_BACKEND"`
	Endpoint      string        `toml:"endpoint" env:"CRYSTAL_FORGE_CACHE_ENDPOINT"`
	Bucket        string        `toml:"bucket" env:"CRYSTAL_FORGE_CACHE_BUCKET"`
	Username      string        `toml:"username" env:"CRYSTAL_FORGE_CACHE_USERNAME"`
	Password      string        `toml:"password" env:"CRYSTAL_FORGE_CACHE_PASSWORD"`
	MaxRetries    int           `toml:"max_retries" env:"CRYSTAL_FORGE_CACHE_MAX_RETRIES"`
	RetryDelay    time.Duration `toml:"retry_delay" env:"CRYSTAL_FORGE_CACHE_RETRY_DELAY"`
	PushTimeout   time.Duration `toml:"push_timeout" env:"CRYSTAL_FORGE_CACHE_PUSH_TIMEOUT"`
}

// VulnixConfig configures the vulnerability scanner component.
type VulnixConfig struct {
	BinaryPath   string        `toml:"binary_path" env:"CRYSTAL_FORGE_VULNIX_BINARY_PATH"`
	ScanTimeout  time.Duration `toml:"scan_timeout" env:"CRYSTAL_FORGE_VULNIX_SCAN_TIMEOUT"`
	WorkerCount  int           `toml:"worker_count" env:"CRYSTAL_FORGE_VULNIX_WORKER_COUNT"`
}

// DeploymentConfig configures the deployment evaluator loop.
type DeploymentConfig struct {
	EvalInterval time.Duration `toml:"eval_interval" env:"CRYSTAL_FORGE_DEPLOYMENT_EVAL_INTERVAL"`
}

// Config is the root configuration object loaded from TOML and overridden
// by environment variables.
type Config struct {
	Database     DatabaseConfig     `toml:"database"`
	Server       ServerConfig       `toml:"server"`
	Flakes       FlakesConfig       `toml:"flakes"`
	Build        BuildConfig        `toml:"build"`
	Cache        CacheConfig        `toml:"cache"`
	Vulnix       VulnixConfig       `toml:"vulnix"`
	Deployment   DeploymentConfig   `toml:"deployment"`
	Environments EnvironmentsConfig `toml:"environments"`
	Systems      SystemsConfig      `toml:"systems"`
	Logging      forgelog.Config    `toml:"logging"`
}

// Defaults returns a Config populated with the values a fresh install
// should run with.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Server: ServerConfig{
			Addr:           ":8420",
			RateLimitRPS:   5,
			RateLimitBurst: 10,
		},
		Flakes: FlakesConfig{
			PollInterval: 30 * time.Second,
			GitTimeout:   20 * time.Second,
		},
		Build: BuildConfig{
			WorkerCount:           4,
			EvalTimeout:           2 * time.Minute,
			BuildTimeout:          2 * time.Hour,
			UseSystemdScope:       true,
			HeartbeatInterval:     5 * time.Second,
			WaitForCachePush:      true,
			ReservationStaleAfter: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Backend:     "attic",
			MaxRetries:  5,
			RetryDelay:  1 * time.Minute,
			PushTimeout: 10 * time.Minute,
		},
		Vulnix: VulnixConfig{
			BinaryPath:  "vulnix",
			ScanTimeout: 2 * time.Minute,
			WorkerCount: 2,
		},
		Deployment: DeploymentConfig{
			EvalInterval: 15 * time.Second,
		},
		Logging: forgelog.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads the config file at path (or DefaultConfigPath, or
// CRYSTAL_FORGE_CONFIG if path is empty) and applies env-var overrides on
// top of it.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path == "" {
		path = DefaultConfigPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// envdecode.Decode only overwrites fields whose tagged environment
	// variable is actually set, leaving the TOML-populated defaults above
	// alone otherwise; it errors when nothing in the environment matched
	// any tag, which is the common case for a local run and not a real
	// failure (same tolerance as the teacher's pkg/config.Load).
	if err := envdecode.Decode(&cfg); err != nil && !strings.Contains(err.Error(), "none of the target fields were set") {
		return nil, fmt.Errorf("apply environment overrides: %w", err)
	}

	return &cfg, nil
}
