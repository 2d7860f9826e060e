// Package cachepush implements the Cache-Push Queue (C7): a bounded pool
// of workers that claim pending/retryable jobs and upload built store
// paths to a binary cache. The cache destination is modeled as a tagged
// variant (spec.md §9): each CacheBackend produces a (program, args, env)
// triple consumed by the Process Runner, with no reflection-based
// dispatch. Grounded on original_source's derivations/cache.rs, most
// directly its Attic-specific login/retry handling.
package cachepush

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/crystalforge/forge/internal/forge/config"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// CacheBackend produces the command Process Runner should execute to push
// a store path to one configured cache destination.
type CacheBackend interface {
	// Name identifies the backend in logs ("attic", "s3", "http", "nix").
	Name() string
	// PushCommand returns the argv and extra environment entries for
	// pushing storePath. Called fresh for every attempt since some
	// backends (Attic) mutate their args between a first attempt and a
	// post-401 retry.
	PushCommand(storePath string) (argv []string, env []string)
}

// LoginCapable is implemented by backends that require a one-time-per-
// process login step before pushing, and that can detect an
// authentication failure worth retrying once after a fresh login
// (spec.md §4.7: "ensure a one-time-per-process login step and, on
// 401/invalid-token responses, clear the login cache and retry once").
type LoginCapable interface {
	EnsureLogin(ctx context.Context, log *forgelog.Logger) error
	ClearLogin()
	IsUnauthorized(stderr string) bool
}

// NewBackend selects a CacheBackend from configuration. Unknown backend
// names fall back to NixBackend, matching `nix copy` as the universal tool.
func NewBackend(cfg config.CacheConfig) CacheBackend {
	switch strings.ToLower(cfg.Backend) {
	case "attic":
		return NewAtticBackend(cfg)
	case "s3":
		return S3Backend{Bucket: cfg.Bucket, Endpoint: cfg.Endpoint}
	case "http":
		return HTTPBackend{Endpoint: cfg.Endpoint, Username: cfg.Username, Password: cfg.Password}
	default:
		return NixBackend{Endpoint: cfg.Endpoint}
	}
}

// AtticBackend pushes to an Attic binary cache server, caching a
// successful login for the lifetime of the process (one login per
// remote, not per push) and supporting a clear-and-retry cycle on 401.
type AtticBackend struct {
	Endpoint string
	Token    string
	Remote   string

	mu     sync.Mutex
	logged map[string]bool
}

// NewAtticBackend builds an Attic backend from cache configuration,
// defaulting the remote name to "local" as the original tool does when
// ATTIC_REMOTE_NAME is unset.
func NewAtticBackend(cfg config.CacheConfig) *AtticBackend {
	remote := cfg.Username
	if remote == "" {
		remote = "local"
	}
	return &AtticBackend{Endpoint: cfg.Endpoint, Token: cfg.Password, Remote: remote, logged: make(map[string]bool)}
}

func (a *AtticBackend) Name() string { return "attic" }

// PushCommand runs `attic push <remote>:<bucket-or-cache-name> <path>`
// under the service account's HOME so credentials persist across pushes.
func (a *AtticBackend) PushCommand(storePath string) ([]string, []string) {
	target := a.Remote
	if !strings.Contains(target, ":") {
		target = fmt.Sprintf("%s:%s", a.Remote, "default")
	}
	argv := []string{"attic", "push", target, storePath, "-vv"}
	env := []string{
		"HOME=/var/lib/crystal-forge",
		"XDG_CONFIG_HOME=/var/lib/crystal-forge/.config",
	}
	return argv, env
}

// EnsureLogin runs `attic login` once per remote per process.
func (a *AtticBackend) EnsureLogin(ctx context.Context, log *forgelog.Logger) error {
	a.mu.Lock()
	if a.logged[a.Remote] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	return a.login(ctx, log)
}

func (a *AtticBackend) login(ctx context.Context, log *forgelog.Logger) error {
	argv := []string{"attic", "login", a.Remote, a.Endpoint, a.Token}
	env := []string{
		"HOME=/var/lib/crystal-forge",
		"XDG_CONFIG_HOME=/var/lib/crystal-forge/.config",
	}
	if err := runLogin(ctx, argv, env, log); err != nil {
		return err
	}
	a.mu.Lock()
	a.logged[a.Remote] = true
	a.mu.Unlock()
	return nil
}

// ClearLogin forgets the cached login so the next EnsureLogin re-authenticates.
func (a *AtticBackend) ClearLogin() {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.logged, a.Remote)
}

// IsUnauthorized reports whether stderr indicates an expired or invalid token.
func (a *AtticBackend) IsUnauthorized(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "unauthorized") || strings.Contains(lower, "401") || strings.Contains(lower, "invalid token")
}

// S3Backend pushes via `nix copy --to s3://bucket?endpoint=...`.
type S3Backend struct {
	Bucket   string
	Endpoint string
}

func (S3Backend) Name() string { return "s3" }

func (s S3Backend) PushCommand(storePath string) ([]string, []string) {
	dest := fmt.Sprintf("s3://%s", s.Bucket)
	if s.Endpoint != "" {
		dest = fmt.Sprintf("%s?endpoint=%s", dest, s.Endpoint)
	}
	return []string{"nix", "copy", "--to", dest, storePath}, nil
}

// HTTPBackend pushes via `nix copy --to https://host`, optionally
// authenticating with a username/password pair passed to the push command
// as the NIX_BINARY_CACHE_USERNAME and NIX_BINARY_CACHE_PASSWORD
// environment variables.
type HTTPBackend struct {
	Endpoint string
	Username string
	Password string
}

func (HTTPBackend) Name() string { return "http" }

func (h HTTPBackend) PushCommand(storePath string) ([]string, []string) {
	var env []string
	if h.Username != "" {
		env = append(env, "NIX_BINARY_CACHE_USERNAME="+h.Username, "NIX_BINARY_CACHE_PASSWORD="+h.Password)
	}
	return []string{"nix", "copy", "--to", h.Endpoint, storePath}, env
}

// NixBackend pushes to a plain Nix store URL (`file://`, `ssh://`, or a
// local cache directory), the fallback for any unrecognized backend name.
type NixBackend struct {
	Endpoint string
}

func (NixBackend) Name() string { return "nix" }

func (n NixBackend) PushCommand(storePath string) ([]string, []string) {
	return []string{"nix", "copy", "--to", n.Endpoint, storePath}, nil
}
