// Package procrunner executes external processes (nix-store, nix, vulnix)
// with optional systemd-run isolation, streaming stdout/stderr to a
// logger, and periodic heartbeat callbacks so long builds stay observable.
// When systemd itself is at fault Run returns a KindIsolation error and
// does not retry on its own; callers check IsIsolationError and rerun
// without isolation, grounded on Crystal Forge's original Rust builder.
package procrunner

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgeerr"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// HeartbeatFunc is invoked on a fixed interval while a command runs. It
// receives the elapsed run time, the most recently observed "current
// target" line (if any), and how long it has been since output was last
// seen.
type HeartbeatFunc func(elapsed time.Duration, currentTarget string, sinceLastOutput time.Duration)

// Options configures one invocation of Run.
type Options struct {
	// Name labels the operation in log lines ("nix-store realise", ...).
	Name string
	// Env, when non-nil, is the subprocess's whole environment as
	// "KEY=VALUE" pairs; nothing else is inherited from the parent (the
	// binary itself is still located through the parent's PATH). When
	// Env is nil the subprocess inherits the parent's full environment.
	Env []string
	// UseSystemdScope wraps argv in `systemd-run --scope --collect --quiet --`
	// when true. On a systemd-specific failure the caller should retry
	// with this false (see IsIsolationError).
	UseSystemdScope bool
	// HeartbeatInterval controls how often Heartbeat fires; zero disables it.
	HeartbeatInterval time.Duration
	Heartbeat         HeartbeatFunc
	Log               *forgelog.Logger
}

// Result carries a completed command's combined state.
type Result struct {
	ExitCode int
	Stdout   []string
	Stderr   []string
}

// Run executes argv[0] with argv[1:], optionally wrapped in a systemd
// scope, streaming both output streams concurrently and firing Heartbeat
// on the configured interval. It blocks until the process exits or ctx is
// canceled, in which case the process is killed.
func Run(ctx context.Context, argv []string, opts Options) (Result, error) {
	if len(argv) == 0 {
		return Result{}, forgeerr.New(forgeerr.KindValidation, "procrunner: empty argv")
	}

	name := opts.Name
	if name == "" {
		name = argv[0]
	}
	log := opts.Log
	if log == nil {
		log = forgelog.NewDefault("procrunner")
	}

	fullArgv := argv
	if opts.UseSystemdScope {
		fullArgv = wrapSystemdScope(argv)
	}

	cmd := exec.CommandContext(ctx, fullArgv[0], fullArgv[1:]...)
	cmd.Env = opts.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, forgeerr.WrapKind(forgeerr.KindIsolation, err, "attach stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, forgeerr.WrapKind(forgeerr.KindIsolation, err, "attach stderr pipe")
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, forgeerr.WrapKind(forgeerr.KindIsolation, err, "spawn "+name)
	}
	log.WithField("op", name).WithField("pid", cmd.Process.Pid).Info("process started")

	var (
		mu            sync.Mutex
		lastOutput    = time.Now()
		currentTarget string
		stdoutLines   []string
		stderrLines   []string
	)

	noteLine := func(line string, dst *[]string) {
		mu.Lock()
		lastOutput = time.Now()
		if strings.Contains(line, "building '") || strings.Contains(line, "copying path '") {
			currentTarget = line
		}
		*dst = append(*dst, line)
		mu.Unlock()
		log.WithField("op", name).Debug(line)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); streamLines(stdout, func(l string) { noteLine(l, &stdoutLines) }) }()
	go func() { defer wg.Done(); streamLines(stderr, func(l string) { noteLine(l, &stderrLines) }) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	if opts.HeartbeatInterval > 0 && opts.Heartbeat != nil {
		ticker := time.NewTicker(opts.HeartbeatInterval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					mu.Lock()
					target := currentTarget
					since := time.Since(lastOutput)
					mu.Unlock()
					opts.Heartbeat(time.Since(start), target, since)
				}
			}
		}()
	}

	<-done
	waitErr := cmd.Wait()

	res := Result{Stdout: stdoutLines, Stderr: stderrLines}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil {
		if ctx.Err() != nil {
			return res, forgeerr.WrapKind(forgeerr.KindTransient, ctx.Err(), name+" canceled")
		}
		kind := forgeerr.KindTerminal
		if isSystemdFailure(strings.Join(stderrLines, "\n")) {
			kind = forgeerr.KindIsolation
		}
		return res, forgeerr.WrapKind(kind, waitErr, name+" failed")
	}
	return res, nil
}

func streamLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}

func wrapSystemdScope(argv []string) []string {
	out := []string{"systemd-run", "--scope", "--collect", "--quiet", "--"}
	return append(out, argv...)
}

// isSystemdFailure mirrors the Rust original's is_systemd_error: callers
// use this to decide whether to retry a UseSystemdScope invocation with
// isolation disabled.
func isSystemdFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, needle := range []string{"systemd", "dbus", "scope", "failed to create"} {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// IsIsolationError reports whether err (as returned by Run) indicates a
// systemd-isolation-specific failure the caller should retry without
// UseSystemdScope.
func IsIsolationError(err error) bool {
	return forgeerr.Is(err, forgeerr.KindIsolation)
}
