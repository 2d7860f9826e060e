package cachepush

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/metrics"
	"github.com/crystalforge/forge/internal/forge/procrunner"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// terminalErrorNeedles mirrors push_to_cache_with_retry's hard-coded
// terminal-error recognition: retrying these wastes the backoff budget on
// a failure mode that will never clear on its own.
var terminalErrorNeedles = []string{
	"ssl connect error",
	"certificate verify failed",
	"name or service not known",
	"no substituter that can build it",
	"don't know how to build these paths",
}

// IsTerminalPushError reports whether stderr/err text matches one of the
// non-retryable failure modes (TLS, DNS, missing substituter, unbuildable
// paths).
func IsTerminalPushError(text string) bool {
	lower := strings.ToLower(text)
	for _, needle := range terminalErrorNeedles {
		if strings.Contains(lower, needle) {
			return true
		}
	}
	return false
}

// Backoff returns the retry delay for a given attempt count, matching
// the configured 2^attempts schedule (spec.md §4.7).
func Backoff(attempts int, base time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	return base * time.Duration(1<<uint(attempts))
}

// Options configures the cache-push queue.
type Options struct {
	WorkerCount    int
	GCRootDir      string
	PushTimeout    time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	IdleSleep      time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerCount <= 0 {
		o.WorkerCount = 2
	}
	if o.GCRootDir == "" {
		o.GCRootDir = "/var/lib/crystal-forge/gcroots/pushes"
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = 10 * time.Minute
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = forgemodel.MaxPushAttempts
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = 1 * time.Minute
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2 * time.Second
	}
	return o
}

// Queue is the C7 lifecycle service.
type Queue struct {
	pushes  storage.CachePushStore
	derivs  storage.DerivationStore
	backend CacheBackend
	opts    Options
	log     *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a cache-push queue pushing through backend.
func New(pushes storage.CachePushStore, derivs storage.DerivationStore, backend CacheBackend, opts Options, log *forgelog.Logger) *Queue {
	if log == nil {
		log = forgelog.NewDefault("cachepush")
	}
	return &Queue{pushes: pushes, derivs: derivs, backend: backend, opts: opts.withDefaults(), log: log}
}

// Name implements system.Service.
func (q *Queue) Name() string { return "cache-push" }

// Descriptor implements system.DescriptorProvider.
func (q *Queue) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "cache-push", Domain: "cache", Layer: system.LayerEngine, Capabilities: []string{"push-" + q.backend.Name()}}
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.mu.Unlock()

	for i := 0; i < q.opts.WorkerCount; i++ {
		q.wg.Add(1)
		go func(id int) {
			defer q.wg.Done()
			q.loop(runCtx, id)
		}(i)
	}

	q.log.WithField("workers", q.opts.WorkerCount).WithField("backend", q.backend.Name()).Info("cache-push queue started")
	return nil
}

// Stop halts every worker.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	q.log.Info("cache-push queue stopped")
	return nil
}

func (q *Queue) loop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok, err := q.pushes.ClaimNextCachePush(ctx)
		if err != nil {
			q.log.WithError(err).Warn("claim next cache-push failed")
			q.sleep(ctx)
			continue
		}
		if !ok {
			q.sleep(ctx)
			continue
		}
		q.push(ctx, job)
	}
}

func (q *Queue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.opts.IdleSleep):
	}
}

// push implements spec.md §4.7's execution and failure-handling steps for
// one claimed job.
func (q *Queue) push(ctx context.Context, job forgemodel.CachePushJob) {
	log := q.log.WithField("job_id", job.ID).WithField("store_path", job.StorePath)
	start := time.Now()

	gcRoot := GCRootPath(q.opts.GCRootDir, job.ID)
	pinCtx, cancelPin := context.WithTimeout(ctx, 30*time.Second)
	if _, err := procrunner.Run(pinCtx, []string{"nix-store", "--realise", job.StorePath, "--add-root", gcRoot, "--indirect"}, procrunner.Options{
		Name: "pin cache-push gcroot", Log: q.log,
	}); err != nil {
		log.WithError(err).Warn("pin transient gcroot failed, continuing anyway")
	}
	cancelPin()

	pushCtx, cancel := context.WithTimeout(ctx, q.opts.PushTimeout)
	defer cancel()

	err := q.runPush(pushCtx, job.StorePath)
	RemoveGCRoot(gcRoot)

	if err == nil {
		duration := time.Since(start)
		if mErr := q.pushes.MarkCachePushSucceeded(ctx, job.ID, 0, duration.Milliseconds()); mErr != nil {
			log.WithError(mErr).Warn("record push success failed")
		}
		if job.DerivationID != 0 {
			if mErr := q.derivs.UpdateDerivationStatus(ctx, job.DerivationID, forgemodel.StatusCachePushed, ""); mErr != nil {
				log.WithError(mErr).Warn("mark cache-pushed failed")
			}
		}
		metrics.RecordCachePush("success", duration)
		log.WithField("duration", duration).Info("cache push succeeded")
		return
	}

	msg := err.Error()
	terminal := IsTerminalPushError(msg)
	permanent := terminal || job.Attempts >= q.opts.MaxRetries
	var retryAt *int64
	if !permanent {
		delay := Backoff(job.Attempts, q.opts.RetryBaseDelay)
		t := time.Now().Add(delay).Unix()
		retryAt = &t
		metrics.RecordCachePush("retry", time.Since(start))
		log.WithField("retry_in", delay).Warn("cache push failed, will retry: " + msg)
	} else {
		metrics.RecordCachePush("permanent_failure", time.Since(start))
		log.Warn("cache push permanently failed: " + msg)
	}
	if mErr := q.pushes.MarkCachePushFailed(ctx, job.ID, msg, retryAt, permanent); mErr != nil {
		log.WithError(mErr).Warn("record push failure failed")
	}
}

// runPush runs the backend's push command, handling the Attic-specific
// login-then-retry-once-on-401 cycle when the backend supports it.
func (q *Queue) runPush(ctx context.Context, storePath string) error {
	if loginer, ok := q.backend.(LoginCapable); ok {
		if err := loginer.EnsureLogin(ctx, q.log); err != nil {
			return err
		}
		argv, env := q.backend.PushCommand(storePath)
		res, err := procrunner.Run(ctx, argv, procrunner.Options{Name: "cache push (" + q.backend.Name() + ")", Env: env, Log: q.log})
		if err == nil {
			return nil
		}
		stderr := strings.Join(res.Stderr, "\n")
		if loginer.IsUnauthorized(stderr) {
			q.log.Warn("cache push unauthorized, clearing login cache and retrying once")
			loginer.ClearLogin()
			if err := loginer.EnsureLogin(ctx, q.log); err != nil {
				return err
			}
			argv, env := q.backend.PushCommand(storePath)
			_, err := procrunner.Run(ctx, argv, procrunner.Options{Name: "cache push (" + q.backend.Name() + ", retry)", Env: env, Log: q.log})
			return err
		}
		return err
	}

	argv, env := q.backend.PushCommand(storePath)
	_, err := procrunner.Run(ctx, argv, procrunner.Options{Name: "cache push (" + q.backend.Name() + ")", Env: env, Log: q.log})
	return err
}

// runLogin executes a backend's login command directly (never under
// systemd isolation: login only touches local config files).
func runLogin(ctx context.Context, argv []string, env []string, log *forgelog.Logger) error {
	_, err := procrunner.Run(ctx, argv, procrunner.Options{Name: "cache login", Env: env, Log: log})
	return err
}

// GCRootPath is the deterministic transient GC-root path held for the
// duration of one push, preventing a race with store GC while the upload
// is in flight (spec.md §4.7).
func GCRootPath(dir string, jobID int64) string {
	return fmt.Sprintf("%s/push-%d", dir, jobID)
}

// RemoveGCRoot deletes a transient push GC root. Best-effort: a leaked
// indirect root is harmless until the next `nix-collect-garbage`.
func RemoveGCRoot(path string) {
	_ = os.Remove(path)
}
