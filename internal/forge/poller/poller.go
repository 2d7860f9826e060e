// Package poller implements the Commit Poller (C3): a ticker-driven
// system.Service that walks every auto-poll flake, resolves its latest
// commit via git, and inserts newly observed commits as pending work for
// the evaluator. Structured as a lifecycle service the same way the
// teacher's automation.Scheduler is: a goroutine loop selecting on a
// ticker and a cancelable context.
package poller

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
	"github.com/crystalforge/forge/internal/forge/system"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// GitRefResolver resolves the latest commit hash and timestamp for a
// flake's tracked ref. The default implementation shells out to git;
// tests supply a fake.
type GitRefResolver interface {
	ResolveHead(ctx context.Context, repoURL string) (hash string, committedAt time.Time, err error)
	// ResolveRecent lists up to limit recent commits, newest first, for a
	// flake the poller is seeing for the first time (spec.md §4.3 step 1:
	// "on first sight of a flake, up to K recent commits, K <= 10").
	ResolveRecent(ctx context.Context, repoURL string, limit int) ([]CommitRef, error)
}

// CommitRef is one commit a GitRefResolver reports: a hash plus its
// authored/committed timestamp.
type CommitRef struct {
	Hash        string
	CommittedAt time.Time
}

// MaxBackfillCommits bounds how many commits a first-sight flake backfills,
// matching spec.md §4.3's "K <= 10".
const MaxBackfillCommits = 10

// GitCLIResolver resolves refs by invoking `git ls-remote` and `git log`
// against a shallow local mirror.
type GitCLIResolver struct {
	Timeout time.Duration
}

// ResolveHead returns the commit hash ls-remote reports for HEAD and
// approximates its timestamp as the resolution time: a bare ls-remote
// cannot report commit dates without a local fetch, and Crystal Forge
// only needs a stable ordering key for newly observed commits.
func (g GitCLIResolver) ResolveHead(ctx context.Context, repoURL string) (string, time.Time, error) {
	timeout := g.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(cctx, "git", "ls-remote", repoURL, "HEAD").Output()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("git ls-remote %s: %w", repoURL, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return "", time.Time{}, fmt.Errorf("git ls-remote %s: empty output", repoURL)
	}
	return fields[0], time.Now().UTC(), nil
}

// ResolveRecent lists up to limit recent commit hashes on the remote's
// default branch via a shallow bare clone, since `git ls-remote` alone
// cannot walk history. Each timestamp is the commit's committer date as
// git log reports it; a date that fails to parse is replaced with the
// resolution time.
func (g GitCLIResolver) ResolveRecent(ctx context.Context, repoURL string, limit int) ([]CommitRef, error) {
	if limit <= 0 || limit > MaxBackfillCommits {
		limit = MaxBackfillCommits
	}
	timeout := g.Timeout
	if timeout == 0 {
		timeout = 20 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmpDir, err := os.MkdirTemp("", "forge-poller-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch clone dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	cloneArgs := []string{"clone", "--bare", "--quiet", fmt.Sprintf("--depth=%d", limit), repoURL, tmpDir}
	if out, err := exec.CommandContext(cctx, "git", cloneArgs...).CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git clone %s: %w: %s", repoURL, err, strings.TrimSpace(string(out)))
	}

	logArgs := []string{"-C", tmpDir, "log", fmt.Sprintf("-%d", limit), "--format=%H %cI"}
	out, err := exec.CommandContext(cctx, "git", logArgs...).Output()
	if err != nil {
		return nil, fmt.Errorf("git log %s: %w", repoURL, err)
	}

	var refs []CommitRef
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		committedAt, err := time.Parse(time.RFC3339, fields[1])
		if err != nil {
			committedAt = time.Now().UTC()
		}
		refs = append(refs, CommitRef{Hash: fields[0], CommittedAt: committedAt})
	}
	return refs, nil
}

// EvaluationEnqueuer is notified whenever a new commit is recorded so the
// evaluator can pick it up without waiting for its own poll tick.
type EvaluationEnqueuer interface {
	EnqueueCommit(ctx context.Context, commit forgemodel.Commit)
}

// EnqueuerFunc adapts a function to EvaluationEnqueuer.
type EnqueuerFunc func(ctx context.Context, commit forgemodel.Commit)

func (f EnqueuerFunc) EnqueueCommit(ctx context.Context, commit forgemodel.Commit) {
	if f != nil {
		f(ctx, commit)
	}
}

// Poller is the C3 lifecycle service.
type Poller struct {
	flakes   storage.FlakeStore
	commits  storage.CommitStore
	resolver GitRefResolver
	notify   EvaluationEnqueuer
	interval time.Duration
	schedule cron.Schedule
	log      *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a commit poller ticking at interval. If cronExpr is
// non-empty it takes precedence over interval: it is parsed with the
// standard five-field cron grammar (the same parser the teacher's
// automation trigger scheduler uses to interpret `schedule` strings) so
// an operator can express a flake's "polling policy" (spec.md §3) as
// "poll every weekday at 02:00" instead of a bare fixed period.
func New(flakes storage.FlakeStore, commits storage.CommitStore, resolver GitRefResolver, notify EvaluationEnqueuer, interval time.Duration, log *forgelog.Logger) *Poller {
	return NewWithSchedule(flakes, commits, resolver, notify, interval, "", log)
}

// NewWithSchedule is New plus an optional cron expression overriding the
// fixed interval. An invalid cronExpr falls back to the interval and logs
// a warning rather than failing construction.
func NewWithSchedule(flakes storage.FlakeStore, commits storage.CommitStore, resolver GitRefResolver, notify EvaluationEnqueuer, interval time.Duration, cronExpr string, log *forgelog.Logger) *Poller {
	if resolver == nil {
		resolver = GitCLIResolver{}
	}
	if log == nil {
		log = forgelog.NewDefault("commit-poller")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p := &Poller{flakes: flakes, commits: commits, resolver: resolver, notify: notify, interval: interval, log: log}
	if cronExpr != "" {
		sched, err := cron.ParseStandard(cronExpr)
		if err != nil {
			log.WithError(err).WithField("schedule", cronExpr).Warn("invalid poll schedule, falling back to fixed interval")
		} else {
			p.schedule = sched
		}
	}
	return p
}

// Name implements system.Service.
func (p *Poller) Name() string { return "commit-poller" }

// Descriptor implements system.DescriptorProvider.
func (p *Poller) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "commit-poller", Domain: "flakes", Layer: system.LayerIngress, Capabilities: []string{"poll", "enqueue"}}
}

// Start begins the polling loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.schedule != nil {
			p.runCronLoop(runCtx)
			return
		}
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.tick(runCtx)
			}
		}
	}()

	p.log.Info("commit poller started")
	return nil
}

// runCronLoop drives tick() at each cron.Schedule occurrence instead of a
// fixed interval, recomputing the next firing time after every run so
// schedules like "weekdays at 02:00" are honored exactly.
func (p *Poller) runCronLoop(ctx context.Context) {
	for {
		now := time.Now()
		next := p.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			p.tick(ctx)
		}
	}
}

// Stop halts the polling loop.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() { defer close(done); p.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.log.Info("commit poller stopped")
	return nil
}

func (p *Poller) tick(ctx context.Context) {
	flakes, err := p.flakes.ListAutoPollFlakes(ctx)
	if err != nil {
		p.log.WithError(err).Warn("commit poller: list flakes failed")
		return
	}

	var wg sync.WaitGroup
	for _, f := range flakes {
		wg.Add(1)
		go func(f forgemodel.Flake) {
			defer wg.Done()
			p.pollOne(ctx, f)
		}(f)
	}
	wg.Wait()
}

func (p *Poller) pollOne(ctx context.Context, f forgemodel.Flake) {
	seen, err := p.commits.CountCommitsForFlake(ctx, f.ID)
	if err != nil {
		p.log.WithError(err).WithField("flake", f.Name).Warn("count commits failed")
		return
	}
	if seen == 0 {
		p.backfill(ctx, f)
		return
	}

	hash, committedAt, err := p.resolver.ResolveHead(ctx, f.RepoURL)
	if err != nil {
		p.log.WithError(err).WithField("flake", f.Name).Warn("resolve head failed")
		return
	}

	if _, err := p.commits.GetCommitByHash(ctx, f.ID, hash); err == nil {
		return
	}

	p.insertOne(ctx, f, hash, committedAt)
}

// backfill implements spec.md §4.3 step 1's "on first sight of a flake, up
// to K recent commits" by walking history instead of tracking HEAD alone.
func (p *Poller) backfill(ctx context.Context, f forgemodel.Flake) {
	refs, err := p.resolver.ResolveRecent(ctx, f.RepoURL, MaxBackfillCommits)
	if err != nil {
		p.log.WithError(err).WithField("flake", f.Name).Warn("resolve recent commits failed")
		return
	}
	// refs arrive newest-first; insert oldest-first so evaluation order
	// and commit_timestamp ordering agree for a brand-new flake.
	for i := len(refs) - 1; i >= 0; i-- {
		p.insertOne(ctx, f, refs[i].Hash, refs[i].CommittedAt)
	}
	p.log.WithField("flake", f.Name).WithField("count", len(refs)).Info("backfilled recent commits")
}

func (p *Poller) insertOne(ctx context.Context, f forgemodel.Flake, hash string, committedAt time.Time) {
	commit, err := p.commits.InsertCommit(ctx, forgemodel.Commit{
		FlakeID:         f.ID,
		CommitHash:      hash,
		CommitTimestamp: committedAt,
	})
	if err != nil {
		p.log.WithError(err).WithField("flake", f.Name).Warn("insert commit failed")
		return
	}
	p.log.WithField("flake", f.Name).WithField("commit", hash).Info("observed new commit")
	if p.notify != nil {
		p.notify.EnqueueCommit(ctx, commit)
	}
}
