// Package scanner implements the Vulnerability Scanner (C8): a selector
// loop that enqueues scans for newly built derivations and a worker pool
// that runs the external scanner via the Process Runner, parses its JSON
// report, and persists per-package and per-CVE findings transactionally.
// Structured the same way as the other ticking/pool services in this
// module.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
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

// Report is the external scanner's parsed JSON output: one entry per
// package found in the derivation's closure.
type Report struct {
	ScannerVersion string          `json:"scannerVersion"`
	Packages       []PackageReport `json:"packages"`
}

// PackageReport describes one package the scanner examined.
type PackageReport struct {
	DrvPath         string     `json:"drvPath"`
	Runtime         *bool      `json:"runtime"`
	Depth           int        `json:"depth"`
	Vulnerabilities []CVEEntry `json:"vulnerabilities"`
}

// CVEEntry is one vulnerability the scanner attributed to a package.
type CVEEntry struct {
	CVEID           string  `json:"cveId"`
	CVSSv3          float64 `json:"cvssV3"`
	Summary         string  `json:"summary"`
	DetectionMethod string  `json:"detectionMethod"`
	Whitelisted     bool    `json:"whitelisted"`
	WhitelistReason string  `json:"whitelistReason"`
}

// Options configures the scanner components.
type Options struct {
	SelectInterval time.Duration
	WorkerCount    int
	ScanTimeout    time.Duration
	BinaryPath     string
	IdleSleep      time.Duration
}

func (o Options) withDefaults() Options {
	if o.SelectInterval <= 0 {
		o.SelectInterval = 30 * time.Second
	}
	if o.WorkerCount <= 0 {
		o.WorkerCount = 2
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = 2 * time.Minute
	}
	if o.BinaryPath == "" {
		o.BinaryPath = "vulnix"
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2 * time.Second
	}
	return o
}

// Selector is a ticking system.Service that enqueues a pending scan for
// every eligible derivation that does not already have one outstanding.
type Selector struct {
	derivs storage.DerivationStore
	scans  storage.ScanStore
	opts   Options
	log    *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSelector constructs the scan selector.
func NewSelector(derivs storage.DerivationStore, scans storage.ScanStore, opts Options, log *forgelog.Logger) *Selector {
	if log == nil {
		log = forgelog.NewDefault("scanner-selector")
	}
	return &Selector{derivs: derivs, scans: scans, opts: opts.withDefaults(), log: log}
}

// Name implements system.Service.
func (s *Selector) Name() string { return "scanner-selector" }

// Descriptor implements system.DescriptorProvider.
func (s *Selector) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "scanner-selector", Domain: "scans", Layer: system.LayerQueue, Capabilities: []string{"select-scan-candidates"}}
}

// Start begins the selection loop.
func (s *Selector) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.SelectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("scanner selector started")
	return nil
}

// Stop halts the selection loop.
func (s *Selector) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { defer close(done); s.wg.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scanner selector stopped")
	return nil
}

func (s *Selector) tick(ctx context.Context) {
	candidates, err := s.derivs.ListScanCandidates(ctx)
	if err != nil {
		s.log.WithError(err).Warn("list scan candidates failed")
		return
	}
	for _, d := range candidates {
		latest, found, err := s.scans.GetLatestScan(ctx, d.ID)
		if err != nil {
			s.log.WithError(err).WithField("derivation_id", d.ID).Warn("lookup latest scan failed")
			continue
		}
		if found && (latest.Status == forgemodel.ScanPending || latest.Status == forgemodel.ScanInProgress) {
			continue
		}
		if _, err := s.scans.EnqueueScan(ctx, forgemodel.CVEScan{DerivationID: d.ID}); err != nil {
			s.log.WithError(err).WithField("derivation_id", d.ID).Warn("enqueue scan failed")
			continue
		}
		s.log.WithField("derivation_id", d.ID).Info("enqueued scan")
	}
}

// Pool is a bounded pool of workers running the external scanner tool and
// persisting its findings.
type Pool struct {
	derivs storage.DerivationStore
	scans  storage.ScanStore
	opts   Options
	log    *forgelog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewPool constructs the scanner worker pool.
func NewPool(derivs storage.DerivationStore, scans storage.ScanStore, opts Options, log *forgelog.Logger) *Pool {
	if log == nil {
		log = forgelog.NewDefault("scanner")
	}
	return &Pool{derivs: derivs, scans: scans, opts: opts.withDefaults(), log: log}
}

// Name implements system.Service.
func (p *Pool) Name() string { return "scanner" }

// Descriptor implements system.DescriptorProvider.
func (p *Pool) Descriptor() system.Descriptor {
	return system.Descriptor{Name: "scanner", Domain: "scans", Layer: system.LayerEngine, Capabilities: []string{"run-scanner", "persist-findings"}}
}

// Start launches the worker pool.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.mu.Unlock()

	for i := 0; i < p.opts.WorkerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.loop(runCtx, id)
		}(i)
	}

	p.log.WithField("workers", p.opts.WorkerCount).Info("scanner pool started")
	return nil
}

// Stop halts the worker pool.
func (p *Pool) Stop(ctx context.Context) error {
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
	p.log.Info("scanner pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}
		scan, ok, err := p.scans.ClaimNextScan(ctx)
		if err != nil {
			p.log.WithError(err).Warn("claim next scan failed")
			p.sleep(ctx)
			continue
		}
		if !ok {
			p.sleep(ctx)
			continue
		}
		p.run(ctx, scan)
	}
}

func (p *Pool) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.IdleSleep):
	}
}

// run implements spec.md §4.8's execution and transactional persistence
// for one claimed scan.
func (p *Pool) run(ctx context.Context, scan forgemodel.CVEScan) {
	log := p.log.WithField("scan_id", scan.ID).WithField("derivation_id", scan.DerivationID)

	d, err := p.derivs.GetDerivation(ctx, scan.DerivationID)
	if err != nil {
		p.fail(ctx, scan, fmt.Sprintf("lookup derivation: %v", err))
		return
	}
	if d.StorePath == "" {
		p.fail(ctx, scan, "derivation has no store path yet")
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, p.opts.ScanTimeout)
	defer cancel()

	start := time.Now()
	res, err := procrunner.Run(runCtx, []string{p.opts.BinaryPath, "--json", d.StorePath}, procrunner.Options{
		Name: "scan " + d.DisplayName, Log: p.log,
	})
	if err != nil {
		p.fail(ctx, scan, err.Error())
		return
	}

	var report Report
	if err := json.Unmarshal([]byte(strings.Join(res.Stdout, "\n")), &report); err != nil {
		p.fail(ctx, scan, fmt.Sprintf("parse scanner output: %v", err))
		return
	}

	scan.ScannerVer = report.ScannerVersion
	scan.Duration = time.Since(start)
	scan.Severity = RollUp(report)

	memberships := make([]forgemodel.ScanPackageMembership, 0, len(report.Packages))
	var vulns []forgemodel.Vulnerability
	for _, pkg := range report.Packages {
		pkgDeriv, _, err := p.derivs.GetDerivationByDrvPath(ctx, pkg.DrvPath)
		if err != nil {
			log.WithError(err).WithField("drv", pkg.DrvPath).Warn("lookup package derivation failed")
			continue
		}
		if pkgDeriv.ID == 0 {
			pkgDeriv, err = p.derivs.InsertDerivation(ctx, forgemodel.Derivation{
				Kind:        forgemodel.KindPackage,
				DisplayName: pkg.DrvPath,
				DrvPath:     pkg.DrvPath,
				Status:      forgemodel.StatusComplete,
			})
			if err != nil {
				log.WithError(err).WithField("drv", pkg.DrvPath).Warn("insert scanned package derivation failed")
				continue
			}
		}
		memberships = append(memberships, forgemodel.ScanPackageMembership{
			ScanID: scan.ID, PackageDerivationID: pkgDeriv.ID, Runtime: pkg.Runtime, Depth: pkg.Depth,
		})
		for _, cve := range pkg.Vulnerabilities {
			vulns = append(vulns, forgemodel.Vulnerability{
				PackageDerivationID: pkgDeriv.ID,
				CVEID:               cve.CVEID,
				CVSSv3:              cve.CVSSv3,
				Summary:             cve.Summary,
				DetectionMethod:     cve.DetectionMethod,
				Whitelisted:         cve.Whitelisted,
				WhitelistReason:     cve.WhitelistReason,
			})
		}
	}

	if err := p.scans.RecordScanResult(ctx, scan, memberships, vulns); err != nil {
		log.WithError(err).Warn("record scan result failed")
		return
	}
	metrics.RecordScan("success")
	metrics.RecordFindings(scan.Severity.Critical, scan.Severity.High, scan.Severity.Medium, scan.Severity.Low)
	log.WithField("packages", len(report.Packages)).WithField("vulnerabilities", len(vulns)).Info("scan complete")
}

func (p *Pool) fail(ctx context.Context, scan forgemodel.CVEScan, msg string) {
	if err := p.scans.MarkScanFailed(ctx, scan.ID, msg); err != nil {
		p.log.WithError(err).WithField("scan_id", scan.ID).Warn("record scan failure failed")
	}
	metrics.RecordScan("failed")
	p.log.WithField("scan_id", scan.ID).Warn("scan failed: " + msg)
}

// RollUp folds a scanner report into the severity bucket totals persisted
// on the scan row, bucketing by CVSS v3 score the way the teacher's CVE
// ingestion does (critical >= 9, high >= 7, medium >= 4, else low).
func RollUp(report Report) forgemodel.SeverityRollup {
	var out forgemodel.SeverityRollup
	out.TotalPackages = len(report.Packages)
	for _, pkg := range report.Packages {
		for _, cve := range pkg.Vulnerabilities {
			out.Total++
			switch {
			case cve.CVSSv3 >= 9.0:
				out.Critical++
			case cve.CVSSv3 >= 7.0:
				out.High++
			case cve.CVSSv3 >= 4.0:
				out.Medium++
			default:
				out.Low++
			}
		}
	}
	return out
}
