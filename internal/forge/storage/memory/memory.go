// Package memory implements internal/forge/storage's contracts with
// mutex-guarded maps, mirroring the teacher's jam.InMemoryStore pattern,
// for unit tests that do not need a live Postgres instance.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgemodel"
	"github.com/crystalforge/forge/internal/forge/storage"
)

// Store is a non-durable, in-process implementation of every
// internal/forge/storage interface.
type Store struct {
	mu sync.Mutex

	nextID int64

	flakes       map[int64]forgemodel.Flake
	commits      map[int64]forgemodel.Commit
	derivations  map[int64]forgemodel.Derivation
	dependencies map[int64][]int64 // parentID -> childIDs
	reservations map[int64]forgemodel.Reservation
	cachePushes  map[int64]forgemodel.CachePushJob
	scans        map[int64]forgemodel.CVEScan
	systems      map[int64]forgemodel.System
	systemStates map[int64][]forgemodel.SystemState
	heartbeats   map[int64]forgemodel.AgentHeartbeat
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		flakes:       make(map[int64]forgemodel.Flake),
		commits:      make(map[int64]forgemodel.Commit),
		derivations:  make(map[int64]forgemodel.Derivation),
		dependencies: make(map[int64][]int64),
		reservations: make(map[int64]forgemodel.Reservation),
		cachePushes:  make(map[int64]forgemodel.CachePushJob),
		scans:        make(map[int64]forgemodel.CVEScan),
		systems:      make(map[int64]forgemodel.System),
		systemStates: make(map[int64][]forgemodel.SystemState),
		heartbeats:   make(map[int64]forgemodel.AgentHeartbeat),
	}
}

func (s *Store) allocID() int64 {
	s.nextID++
	return s.nextID
}

// Stores returns a storage.Stores bundle backed entirely by this instance.
func (s *Store) Stores() storage.Stores {
	return storage.Stores{
		Flakes:      s,
		Commits:     s,
		Derivations: s,
		CachePush:   s,
		Scans:       s,
		Systems:     s,
	}
}

// --- FlakeStore ---

func (s *Store) CreateFlake(_ context.Context, f forgemodel.Flake) (forgemodel.Flake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.flakes {
		if existing.Name == f.Name {
			return existing, nil
		}
	}
	f.ID = s.allocID()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	s.flakes[f.ID] = f
	return f, nil
}

func (s *Store) GetFlake(_ context.Context, id int64) (forgemodel.Flake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flakes[id]
	if !ok {
		return forgemodel.Flake{}, storage.ErrNotFound
	}
	return f, nil
}

func (s *Store) GetFlakeByName(_ context.Context, name string) (forgemodel.Flake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flakes {
		if f.Name == name {
			return f, nil
		}
	}
	return forgemodel.Flake{}, storage.ErrNotFound
}

func (s *Store) ListFlakes(_ context.Context) ([]forgemodel.Flake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedFlakes(s.flakes, func(forgemodel.Flake) bool { return true }), nil
}

func (s *Store) ListAutoPollFlakes(_ context.Context) ([]forgemodel.Flake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedFlakes(s.flakes, func(f forgemodel.Flake) bool { return f.AutoPollEnabled }), nil
}

func sortedFlakes(m map[int64]forgemodel.Flake, keep func(forgemodel.Flake) bool) []forgemodel.Flake {
	var out []forgemodel.Flake
	for _, f := range m {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- CommitStore ---

func (s *Store) InsertCommit(_ context.Context, c forgemodel.Commit) (forgemodel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.commits {
		if existing.FlakeID == c.FlakeID && existing.CommitHash == c.CommitHash {
			return existing, nil
		}
	}
	c.ID = s.allocID()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.EvaluationStatus == "" {
		c.EvaluationStatus = forgemodel.CommitPending
	}
	s.commits[c.ID] = c
	return c, nil
}

// CountCommitsForFlake reports how many commits have been recorded for a
// flake, letting the poller detect a first-sight flake.
func (s *Store) CountCommitsForFlake(_ context.Context, flakeID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commits {
		if c.FlakeID == flakeID {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetCommitByHash(_ context.Context, flakeID int64, hash string) (forgemodel.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.commits {
		if c.FlakeID == flakeID && c.CommitHash == hash {
			return c, nil
		}
	}
	return forgemodel.Commit{}, storage.ErrNotFound
}

func (s *Store) ClaimNextPendingCommit(_ context.Context) (forgemodel.Commit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, c := range s.commits {
		if c.EvaluationStatus == forgemodel.CommitPending && c.EvaluationAttempts < forgemodel.MaxEvaluationAttempts {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return forgemodel.Commit{}, false, nil
	}
	sort.Slice(ids, func(i, j int) bool { return s.commits[ids[i]].CommitTimestamp.Before(s.commits[ids[j]].CommitTimestamp) })
	c := s.commits[ids[0]]
	c.EvaluationStatus = forgemodel.CommitInProgress
	c.EvaluationAttempts++
	now := time.Now().UTC()
	c.EvaluationStarted = &now
	s.commits[c.ID] = c
	return c, true, nil
}

func (s *Store) UpdateCommitStatus(_ context.Context, id int64, status forgemodel.CommitStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[id]
	if !ok {
		return storage.ErrNotFound
	}
	c.EvaluationStatus = status
	c.LastError = lastError
	s.commits[id] = c
	return nil
}

func (s *Store) ResetStaleCommits(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, c := range s.commits {
		if c.EvaluationStatus == forgemodel.CommitInProgress {
			c.EvaluationStatus = forgemodel.CommitPending
			c.EvaluationStarted = nil
			s.commits[id] = c
			n++
		}
	}
	return n, nil
}

// --- DerivationStore ---

func (s *Store) InsertDerivation(_ context.Context, d forgemodel.Derivation) (forgemodel.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.allocID()
	if d.ScheduledAt.IsZero() {
		d.ScheduledAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = forgemodel.StatusPending
	}
	s.derivations[d.ID] = d
	return d, nil
}

func (s *Store) GetDerivation(_ context.Context, id int64) (forgemodel.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.derivations[id]
	if !ok {
		return forgemodel.Derivation{}, storage.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetDerivationByDrvPath(_ context.Context, drvPath string) (forgemodel.Derivation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.derivations {
		if d.DrvPath == drvPath {
			return d, true, nil
		}
	}
	return forgemodel.Derivation{}, false, nil
}

func (s *Store) UpdateDerivationStatus(_ context.Context, id int64, status forgemodel.DerivationStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.derivations[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.Status = status
	d.LastError = lastError
	now := time.Now().UTC()
	if status.IsInProgress() {
		d.StartedAt = &now
	}
	if status.IsTerminal() {
		d.CompletedAt = &now
	}
	s.derivations[id] = d
	return nil
}

func (s *Store) SetDerivationStorePath(_ context.Context, id int64, storePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.derivations[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.StorePath = storePath
	s.derivations[id] = d
	return nil
}

func (s *Store) RecordHeartbeat(_ context.Context, id int64, subTarget string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.derivations[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.ProgressCurrentSubTarget = &subTarget
	now := time.Now().UTC()
	d.ProgressLastHeartbeat = &now
	s.derivations[id] = d
	return nil
}

func (s *Store) SetDeploymentPolicySatisfied(_ context.Context, id int64, satisfied *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.derivations[id]
	if !ok {
		return storage.ErrNotFound
	}
	d.DeploymentPolicySatisfied = satisfied
	s.derivations[id] = d
	return nil
}

func (s *Store) AddDependency(_ context.Context, parentID, childID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.dependencies[parentID] {
		if existing == childID {
			return nil
		}
	}
	s.dependencies[parentID] = append(s.dependencies[parentID], childID)
	return nil
}

func (s *Store) ListDependencies(_ context.Context, parentID int64) ([]forgemodel.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forgemodel.Derivation
	for _, childID := range s.dependencies[parentID] {
		if d, ok := s.derivations[childID]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) ListByCommit(_ context.Context, commitID int64) ([]forgemodel.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forgemodel.Derivation
	for _, d := range s.derivations {
		if d.CommitID != nil && *d.CommitID == commitID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListEligibleSystemDerivationsForFlake(_ context.Context, flakeID int64) ([]forgemodel.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type pair struct {
		d  forgemodel.Derivation
		ts time.Time
	}
	var out []pair
	for _, d := range s.derivations {
		if d.Kind != forgemodel.KindSystem || d.CommitID == nil {
			continue
		}
		c, ok := s.commits[*d.CommitID]
		if !ok || c.FlakeID != flakeID {
			continue
		}
		switch d.Status {
		case forgemodel.StatusBuildComplete, forgemodel.StatusCachePushed, forgemodel.StatusComplete:
		default:
			continue
		}
		out = append(out, pair{d, c.CommitTimestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts.After(out[j].ts) })
	result := make([]forgemodel.Derivation, len(out))
	for i, p := range out {
		result[i] = p.d
	}
	return result, nil
}

func (s *Store) dependenciesSatisfied(id int64) bool {
	for _, childID := range s.dependencies[id] {
		child, ok := s.derivations[childID]
		if !ok {
			continue
		}
		switch child.Status {
		case forgemodel.StatusCachePushed, forgemodel.StatusComplete:
		default:
			return false
		}
	}
	return true
}

func (s *Store) ClaimNextBuildable(_ context.Context, workerID string) (forgemodel.Derivation, forgemodel.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reserved := make(map[int64]bool, len(s.reservations))
	for _, r := range s.reservations {
		reserved[r.DerivationID] = true
	}

	var candidates []int64
	for id, d := range s.derivations {
		switch d.Status {
		case forgemodel.StatusPending, forgemodel.StatusDryRunPending, forgemodel.StatusDryRunComplete, forgemodel.StatusBuildPending:
		default:
			continue
		}
		if d.Attempts >= forgemodel.MaxBuildAttempts || reserved[id] {
			continue
		}
		if !s.dependenciesSatisfied(id) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return forgemodel.Derivation{}, forgemodel.Reservation{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		di, dj := s.derivations[candidates[i]], s.derivations[candidates[j]]
		iSystem, jSystem := di.Kind == forgemodel.KindSystem, dj.Kind == forgemodel.KindSystem
		if iSystem != jSystem {
			return !iSystem
		}
		if !di.ScheduledAt.Equal(dj.ScheduledAt) {
			return di.ScheduledAt.Before(dj.ScheduledAt)
		}
		return candidates[i] < candidates[j]
	})

	id := candidates[0]
	d := s.derivations[id]
	now := time.Now().UTC()
	switch d.Status {
	case forgemodel.StatusDryRunPending:
		d.Status = forgemodel.StatusDryRunInProgress
	default:
		d.Status = forgemodel.StatusBuildInProgress
	}
	d.Attempts++
	d.StartedAt = &now
	s.derivations[id] = d

	r := forgemodel.Reservation{
		ID:              s.allocID(),
		WorkerID:        workerID,
		DerivationID:    id,
		ReservedAt:      now,
		LastHeartbeatAt: now,
	}
	s.reservations[r.ID] = r
	return d, r, true, nil
}

func (s *Store) Heartbeat(_ context.Context, reservationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return storage.ErrNotFound
	}
	r.LastHeartbeatAt = time.Now().UTC()
	s.reservations[reservationID] = r
	return nil
}

func (s *Store) ReleaseReservation(_ context.Context, reservationID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, reservationID)
	return nil
}

func (s *Store) ListStaleReservations(_ context.Context) ([]forgemodel.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-10 * time.Minute)
	var out []forgemodel.Reservation
	for _, r := range s.reservations {
		if r.LastHeartbeatAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ResetInFlightDerivations(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.derivations {
		switch d.Status {
		case forgemodel.StatusDryRunInProgress:
			d.Status = forgemodel.StatusDryRunPending
		case forgemodel.StatusBuildInProgress:
			if d.Kind == forgemodel.KindSystem {
				d.Status = forgemodel.StatusDryRunComplete
			} else {
				d.Status = forgemodel.StatusBuildPending
			}
		default:
			continue
		}
		s.derivations[id] = d
		n++
	}
	return n, nil
}

func (s *Store) DeleteAllReservations(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int64(len(s.reservations))
	s.reservations = make(map[int64]forgemodel.Reservation)
	return n, nil
}

// --- CachePushStore ---

func (s *Store) EnqueueCachePush(_ context.Context, job forgemodel.CachePushJob) (forgemodel.CachePushJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.cachePushes {
		if existing.DerivationID == job.DerivationID && existing.StorePath == job.StorePath {
			job.ID = id
			s.cachePushes[id] = job
			return job, nil
		}
	}
	job.ID = s.allocID()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = forgemodel.PushPending
	}
	s.cachePushes[job.ID] = job
	return job, nil
}

func (s *Store) ClaimNextCachePush(_ context.Context) (forgemodel.CachePushJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var candidates []int64
	for id, j := range s.cachePushes {
		if j.Status != forgemodel.PushPending && j.Status != forgemodel.PushFailed {
			continue
		}
		if j.RetryNotBefore != nil && j.RetryNotBefore.After(now) {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return forgemodel.CachePushJob{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.cachePushes[candidates[i]].ScheduledAt.Before(s.cachePushes[candidates[j]].ScheduledAt)
	})
	id := candidates[0]
	job := s.cachePushes[id]
	job.Status = forgemodel.PushInProgress
	job.StartedAt = &now
	job.Attempts++
	s.cachePushes[id] = job
	return job, true, nil
}

func (s *Store) MarkCachePushSucceeded(_ context.Context, id int64, sizeBytes int64, durationMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.cachePushes[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.Status = forgemodel.PushCompleted
	now := time.Now().UTC()
	j.CompletedAt = &now
	j.PushedSizeBytes = sizeBytes
	j.PushDuration = time.Duration(durationMS) * time.Millisecond
	s.cachePushes[id] = j
	return nil
}

func (s *Store) MarkCachePushFailed(_ context.Context, id int64, lastError string, retryNotBeforeUnixSec *int64, permanent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.cachePushes[id]
	if !ok {
		return storage.ErrNotFound
	}
	if permanent {
		j.Status = forgemodel.PushPermanentlyFailed
	} else {
		j.Status = forgemodel.PushFailed
	}
	j.LastError = lastError
	if retryNotBeforeUnixSec != nil {
		t := time.Unix(*retryNotBeforeUnixSec, 0).UTC()
		j.RetryNotBefore = &t
	}
	s.cachePushes[id] = j
	return nil
}

func (s *Store) ResetStaleCachePushJobs(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, j := range s.cachePushes {
		if j.Status == forgemodel.PushInProgress {
			j.Status = forgemodel.PushPending
			j.StartedAt = nil
			s.cachePushes[id] = j
			n++
		}
	}
	return n, nil
}

// --- ScanStore ---

func (s *Store) EnqueueScan(_ context.Context, scan forgemodel.CVEScan) (forgemodel.CVEScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scan.ID = s.allocID()
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	if scan.Status == "" {
		scan.Status = forgemodel.ScanPending
	}
	s.scans[scan.ID] = scan
	return scan, nil
}

func (s *Store) ClaimNextScan(_ context.Context) (forgemodel.CVEScan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []int64
	for id, sc := range s.scans {
		if sc.Status == forgemodel.ScanPending && sc.Attempts < forgemodel.MaxScanAttempts {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return forgemodel.CVEScan{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return s.scans[candidates[i]].CreatedAt.Before(s.scans[candidates[j]].CreatedAt) })
	id := candidates[0]
	sc := s.scans[id]
	sc.Status = forgemodel.ScanInProgress
	now := time.Now().UTC()
	sc.StartedAt = &now
	sc.Attempts++
	s.scans[id] = sc
	return sc, true, nil
}

func (s *Store) RecordScanResult(_ context.Context, scan forgemodel.CVEScan, _ []forgemodel.ScanPackageMembership, _ []forgemodel.Vulnerability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.scans[scan.ID]
	if !ok {
		return storage.ErrNotFound
	}
	scan.CreatedAt = existing.CreatedAt
	scan.Status = forgemodel.ScanCompleted
	now := time.Now().UTC()
	scan.CompletedAt = &now
	s.scans[scan.ID] = scan
	return nil
}

func (s *Store) MarkScanFailed(_ context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.scans[id]
	if !ok {
		return storage.ErrNotFound
	}
	sc.Status = forgemodel.ScanFailed
	sc.RawMetadata = lastError
	now := time.Now().UTC()
	sc.CompletedAt = &now
	s.scans[id] = sc
	return nil
}

func (s *Store) FailStaleScans(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sc := range s.scans {
		if sc.Status == forgemodel.ScanInProgress {
			sc.Status = forgemodel.ScanPending
			sc.StartedAt = nil
			s.scans[id] = sc
			n++
		}
	}
	return n, nil
}

func (s *Store) GetLatestScan(_ context.Context, derivationID int64) (forgemodel.CVEScan, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest forgemodel.CVEScan
	var found bool
	for _, sc := range s.scans {
		if sc.DerivationID != derivationID {
			continue
		}
		if !found || sc.CreatedAt.After(latest.CreatedAt) {
			latest = sc
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) ListScanCandidates(_ context.Context) ([]forgemodel.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failedCounts := make(map[int64]int)
	completed := make(map[int64]bool)
	for _, sc := range s.scans {
		switch sc.Status {
		case forgemodel.ScanCompleted:
			completed[sc.DerivationID] = true
		case forgemodel.ScanFailed:
			failedCounts[sc.DerivationID]++
		}
	}

	var out []forgemodel.Derivation
	for id, d := range s.derivations {
		switch d.Status {
		case forgemodel.StatusBuildComplete, forgemodel.StatusCachePushed, forgemodel.StatusComplete:
		default:
			continue
		}
		if completed[id] || failedCounts[id] >= forgemodel.MaxScanAttempts {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- SystemStore ---

// UpsertSystem inserts a registered host, or updates its registration
// fields in place if the hostname already exists, leaving desired_target
// and active untouched on update (mirrors postgres.Store.UpsertSystem).
func (s *Store) UpsertSystem(_ context.Context, sys forgemodel.System) (forgemodel.System, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sys.Policy == "" {
		sys.Policy = forgemodel.PolicyAutoLatest
	}
	for id, existing := range s.systems {
		if existing.Hostname == sys.Hostname {
			existing.Environment = sys.Environment
			existing.PublicKey = sys.PublicKey
			existing.FlakeID = sys.FlakeID
			existing.Policy = sys.Policy
			s.systems[id] = existing
			return existing, nil
		}
	}
	sys.ID = s.allocID()
	sys.Active = true
	if sys.CreatedAt.IsZero() {
		sys.CreatedAt = time.Now().UTC()
	}
	s.systems[sys.ID] = sys
	return sys, nil
}

func (s *Store) GetSystemByHostname(_ context.Context, hostname string) (forgemodel.System, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sys := range s.systems {
		if sys.Hostname == hostname {
			return sys, true, nil
		}
	}
	return forgemodel.System{}, false, nil
}

func (s *Store) ListActiveSystems(_ context.Context) ([]forgemodel.System, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forgemodel.System
	for _, sys := range s.systems {
		if sys.Active {
			out = append(out, sys)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListAutoLatestSystems(_ context.Context) ([]forgemodel.System, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []forgemodel.System
	for _, sys := range s.systems {
		if sys.Active && sys.Policy == forgemodel.PolicyAutoLatest {
			out = append(out, sys)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetDesiredTarget(_ context.Context, systemID int64, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sys, ok := s.systems[systemID]
	if !ok {
		return storage.ErrNotFound
	}
	sys.DesiredTarget = target
	s.systems[systemID] = sys
	return nil
}

func (s *Store) RecordSystemState(_ context.Context, state forgemodel.SystemState) (forgemodel.SystemState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state.ID = s.allocID()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	s.systemStates[state.SystemID] = append(s.systemStates[state.SystemID], state)
	return state, nil
}

func (s *Store) RecordHeartbeat(_ context.Context, hb forgemodel.AgentHeartbeat) (forgemodel.AgentHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb.ID = s.allocID()
	if hb.CreatedAt.IsZero() {
		hb.CreatedAt = time.Now().UTC()
	}
	s.heartbeats[hb.ID] = hb
	return hb, nil
}

func (s *Store) LatestState(_ context.Context, systemID int64) (forgemodel.SystemState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := s.systemStates[systemID]
	if len(states) == 0 {
		return forgemodel.SystemState{}, false, nil
	}
	return states[len(states)-1], true, nil
}

// AddSystem is a test helper for seeding a registered host directly,
// bypassing the (nonexistent in this store) registration API.
func (s *Store) AddSystem(sys forgemodel.System) forgemodel.System {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sys.ID == 0 {
		sys.ID = s.allocID()
	}
	s.systems[sys.ID] = sys
	return sys
}
