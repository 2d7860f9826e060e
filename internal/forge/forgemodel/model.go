// Package forgemodel defines the entities shared by every Crystal Forge
// component: flakes, commits, derivations, reservations, cache-push jobs,
// scans, and target systems. Types here carry no persistence-framework tags;
// storage packages translate to and from SQL rows explicitly.
package forgemodel

import "time"

// CommitStatus is the evaluation status of a commit.
type CommitStatus string

const (
	CommitPending    CommitStatus = "pending"
	CommitInProgress CommitStatus = "in-progress"
	CommitComplete   CommitStatus = "complete"
	CommitFailed     CommitStatus = "failed"
)

// IsTerminal reports whether the commit will not be re-evaluated.
func (s CommitStatus) IsTerminal() bool {
	return s == CommitComplete || s == CommitFailed
}

// MaxEvaluationAttempts bounds how many times the evaluator retries a commit.
const MaxEvaluationAttempts = 5

// Flake is a watched source repository. Immutable once inserted.
type Flake struct {
	ID              int64
	Name            string
	RepoURL         string
	AutoPollEnabled bool
	PollInterval    time.Duration
	CreatedAt       time.Time
}

// Commit is a point in a flake's history.
type Commit struct {
	ID                 int64
	FlakeID            int64
	CommitHash         string
	CommitTimestamp    time.Time
	EvaluationStatus   CommitStatus
	EvaluationAttempts int
	EvaluationStarted  *time.Time
	LastError          string
	CreatedAt          time.Time
}

// DerivationKind distinguishes top-level system configurations from package
// dependencies.
type DerivationKind string

const (
	KindSystem  DerivationKind = "system"
	KindPackage DerivationKind = "package"
)

// DerivationStatus is the node in the build state machine (spec.md §4.5).
type DerivationStatus string

const (
	StatusPending           DerivationStatus = "pending"
	StatusDryRunPending      DerivationStatus = "dry-run-pending"
	StatusDryRunInProgress   DerivationStatus = "dry-run-in-progress"
	StatusDryRunComplete     DerivationStatus = "dry-run-complete"
	StatusDryRunFailed       DerivationStatus = "dry-run-failed"
	StatusBuildPending       DerivationStatus = "build-pending"
	StatusBuildInProgress    DerivationStatus = "build-in-progress"
	StatusBuildComplete      DerivationStatus = "build-complete"
	StatusBuildFailed        DerivationStatus = "build-failed"
	StatusCachePushed        DerivationStatus = "cache-pushed"
	StatusComplete           DerivationStatus = "complete"
	StatusFailed             DerivationStatus = "failed"
)

// terminalStatuses mirrors spec.md §4.5: "Terminal states".
var terminalStatuses = map[DerivationStatus]bool{
	StatusDryRunComplete: true,
	StatusDryRunFailed:   true,
	StatusBuildComplete:  true,
	StatusCachePushed:    true,
	StatusComplete:       true,
	StatusBuildFailed:    true,
	StatusFailed:         true,
}

// IsTerminal reports whether the status will never transition automatically.
func (s DerivationStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

var inProgressStatuses = map[DerivationStatus]bool{
	StatusDryRunInProgress: true,
	StatusBuildInProgress:  true,
}

// IsInProgress reports whether a worker currently holds this derivation.
func (s DerivationStatus) IsInProgress() bool {
	return inProgressStatuses[s]
}

// MaxBuildAttempts is the retry ceiling referenced by the buildable view.
const MaxBuildAttempts = 5

// Derivation is the central build unit: either a top-level "system"
// configuration or a "package" dependency discovered during closure
// computation or vulnerability scanning.
type Derivation struct {
	ID                         int64
	CommitID                   *int64
	Kind                       DerivationKind
	DisplayName                string
	PackageName                string
	PackageVersion             string
	DrvPath                    string
	StorePath                  string
	DeploymentTarget           string
	Status                     DerivationStatus
	Attempts                   int
	ScheduledAt                time.Time
	StartedAt                  *time.Time
	CompletedAt                *time.Time
	LastError                  string
	ProgressElapsedSeconds     *int64
	ProgressCurrentSubTarget   *string
	ProgressSecondsSinceActive *int64
	ProgressLastHeartbeat      *time.Time
	DeploymentPolicySatisfied  *bool
}

// DependencyEdge is a directed parent -> child build dependency.
type DependencyEdge struct {
	ParentID int64
	ChildID  int64
}

// Reservation is the lease a worker holds on a derivation while building it.
type Reservation struct {
	ID               int64
	WorkerID         string
	DerivationID     int64
	ParentSystemID   *int64
	ReservedAt       time.Time
	LastHeartbeatAt  time.Time
}

// CachePushStatus is the lifecycle of a cache-push job.
type CachePushStatus string

const (
	PushPending            CachePushStatus = "pending"
	PushInProgress         CachePushStatus = "in-progress"
	PushCompleted          CachePushStatus = "completed"
	PushFailed             CachePushStatus = "failed"
	PushPermanentlyFailed  CachePushStatus = "permanently-failed"
)

// MaxPushAttempts is the retry ceiling before a job is permanently failed.
const MaxPushAttempts = 5

// CachePushJob tracks one store-path upload to the binary cache.
type CachePushJob struct {
	ID              int64
	DerivationID    int64
	StorePath       string
	DestinationTag  string
	Status          CachePushStatus
	ScheduledAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Attempts        int
	RetryNotBefore  *time.Time
	LastError       string
	PushedSizeBytes int64
	PushDuration    time.Duration
}

// ScanStatus is the lifecycle of a vulnerability scan.
type ScanStatus string

const (
	ScanPending    ScanStatus = "pending"
	ScanInProgress ScanStatus = "in-progress"
	ScanCompleted  ScanStatus = "completed"
	ScanFailed     ScanStatus = "failed"
)

// MaxScanAttempts bounds how many times a derivation is resubmitted for scanning.
const MaxScanAttempts = 5

// SeverityRollup summarizes a scan's findings by CVSS severity bucket.
type SeverityRollup struct {
	Critical      int
	High          int
	Medium        int
	Low           int
	Total         int
	TotalPackages int
}

// CVEScan is one run of the external scanner against a derivation's output.
type CVEScan struct {
	ID            int64
	DerivationID  int64
	ScannerName   string
	ScannerVer    string
	Status        ScanStatus
	Attempts      int
	Severity      SeverityRollup
	Duration      time.Duration
	RawMetadata   string
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// ScanPackageMembership links a scan to one of the packages it discovered.
type ScanPackageMembership struct {
	ScanID             int64
	PackageDerivationID int64
	Runtime            *bool
	Depth              int
}

// CVE is a single vulnerability record carrying a CVSS v3 score.
type CVE struct {
	ID        string // e.g. "CVE-2024-12345"
	CVSSv3    float64
	Summary   string
}

// Vulnerability links a package derivation to a CVE found in it. CVSSv3
// and Summary travel alongside the link so the store can upsert the CVE
// row in the same transaction without a second lookup.
type Vulnerability struct {
	PackageDerivationID int64
	CVEID               string
	CVSSv3              float64
	Summary             string
	DetectionMethod     string
	Whitelisted         bool
	WhitelistReason      string
}

// DeploymentPolicy governs how a target host picks its desired build.
type DeploymentPolicy string

const (
	PolicyPinned     DeploymentPolicy = "pinned"
	PolicyAutoLatest DeploymentPolicy = "auto-latest"
)

// System is a registered target host that the on-host agent reports for.
type System struct {
	ID               int64
	Hostname         string
	Environment      string
	Active           bool
	PublicKey        [32]byte
	FlakeID          *int64
	DesiredTarget    string
	Policy           DeploymentPolicy
	CreatedAt        time.Time
}

// AgentHeartbeat is a lightweight "still alive, no change" signal.
type AgentHeartbeat struct {
	ID        int64
	SystemID  int64
	StateID   int64
	CreatedAt time.Time
}

// ChangeReason distinguishes routine heartbeats from real state changes.
type ChangeReason string

const (
	ReasonHeartbeat   ChangeReason = "heartbeat"
	ReasonStateDelta  ChangeReason = "state_delta"
)

// SystemState is a recorded agent report (heartbeat or full state change).
type SystemState struct {
	ID               int64
	SystemID         int64
	ChangeReason     ChangeReason
	CurrentTarget    string
	OS               string
	Kernel           string
	UptimeSeconds    int64
	Fingerprint      map[string]string
	CreatedAt        time.Time
}
