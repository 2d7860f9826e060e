package evaluator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/crystalforge/forge/internal/forge/forgeerr"
	"github.com/crystalforge/forge/internal/forge/procrunner"
	"github.com/crystalforge/forge/pkg/forgelog"
)

// NixConfigEnumerator is the production ConfigEnumerator: it shells out
// to an external tool (via the Process Runner) that evaluates a flake and
// prints one JSON object per line for each top-level nixosConfiguration,
// grounded on original_source's flake/eval.rs list_nixos_configurations_from_commit
// (which runs `nix flake show --json` and walks the nixosConfigurations keys).
type NixConfigEnumerator struct {
	// Command is the argv prefix invoked as `append(Command, flakeRef)`.
	// Defaults to a small wrapper script that resolves each configuration's
	// .drv path and cache status and prints it as NDJSON, since `nix flake
	// show --json` alone only lists names.
	Command []string
	Timeout time.Duration
	Log     *forgelog.Logger
}

// NewNixConfigEnumerator returns an enumerator invoking the given argv
// prefix, defaulting to the crystal-forge-eval-configs helper.
func NewNixConfigEnumerator(command []string, log *forgelog.Logger) *NixConfigEnumerator {
	if len(command) == 0 {
		command = []string{"crystal-forge-eval-configs"}
	}
	if log == nil {
		log = forgelog.NewDefault("evaluator.configs")
	}
	return &NixConfigEnumerator{Command: command, Timeout: 300 * time.Second, Log: log}
}

type configLine struct {
	AttrPath     string          `json:"attrPath"`
	DrvPath      string          `json:"drvPath"`
	CacheStatus  string          `json:"cacheStatus"`
	PolicyChecks map[string]bool `json:"policyChecks"`
}

// Enumerate runs the configuration-enumeration tool and, once it has
// exited, decodes its collected NDJSON stdout one record at a time,
// invoking onRecord in output order.
func (n *NixConfigEnumerator) Enumerate(ctx context.Context, flakeRef string, onRecord func(ConfigRecord) error) error {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, n.Command...), flakeRef)
	res, err := procrunner.Run(runCtx, argv, procrunner.Options{Name: "eval-configs", Log: n.Log})
	if err != nil {
		return err
	}

	dec := json.NewDecoder(strings.NewReader(strings.Join(res.Stdout, "\n")))
	for dec.More() {
		var line configLine
		if err := dec.Decode(&line); err != nil {
			return forgeerr.WrapKind(forgeerr.KindTerminal, err, "decode configuration record")
		}
		if err := onRecord(ConfigRecord{
			AttrPath:     line.AttrPath,
			DrvPath:      line.DrvPath,
			CacheStatus:  line.CacheStatus,
			PolicyChecks: line.PolicyChecks,
		}); err != nil {
			return err
		}
	}
	return nil
}

// NixClosureEnumerator is the production ClosureEnumerator: it shells out
// (via the Process Runner) to an external tool that prints one NDJSON
// record per closure member with its .drv path and cache status,
// grounded on derivations/build.rs's closure walk.
type NixClosureEnumerator struct {
	Command []string
	Timeout time.Duration
	Log     *forgelog.Logger
}

// NewNixClosureEnumerator returns a closure enumerator invoking the given
// argv prefix, defaulting to the crystal-forge-eval-closure helper.
func NewNixClosureEnumerator(command []string, log *forgelog.Logger) *NixClosureEnumerator {
	if len(command) == 0 {
		command = []string{"crystal-forge-eval-closure"}
	}
	if log == nil {
		log = forgelog.NewDefault("evaluator.closure")
	}
	return &NixClosureEnumerator{Command: command, Timeout: 120 * time.Second, Log: log}
}

type closureLine struct {
	DrvPath     string `json:"drvPath"`
	CacheStatus string `json:"cacheStatus"`
}

// Closure runs the closure-enumeration tool and decodes its NDJSON stdout
// into the full member list for drvPath.
func (n *NixClosureEnumerator) Closure(ctx context.Context, drvPath string) ([]ClosureMember, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := append(append([]string{}, n.Command...), drvPath)
	res, err := procrunner.Run(runCtx, argv, procrunner.Options{Name: "eval-closure", Log: n.Log})
	if err != nil {
		return nil, err
	}

	var members []ClosureMember
	dec := json.NewDecoder(strings.NewReader(strings.Join(res.Stdout, "\n")))
	for dec.More() {
		var line closureLine
		if err := dec.Decode(&line); err != nil {
			return nil, forgeerr.WrapKind(forgeerr.KindTerminal, err, "decode closure record")
		}
		if line.DrvPath == drvPath {
			// Self-references are the norm for "requisites" style queries;
			// the caller (Evaluator.expandClosure) only wants dependencies.
			continue
		}
		members = append(members, ClosureMember{DrvPath: line.DrvPath, CacheStatus: line.CacheStatus})
	}
	return members, nil
}
