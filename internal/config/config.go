// Package config loads the static, compile-time service list from a JSON
// manifest and lowers it into an internal/service.Table, resolving name
// references into indices and letting internal/service precompute the
// propagation arrays. Kept deliberately small: parsing and validating the
// user-facing manifest is the only job here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"github.com/gosv/internal/service"
)

// Document is the on-disk JSON shape.
type Document struct {
	LockFile string          `json:"lock_file"`
	Services []ServiceEntry  `json:"services"`
}

type ServiceEntry struct {
	Name       string   `json:"name"`
	InitTarget string   `json:"init_target"`
	Needs      []string `json:"needs"`
	Wants      []string `json:"wants"`
	Conflicts  []string `json:"conflicts"`
	Groups     []string `json:"groups"`

	Setup   RunEntry `json:"setup"`
	Run     RunEntry `json:"run"`
	Cleanup RunEntry `json:"cleanup"`

	Ready           string `json:"ready"`
	StopAllChildren bool   `json:"stop_all_children"`

	MaxSetupTimeMillis   *int64 `json:"max_setup_time_millis"`
	MaxReadyTimeMillis   *int64 `json:"max_ready_time_millis"`
	MaxStopTimeMillis    *int64 `json:"max_stop_time_millis"`
	MaxCleanupTimeMillis *int64 `json:"max_cleanup_time_millis"`

	Retry RetryEntry `json:"retry"`

	Log        LogEntry `json:"log"`
	IsLogger   bool     `json:"is_logger"`
	UID        *uint32  `json:"uid"`
	GID        *uint32  `json:"gid"`
	NoNewPrivs bool     `json:"no_new_privs"`
	Chdir      string   `json:"chdir"`
	StopSignal string   `json:"stop_signal"`
}

// RunEntry is the JSON form of the {None, Exec, Shell} part of the Run
// union. Fn has no JSON representation: buildRun lowers every kind other
// than "exec" and "shell" (including "fn") to RunNone.
type RunEntry struct {
	Kind  string   `json:"kind"` // "none" | "exec" | "shell"
	Path  string   `json:"path"`
	Argv  []string `json:"argv"`
	Shell string   `json:"shell"`
}

type RetryEntry struct {
	Policy          string `json:"policy"` // "never" | "fixed" | "doubling"
	PeriodMillis    int64  `json:"period_millis"`
	MaxAttemptCount *uint32 `json:"max_attempt_count"`
}

type LogEntry struct {
	Kind       string `json:"kind"` // "none" | "inherit" | "file" | "service"
	FilePath   string `json:"file_path"`
	FileMode   int    `json:"file_mode"`
	ServiceRef string `json:"service_ref"`
}

// Load reads and parses the manifest at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &doc, nil
}

// Build lowers a Document into a service.Table, resolving every name
// reference into an index. Panics (via service.NewTable) on a cycle,
// duplicate name, or reflexive relation.
func Build(doc *Document) (*service.Table, error) {
	byName := make(map[string]int, len(doc.Services))
	for i, e := range doc.Services {
		byName[e.Name] = i
	}

	configs := make([]*service.Config, len(doc.Services))
	for i, e := range doc.Services {
		resolved, err := resolveNames(byName, e.Needs)
		if err != nil {
			return nil, err
		}
		wants, err := resolveNames(byName, e.Wants)
		if err != nil {
			return nil, err
		}
		conflicts, err := resolveNames(byName, e.Conflicts)
		if err != nil {
			return nil, err
		}
		groups, err := resolveNames(byName, e.Groups)
		if err != nil {
			return nil, err
		}

		log, err := buildLog(byName, e.Log)
		if err != nil {
			return nil, err
		}

		cfg := &service.Config{
			Name:                 e.Name,
			Index:                i,
			InitTarget:           parseTarget(e.InitTarget),
			Needs:                resolved,
			Wants:                wants,
			Conflicts:            conflicts,
			Groups:               groups,
			Setup:                buildRun(e.Setup),
			Run:                  buildRun(e.Run),
			Cleanup:              buildRun(e.Cleanup),
			Ready:                parseReady(e.Ready),
			StopAllChildren:      e.StopAllChildren,
			MaxSetupTimeMillis:   e.MaxSetupTimeMillis,
			MaxReadyTimeMillis:   e.MaxReadyTimeMillis,
			MaxStopTimeMillis:    e.MaxStopTimeMillis,
			MaxCleanupTimeMillis: e.MaxCleanupTimeMillis,
			Retry:                buildRetry(e.Retry),
			Log:                  log,
			IsLogger:             e.IsLogger,
			UID:                  e.UID,
			GID:                  e.GID,
			NoNewPrivs:           e.NoNewPrivs,
			Chdir:                e.Chdir,
			StopSignal:           int(parseSignal(e.StopSignal)),
		}
		configs[i] = cfg
	}

	return service.NewTable(configs), nil
}

func resolveNames(byName map[string]int, names []string) ([]int, error) {
	out := make([]int, 0, len(names))
	for _, n := range names {
		idx, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("config: unknown service name %q", n)
		}
		out = append(out, idx)
	}
	return out, nil
}

func buildRun(e RunEntry) service.Run {
	switch e.Kind {
	case "exec":
		return service.Run{Kind: service.RunExec, Path: e.Path, Argv: e.Argv}
	case "shell":
		return service.Run{Kind: service.RunShell, Shell: e.Shell}
	default:
		return service.Run{Kind: service.RunNone}
	}
}

func buildRetry(e RetryEntry) service.Retry {
	switch e.Policy {
	case "fixed":
		return service.Retry{PeriodMillis: e.PeriodMillis, Multiplier: 1, MaxAttemptCount: e.MaxAttemptCount}
	case "doubling":
		return service.Retry{PeriodMillis: e.PeriodMillis, Multiplier: 2, MaxAttemptCount: e.MaxAttemptCount}
	default:
		return service.Retry{Never: true}
	}
}

func buildLog(byName map[string]int, e LogEntry) (service.Log, error) {
	switch e.Kind {
	case "inherit":
		return service.Log{Kind: service.LogInherit}, nil
	case "file":
		return service.Log{Kind: service.LogFile, FilePath: e.FilePath, FileMode: e.FileMode}, nil
	case "service":
		idx, ok := byName[e.ServiceRef]
		if !ok {
			return service.Log{}, fmt.Errorf("config: unknown log sink service %q", e.ServiceRef)
		}
		return service.Log{Kind: service.LogService, ServiceIdx: idx}, nil
	default:
		return service.Log{Kind: service.LogNone}, nil
	}
}

func parseTarget(s string) service.Target {
	switch s {
	case "up":
		return service.TargetUp
	case "restart":
		return service.TargetRestart
	case "once":
		return service.TargetOnce
	default:
		return service.TargetDown
	}
}

func parseReady(s string) service.ReadyMode {
	switch s {
	case "notify":
		return service.ReadyNotify
	case "daemonize":
		return service.ReadyDaemonize
	default:
		return service.ReadyImmediately
	}
}

func parseSignal(s string) syscall.Signal {
	switch s {
	case "SIGQUIT":
		return syscall.SIGQUIT
	case "SIGINT":
		return syscall.SIGINT
	case "SIGKILL":
		return syscall.SIGKILL
	case "":
		return syscall.SIGTERM
	default:
		return syscall.SIGTERM
	}
}
