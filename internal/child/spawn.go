// Package child implements the two spawn modes: direct fork/exec under
// the service's own process group, and the supervised mode where an
// intermediate subreaper process owns the service's descendant tree and
// reports readiness/death back over IPC.
//
// The process-group signalling idiom (Setpgid at spawn, signal -pid to
// reach the whole group) follows the conventional process-supervisor
// pattern for process-group-wide signal delivery.
package child

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/gosv/internal/service"
)

// SpawnResult carries back what the caller needs to record on the
// service.Record: either a direct pid, or a supervisor pid (supervised
// mode). Spawning creates no stdin pipe for log-sink services.
type SpawnResult struct {
	Pid           int
	SupervisorPid int
	Supervised    bool
}

// Direct forks, configures, and execs the given Exec or Shell Run spec
// under its own process group. None and Fn specs are rejected with an
// error.
func Direct(r service.Run, cfg *service.Config, logWriteFd int) (SpawnResult, error) {
	switch r.Kind {
	case service.RunNone:
		return SpawnResult{}, fmt.Errorf("child: cannot spawn a None run spec")
	case service.RunFn:
		// Run in a dedicated goroutine-backed fake pid is not possible in a
		// single process without fork; Fn phases are expected to be quick
		// and are executed synchronously by the caller instead of here.
		return SpawnResult{}, fmt.Errorf("child: Fn run specs are executed inline, not spawned")
	}

	path, argv := lowerRun(r)
	env := os.Environ()

	// PR_SET_NO_NEW_PRIVS must be applied to the child itself before it
	// execs into the service's real program, and Go cannot run arbitrary
	// code between fork and exec (the runtime's threads don't survive a
	// bare fork). So a configured NoNewPrivs routes through the same
	// self-re-exec trick as the supervisor-child: gosv re-execs itself
	// flagged to set the prctl bit and then exec into path/argv.
	if cfg.NoNewPrivs {
		self, err := os.Executable()
		if err != nil {
			return SpawnResult{}, fmt.Errorf("child: resolve self for no-new-privs helper: %w", err)
		}
		env = append(env, EnvExecHelperPath+"="+path)
		path = self
	}

	cmd := exec.Command(path, argv...)
	cmd.Dir = cfg.Chdir
	cmd.Env = env

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	if cfg.UID != nil || cfg.GID != nil {
		cred := &syscall.Credential{}
		if cfg.UID != nil {
			cred.Uid = *cfg.UID
		}
		if cfg.GID != nil {
			cred.Gid = *cfg.GID
		}
		cmd.SysProcAttr.Credential = cred
	}

	if logWriteFd > 0 {
		f := os.NewFile(uintptr(logWriteFd), "gosv-log-sink")
		cmd.Stdout = f
		cmd.Stderr = f
	} else if r.LogOverride {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	} else {
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err == nil {
			cmd.Stdout = devnull
			cmd.Stderr = devnull
		}
	}

	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("child: start %s: %w", cfg.Name, err)
	}

	go reapDetached(cmd)

	return SpawnResult{Pid: cmd.Process.Pid}, nil
}

// reapDetached releases cmd's *os.Process bookkeeping without waiting on
// the child: the supervisor reaps for real via waitpid in its SIGCHLD
// handler (Supervisor.reap in internal/supervisor), so calling Wait here
// would double-reap.
func reapDetached(cmd *exec.Cmd) {
	_ = cmd.Process.Release()
}

func lowerRun(r service.Run) (string, []string) {
	switch r.Kind {
	case service.RunShell:
		return "/bin/sh", []string{"-c", r.Shell}
	default:
		return r.Path, r.Argv
	}
}

// KillGroup sends sig to the service's entire process group, matching the
// teacher's Process.Signal idiom (negative pid targets the group).
func KillGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// Kill sends sig to a single pid.
func Kill(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
