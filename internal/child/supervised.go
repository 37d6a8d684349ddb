package child

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gosv/internal/ipc"
	"github.com/gosv/internal/procfs"
	"github.com/gosv/internal/service"
)

// EnvSupervisorChild, when present in a re-exec'd gosv process's
// environment, tells main() to run RunSupervisorChild instead of the
// ordinary supervisor main loop. Go cannot fork() without exec()'ing (the
// runtime's goroutines and signal handlers do not survive a bare fork), so
// the intermediate subreaper process is implemented the way the rest of
// the ecosystem solves this (the re-exec idiom used by container
// runtimes): the supervisor forks+execs a copy of its own binary flagged
// to immediately become the intermediate process.
const (
	EnvSupervisorChild = "GOSV_SUPERVISOR_CHILD"
	EnvServiceName     = "GOSV_SERVICE_NAME"

	// EnvExecHelperPath, when present, tells main() to run RunExecHelper
	// instead of the ordinary supervisor main loop: set
	// PR_SET_NO_NEW_PRIVS on this process, then exec into the path it
	// names with os.Args[1:] as argv. Spawned by Direct when a service's
	// Config.NoNewPrivs is set, for the same reason described above — the
	// prctl bit must be set in the child after fork but before the final
	// exec, which Go cannot do in-process without a re-exec hop.
	EnvExecHelperPath = "GOSV_EXEC_HELPER_PATH"
)

// Supervised launches the intermediate supervisor-child process for a
// service whose Config has StopAllChildren set or Ready==ReadyDaemonize.
// It inherits the fixed IPC fds so it can report ServiceStarting/
// DaemonReady without any extra handshake.
func Supervised(cfg *service.Config) (SpawnResult, error) {
	self, err := os.Executable()
	if err != nil {
		return SpawnResult{}, fmt.Errorf("child: resolve self: %w", err)
	}
	cmd := exec.Command(self)
	cmd.Env = append(os.Environ(), EnvSupervisorChild+"=1", EnvServiceName+"="+cfg.Name)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}

	if err := cmd.Start(); err != nil {
		return SpawnResult{}, fmt.Errorf("child: start supervisor-child for %s: %w", cfg.Name, err)
	}
	return SpawnResult{SupervisorPid: cmd.Process.Pid, Supervised: true}, nil
}

// RunSupervisorChild is the entry point a re-exec'd process runs when
// EnvSupervisorChild is set. It becomes a child-subreaper, forks the real
// payload, and loops reporting state back over the inherited IPC pipes
// until the payload (and, in Daemonize mode, its daemonized grandchild)
// exits or the server asks it to stop.
func RunSupervisorChild(cfg *service.Config) {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		os.Exit(1)
	}

	transport := ipc.OpenExisting()

	payload, argv := lowerRun(cfg.Run)
	payloadCmd := exec.Command(payload, argv...)
	payloadCmd.Dir = cfg.Chdir
	payloadCmd.Stdout = os.Stdout
	payloadCmd.Stderr = os.Stderr
	payloadCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}

	if err := payloadCmd.Start(); err != nil {
		os.Exit(1)
	}
	payloadPid := payloadCmd.Process.Pid

	_ = transport.WriteResponse(ipc.Response{Tag: ipc.RespOkay})
	req := ipc.Request{Tag: ipc.ReqServiceStarting, Pid: int32(payloadPid), Name: cfg.Name}
	_, _ = transport.ReqWrite.Write(req.Marshal())

	sigCh := make(chan os.Signal, 4)
	signalNotifyTermChld(sigCh)

	daemonizeReported := false

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				killProcessGroup(payloadPid)
				os.Exit(0)
			case syscall.SIGCHLD:
				status, ok := reapOne(payloadPid)
				if !ok {
					continue
				}
				if cfg.Ready == service.ReadyDaemonize && !daemonizeReported {
					// The payload is reaped; a grandchild it left behind has been
					// reparented to this subreaper and is listed among its children.
					if grandchild, found := procfs.FirstChild(os.Getpid()); found {
						daemonizeReported = true
						req := ipc.Request{Tag: ipc.ReqDaemonReady, Pid: int32(grandchild), Name: cfg.Name}
						_, _ = transport.ReqWrite.Write(req.Marshal())
						payloadPid = grandchild
						continue
					}
				}
				killProcessGroup(payloadPid)
				os.Exit(exitCodeFromStatus(status))
			}
		case <-time.After(5 * time.Second):
			// Nothing to do; the select exists purely to multiplex signals.
		}
	}
}

func exitCodeFromStatus(status syscall.WaitStatus) int {
	switch {
	case status.Exited():
		return status.ExitStatus()
	case status.Signaled():
		return 128 + int(status.Signal())
	default:
		return 0
	}
}

func reapOne(expectPid int) (syscall.WaitStatus, bool) {
	var status syscall.WaitStatus
	pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
	if err != nil || pid <= 0 {
		return status, false
	}
	return status, pid == expectPid
}

func killProcessGroup(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func signalNotifyTermChld(ch chan os.Signal) {
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGCHLD)
}

// ParseSupervisorChildEnv reads the two env vars RunSupervisorChild needs
// when main() detects EnvSupervisorChild is set.
func ParseSupervisorChildEnv() (serviceName string, ok bool) {
	if os.Getenv(EnvSupervisorChild) == "" {
		return "", false
	}
	return os.Getenv(EnvServiceName), true
}

// ParseExecHelperEnv reports whether main() should hand off to
// RunExecHelper instead of starting the supervisor.
func ParseExecHelperEnv() (path string, ok bool) {
	path = os.Getenv(EnvExecHelperPath)
	return path, path != ""
}

// RunExecHelper sets PR_SET_NO_NEW_PRIVS on the calling process, then
// execs into path with os.Args[1:] as argv, inheriting environment and
// file descriptors unchanged. Used only as the far end of the re-exec
// hop ParseExecHelperEnv triggers.
func RunExecHelper(path string) {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		os.Exit(127)
	}
	argv := append([]string{path}, os.Args[1:]...)
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		os.Exit(127)
	}
}
