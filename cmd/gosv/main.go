// Command gosv is a supervisor for long-lived processes that can run as
// PID 1 or as an unprivileged session supervisor.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gosv/internal/child"
	"github.com/gosv/internal/config"
	"github.com/gosv/internal/ipc"
	"github.com/gosv/internal/logging"
	"github.com/gosv/internal/service"
	"github.com/gosv/internal/session"
	"github.com/gosv/internal/signals"
	"github.com/gosv/internal/supervisor"
)

const defaultLockFile = "/run/gosv.lock"

func main() {
	if path, ok := child.ParseExecHelperEnv(); ok {
		child.RunExecHelper(path)
		return
	}

	configPath := flag.String("config", "", "Path to service manifest (JSON)")
	lockPath := flag.String("lock-file", defaultLockFile, "Path to the advisory lock file")
	flag.Parse()

	log := logging.New()

	if name, ok := child.ParseSupervisorChildEnv(); ok {
		doc, table, err := loadTable(*configPath)
		if err != nil {
			log.WithError(err).Fatal("supervisor-child: failed to load config")
		}
		_ = doc
		idx, ok := table.ByName(name)
		if !ok {
			log.WithField("service", name).Fatal("supervisor-child: unknown service")
		}
		child.RunSupervisorChild(table.Configs[idx])
		return
	}

	log.Infof("gosv starting, pid=%d", os.Getpid())

	lock, holderPid, err := supervisor.Acquire(*lockPath)
	if err != nil {
		if holderPid > 0 {
			fmt.Fprintf(os.Stderr, "gosv: already running as pid %d (lock %s)\n", holderPid, *lockPath)
		} else {
			fmt.Fprintf(os.Stderr, "gosv: %v\n", err)
		}
		os.Exit(1)
	}
	_ = lock.WritePidHint()

	_, table, err := loadTable(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	transport, sigfd, resumed := bootstrapIPC()
	if resumed {
		if memfd, ok := session.OpenExisting(); ok {
			if err := session.Load(memfd, table); err != nil {
				log.WithError(err).Warn("session resume: partial load")
			} else {
				log.Info("resumed session across re-exec")
			}
		}
	}

	sup := supervisor.New(table, transport, sigfd, log)

	if os.Getpid() == 1 {
		runAsPid1(sup, log)
		return
	}

	os.Exit(sup.Run())
}

func loadTable(path string) (*config.Document, *service.Table, error) {
	if path == "" {
		doc, table := demoTable()
		return doc, table, nil
	}
	doc, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	table, err := config.Build(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, table, nil
}

// demoTable builds a single trivial "heartbeat" service so the binary
// does something useful with no manifest given.
func demoTable() (*config.Document, *service.Table) {
	doc := &config.Document{
		Services: []config.ServiceEntry{
			{
				Name:  "heartbeat",
				Ready: "immediately",
				Run: config.RunEntry{
					Kind:  "shell",
					Shell: "while true; do echo '[heartbeat] alive at '$(date); sleep 2; done",
				},
				InitTarget: "up",
				Retry:      config.RetryEntry{Policy: "doubling", PeriodMillis: 1000, MaxAttemptCount: nil},
			},
		},
	}
	table, err := config.Build(doc)
	if err != nil {
		panic(err)
	}
	return doc, table
}

func bootstrapIPC() (*ipc.Transport, *signals.SignalFD, bool) {
	if _, resumed := session.OpenExisting(); resumed {
		return ipc.OpenExisting(), signals.OpenExisting(ipc.FDSignal), true
	}
	transport, err := ipc.NewTransport()
	if err != nil {
		panic(err)
	}
	sigfd, err := signals.New(ipc.FDSignal)
	if err != nil {
		panic(err)
	}
	return transport, sigfd, false
}

// runAsPid1 handles the unrecoverable case: as PID 1, the supervisor can
// never simply exit, so a Run() that returns (meaning every service
// reached a stable terminal state during shutdown, which should not
// happen for an init process outside of a deliberate re-exec) is logged,
// and after a 60 s delay the process re-execs /proc/self/exe. If that exec
// fails, Run() is entered again.
func runAsPid1(sup *supervisor.Supervisor, log *logrus.Logger) {
	for {
		sup.Run()
		log.Error("gosv: pid 1 supervisor loop exited unexpectedly, retrying re-exec")
		time.Sleep(60 * time.Second)
		if err := syscall.Exec("/proc/self/exe", os.Args, os.Environ()); err != nil {
			log.WithError(err).Error("gosv: pid 1 re-exec failed")
		}
	}
}
