// Package supervisor wires the state machine, target propagator, IPC
// transport, session store, child lifecycle, and signal handling into the
// single-threaded event loop of spec §4.2/§5: a dirty-flag round-robin
// scan to a fixed point, then exactly one poll() over the signalfd and
// the IPC request fd with a timeout computed from the soonest deadline.
package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/gosv/internal/child"
	"github.com/gosv/internal/clock"
	"github.com/gosv/internal/ipc"
	"github.com/gosv/internal/propagate"
	"github.com/gosv/internal/service"
	"github.com/gosv/internal/session"
	"github.com/gosv/internal/signals"
	"github.com/gosv/internal/statemachine"
)

// Supervisor is the main-loop owner. All mutable state lives here and is
// touched only from Run's goroutine; no locking is required (spec §5).
type Supervisor struct {
	Table     *service.Table
	Transport *ipc.Transport
	SigFD     *signals.SignalFD
	Clock     clock.Clock
	Log       *logrus.Logger

	shuttingDown bool
	deps         propagate.Deps
}

// New assembles a Supervisor over an already-loaded service table and
// already-created (or re-discovered) transport/signalfd.
func New(t *service.Table, tr *ipc.Transport, sig *signals.SignalFD, log *logrus.Logger) *Supervisor {
	return &Supervisor{
		Table:     t,
		Transport: tr,
		SigFD:     sig,
		Clock:     clock.Real{},
		Log:       log,
		deps:      propagate.Deps{Table: t},
	}
}

// Run drives the loop until shutdown completes, returning the process
// exit code per spec §4.2 ("exit with code 1 if any service is bad else
// 0").
func (s *Supervisor) Run() int {
	for {
		s.scanToFixedPoint()

		if s.shuttingDown && s.allDownOrErr() {
			if s.anyBad() {
				return 1
			}
			return 0
		}

		timeout := s.computeTimeout()
		if s.poll(timeout) {
			continue
		}
	}
}

// scanToFixedPoint implements the inner round-robin scan: find the first
// dirty record, apply its transition, clear dirty only when no change
// results, and loop until nothing is dirty (spec §4.2).
func (s *Supervisor) scanToFixedPoint() {
	for {
		idx := s.findDirty()
		if idx < 0 {
			return
		}
		s.step(idx)
	}
}

func (s *Supervisor) findDirty() int {
	for i, r := range s.Table.Records {
		if r.Dirty {
			return i
		}
	}
	return -1
}

func (s *Supervisor) step(i int) {
	r := s.Table.Records[i]
	wasStable := r.State.Stable()

	res := statemachine.Step(r, s.Clock.Now(), s.deps)
	if !res.Changed {
		r.Dirty = false
		return
	}

	prev := r.State
	r.State = res.Next
	r.Time = s.Clock.Now()
	r.Ready = false
	r.Dirty = true

	s.Log.WithFields(logrus.Fields{
		"service": r.Cfg.Name,
		"from":    prev.String(),
		"to":      r.State.String(),
		"target":  r.Target.String(),
	}).Info("state transition")

	for _, j := range r.Cfg.PropagateDirty {
		s.Table.Records[j].Dirty = true
	}

	nowStable := r.State.Stable()
	if nowStable && !wasStable {
		s.settleSignal(r)
	} else if !nowStable && wasStable {
		s.settleDrain(r)
	}

	s.performAction(r, res.Action)
}

func (s *Supervisor) performAction(r *service.Record, action statemachine.Action) {
	switch action {
	case statemachine.ActionRunSetup:
		s.spawnPhase(r, r.Cfg.Setup)
	case statemachine.ActionRunMain:
		s.spawnPhase(r, r.Cfg.Run)
	case statemachine.ActionRunCleanup:
		s.spawnPhase(r, r.Cfg.Cleanup)
	case statemachine.ActionSendStopSignal:
		s.sendStopSignal(r)
	case statemachine.ActionForceKill:
		s.forceKill(r)
	}
}

func (s *Supervisor) spawnPhase(r *service.Record, run service.Run) {
	if run.IsNone() {
		return
	}
	if run.Kind == service.RunFn {
		err := run.Fn()
		code := 0
		if err != nil {
			code = 1
		}
		r.ExitCode = &code
		r.Dirty = true
		return
	}

	logFd := s.logSinkWriteFd(r)

	var result child.SpawnResult
	var err error
	if r.Cfg.StopAllChildren || r.Cfg.Ready == service.ReadyDaemonize {
		result, err = child.Supervised(r.Cfg)
	} else {
		result, err = child.Direct(run, r.Cfg, logFd)
	}
	if err != nil {
		s.Log.WithError(err).WithField("service", r.Cfg.Name).Warn("spawn failed")
		code := -1
		r.ExitCode = &code
		r.Dirty = true
		return
	}
	if result.Supervised {
		r.SupervisorPid = &result.SupervisorPid
	} else {
		r.Pid = &result.Pid
	}
	r.Dirty = true
}

func (s *Supervisor) logSinkWriteFd(r *service.Record) int {
	if r.Cfg.Log.Kind != service.LogService {
		return 0
	}
	sink := s.Table.Records[r.Cfg.Log.ServiceIdx]
	if !sink.HasStdinPipe {
		return 0
	}
	return sink.StdinPipeWrite
}

func (s *Supervisor) sendStopSignal(r *service.Record) {
	if r.Pid == nil {
		return
	}
	sig := syscall.Signal(r.Cfg.StopSignal)
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	if err := child.KillGroup(*r.Pid, sig); err != nil {
		s.Log.WithError(err).WithField("service", r.Cfg.Name).Debug("stop signal delivery failed")
	}
}

func (s *Supervisor) forceKill(r *service.Record) {
	if r.SupervisorPid != nil {
		_ = child.Kill(*r.SupervisorPid, syscall.SIGTERM)
	}
	if r.Pid != nil {
		_ = child.KillGroup(*r.Pid, syscall.SIGKILL)
	}
}

// settleSignal writes one byte into the settle pipe's write end on
// entering a stable state, lazily doing nothing if none was ever
// requested (spec §4.1/§6).
func (s *Supervisor) settleSignal(r *service.Record) {
	if !r.HasSettlePipe {
		return
	}
	_, _ = unix.Write(r.SettlePipeWrite, []byte{1})
}

// settleDrain drains the settle pipe (PIPE_BUF-sized read) on leaving a
// stable state.
func (s *Supervisor) settleDrain(r *service.Record) {
	if !r.HasSettlePipe {
		return
	}
	buf := make([]byte, ipc.MaxMessageSize)
	for {
		n, err := unix.Read(r.SettlePipeRead, buf)
		if err != nil || n == 0 {
			return
		}
	}
}

func (s *Supervisor) allDownOrErr() bool {
	for _, r := range s.Table.Records {
		if r.State != service.Down && r.State != service.Failed && r.State != service.CannotStop {
			return false
		}
	}
	return true
}

func (s *Supervisor) anyBad() bool {
	for _, r := range s.Table.Records {
		if r.State.Bad() {
			return true
		}
	}
	return false
}

// computeTimeout finds the minimum remaining time across every record
// with a live deadline, marking none dirty here — that happens after
// poll() actually times out, per spec §4.2.
func (s *Supervisor) computeTimeout() time.Duration {
	now := s.Clock.Now()
	best := time.Duration(-1)
	for _, r := range s.Table.Records {
		deadline, ok := statemachine.Deadline(r)
		if !ok {
			continue
		}
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	if best < 0 {
		return -1 * time.Millisecond // block indefinitely
	}
	return best
}

// poll performs the single blocking call of the event loop: poll() over
// the signalfd and the IPC request fd. Returns true if the caller should
// immediately re-scan (an event was handled).
func (s *Supervisor) poll(timeout time.Duration) bool {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	fds := []unix.PollFd{
		{Fd: int32(s.SigFD.Fd()), Events: unix.POLLIN},
		{Fd: int32(s.Transport.ReqRead.Fd()), Events: unix.POLLIN},
	}

	n, err := unix.Poll(fds, ms)
	if err != nil {
		if err == unix.EINTR {
			return true
		}
		s.Log.WithError(err).Error("poll failed")
		return true
	}
	if n == 0 {
		s.markSoonestDirty()
		return true
	}

	// Signalfd takes priority when both are ready (spec §5).
	if fds[0].Revents&unix.POLLIN != 0 {
		s.handleSignal()
		return true
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		s.handleRequest()
	}
	return true
}

func (s *Supervisor) markSoonestDirty() {
	bestIdx := -1
	var bestDeadline time.Time
	for i, r := range s.Table.Records {
		d, ok := statemachine.Deadline(r)
		if !ok {
			continue
		}
		if bestIdx < 0 || d.Before(bestDeadline) {
			bestIdx = i
			bestDeadline = d
		}
	}
	if bestIdx >= 0 {
		s.Table.Records[bestIdx].Dirty = true
	}
}

func (s *Supervisor) handleSignal() {
	switch s.SigFD.Read() {
	case signals.SignalINT, signals.SignalTERM:
		if os.Getpid() == 1 {
			return
		}
		for _, r := range s.Table.Records {
			r.Target = service.TargetDown
			r.Dirty = true
		}
		s.shuttingDown = true
	case signals.SignalHUP:
		s.reexec()
	case signals.SignalCHLD:
		s.reap()
	}
}

func (s *Supervisor) reexec() {
	memfd, err := session.NewMemfd()
	if err != nil {
		s.Log.WithError(err).Error("re-exec: memfd_create failed")
		return
	}
	if err := session.Save(memfd, s.Table); err != nil {
		s.Log.WithError(err).Error("re-exec: session save failed")
		return
	}
	if err := execSelf(); err != nil {
		s.Log.WithError(err).Error("re-exec: exec failed")
	}
}

func execSelf() error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve self: %w", err)
	}
	return unix.Exec(self, os.Args, os.Environ())
}

// execPath re-execs into an operator-named image instead of the running
// binary, carrying os.Args/environment across unchanged (spec §4.4's
// "re-exec a named image" form of the exec request).
func execPath(path string) error {
	return unix.Exec(path, append([]string{path}, os.Args[1:]...), os.Environ())
}

// reap implements SIGCHLD handling: a waitpid(-1, WNOHANG) loop, matching
// reaped pids against direct pid fields first, then supervisor_pid fields
// (spec §4.5/§4.6/handle_sigchld).
func (s *Supervisor) reap() {
	for {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		exitCode := exitCodeFromStatus(status)

		if r := s.findByPid(pid); r != nil {
			r.Pid = nil
			r.ExitCode = &exitCode
			r.Dirty = true
			s.closeStdinPipe(r)
			continue
		}
		if r := s.findBySupervisorPid(pid); r != nil {
			r.SupervisorPid = nil
			r.Pid = nil
			r.ExitCode = &exitCode
			r.Dirty = true
			s.closeStdinPipe(r)
			continue
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

func (s *Supervisor) findByPid(pid int) *service.Record {
	for _, r := range s.Table.Records {
		if r.Pid != nil && *r.Pid == pid {
			return r
		}
	}
	return nil
}

func (s *Supervisor) findBySupervisorPid(pid int) *service.Record {
	for _, r := range s.Table.Records {
		if r.SupervisorPid != nil && *r.SupervisorPid == pid {
			return r
		}
	}
	return nil
}

func (s *Supervisor) closeStdinPipe(r *service.Record) {
	if !r.HasStdinPipe {
		return
	}
	unix.Close(r.StdinPipeRead)
	unix.Close(r.StdinPipeWrite)
	r.HasStdinPipe = false
}

// handleRequest consumes exactly one IPC request and writes exactly one
// response before the next request is read (spec §5's ordering
// guarantee).
func (s *Supervisor) handleRequest() {
	req, ok := s.Transport.ReadRequest()
	if !ok {
		return
	}
	resp := s.dispatch(req)
	if err := s.Transport.WriteResponse(resp); err != nil {
		s.Log.WithError(err).Warn("failed to write IPC response")
	}
}

func (s *Supervisor) dispatch(req ipc.Request) ipc.Response {
	switch req.Tag {
	case ipc.ReqInvalid:
		return ipc.Response{Tag: ipc.RespInvalidRequest}
	case ipc.ReqExec:
		memfd, err := session.NewMemfd()
		if err != nil {
			s.Log.WithError(err).Error("exec: memfd_create failed")
			return ipc.Response{Tag: ipc.RespFailed}
		}
		if err := session.Save(memfd, s.Table); err != nil {
			s.Log.WithError(err).Error("exec: session save failed")
			return ipc.Response{Tag: ipc.RespFailed}
		}
		var execErr error
		if req.Path != "" {
			execErr = execPath(req.Path)
		} else {
			execErr = execSelf()
		}
		if execErr != nil {
			s.Log.WithError(execErr).Error("exec: exec failed")
			return ipc.Response{Tag: ipc.RespFailed}
		}
		return ipc.Response{Tag: ipc.RespOkay}
	case ipc.ReqQueryNeeds, ipc.ReqQueryWants, ipc.ReqQueryConflicts, ipc.ReqQueryGroups:
		idx, ok := s.Table.ByName(req.Name)
		if !ok {
			return ipc.Response{Tag: ipc.RespServiceNotFound}
		}
		return s.dispatchDepQuery(req.Tag, idx, int(req.Index))
	case ipc.ReqQueryLog:
		idx, ok := s.Table.ByName(req.Name)
		if !ok {
			return ipc.Response{Tag: ipc.RespServiceNotFound}
		}
		return s.dispatchLogQuery(idx)
	case ipc.ReqSetTarget:
		idx, ok := s.Table.ByName(req.Name)
		if !ok {
			return ipc.Response{Tag: ipc.RespServiceNotFound}
		}
		propagate.SetTarget(s.Table, idx, req.Target)
		return ipc.Response{Tag: ipc.RespOkay}
	case ipc.ReqQueryStatus, ipc.ReqQueryState, ipc.ReqQueryTarget, ipc.ReqQueryPid,
		ipc.ReqQueryExitCode, ipc.ReqQueryAttemptCount, ipc.ReqQueryTimeInState,
		ipc.ReqQuerySettleFd:
		idx, ok := s.Table.ByName(req.Name)
		if !ok {
			return ipc.Response{Tag: ipc.RespServiceNotFound}
		}
		return s.dispatchQuery(req.Tag, idx)
	case ipc.ReqServiceStarting:
		idx, ok := s.Table.ByName(req.Name)
		if !ok {
			return ipc.Response{Tag: ipc.RespServiceNotFound}
		}
		r := s.Table.Records[idx]
		pid := int(req.Pid)
		r.Pid = &pid
		r.Dirty = true
		return ipc.Response{Tag: ipc.RespOkay}
	case ipc.ReqDaemonReady:
		idx, ok := s.Table.ByName(req.Name)
		if !ok {
			return ipc.Response{Tag: ipc.RespServiceNotFound}
		}
		r := s.Table.Records[idx]
		pid := int(req.Pid)
		r.Pid = &pid
		r.Ready = true
		r.Dirty = true
		return ipc.Response{Tag: ipc.RespOkay}
	case ipc.ReqServiceReady:
		if r := s.findByPid(int(req.Pid)); r != nil {
			r.Ready = true
			r.Dirty = true
			return ipc.Response{Tag: ipc.RespOkay}
		}
		return ipc.Response{Tag: ipc.RespServiceNotFound}
	default:
		return ipc.Response{Tag: ipc.RespInvalidRequest}
	}
}

func (s *Supervisor) dispatchQuery(tag ipc.ReqTag, idx int) ipc.Response {
	r := s.Table.Records[idx]
	switch tag {
	case ipc.ReqQueryStatus:
		pid := ipc.PidNone
		if r.Pid != nil {
			pid = int32(*r.Pid)
		}
		exitCode := ipc.ExitCodeNone
		if r.ExitCode != nil {
			exitCode = int32(*r.ExitCode)
		}
		return ipc.Response{
			Tag: ipc.RespStatus, State: r.State, Target: r.Target,
			Pid: pid, ExitCode: exitCode, AttemptCount: r.AttemptCount,
			TimeMillis: s.Clock.Now().Sub(r.Time).Milliseconds(),
		}
	case ipc.ReqQueryState:
		return ipc.Response{Tag: ipc.RespState, State: r.State}
	case ipc.ReqQueryTarget:
		return ipc.Response{Tag: ipc.RespTarget, Target: r.Target}
	case ipc.ReqQueryPid:
		if r.Pid == nil {
			return ipc.Response{Tag: ipc.RespFieldIsNone}
		}
		return ipc.Response{Tag: ipc.RespPid, Pid: int32(*r.Pid)}
	case ipc.ReqQueryExitCode:
		if r.ExitCode == nil {
			return ipc.Response{Tag: ipc.RespFieldIsNone}
		}
		return ipc.Response{Tag: ipc.RespExitCode, Pid: int32(*r.ExitCode)}
	case ipc.ReqQueryAttemptCount:
		return ipc.Response{Tag: ipc.RespAttemptCount, AttemptCount: r.AttemptCount}
	case ipc.ReqQueryTimeInState:
		return ipc.Response{Tag: ipc.RespTime, TimeMillis: s.Clock.Now().Sub(r.Time).Milliseconds()}
	case ipc.ReqQuerySettleFd:
		if !r.HasSettlePipe {
			if err := s.createSettlePipe(r); err != nil {
				return ipc.Response{Tag: ipc.RespSettleDisabled}
			}
		}
		return ipc.Response{Tag: ipc.RespSettleFd, Pid: int32(r.SettlePipeRead)}
	default:
		return ipc.Response{Tag: ipc.RespInvalidRequest}
	}
}

// dispatchDepQuery answers a single indexed entry of a service's
// needs/wants/conflicts/groups relation, returning the named dependency at
// that position or FieldIsNone if the index is out of range (spec §4.4,
// handle_request.rs's QueryNeeds/QueryWants/QueryConflicts/QueryGroups).
func (s *Supervisor) dispatchDepQuery(tag ipc.ReqTag, idx, entry int) ipc.Response {
	c := s.Table.Configs[idx]
	var indices []int
	switch tag {
	case ipc.ReqQueryNeeds:
		indices = c.Needs
	case ipc.ReqQueryWants:
		indices = c.Wants
	case ipc.ReqQueryConflicts:
		indices = c.Conflicts
	case ipc.ReqQueryGroups:
		indices = c.Groups
	}
	if entry < 0 || entry >= len(indices) {
		return ipc.Response{Tag: ipc.RespFieldIsNone}
	}
	dep := s.Table.Configs[indices[entry]]
	return ipc.Response{Tag: ipc.RespName, Name: dep.Name}
}

// dispatchLogQuery answers a service's log-sink description: None/Inherit
// reply with the FieldIsNone/Name("inherit") sentinels, a File sink replies
// with its path, and a Service sink replies with the sink service's name
// (internal_api.rs's Log::as_response).
func (s *Supervisor) dispatchLogQuery(idx int) ipc.Response {
	c := s.Table.Configs[idx]
	switch c.Log.Kind {
	case service.LogNone:
		return ipc.Response{Tag: ipc.RespFieldIsNone}
	case service.LogInherit:
		return ipc.Response{Tag: ipc.RespName, Name: "inherit"}
	case service.LogFile:
		return ipc.Response{Tag: ipc.RespPath, Path: c.Log.FilePath}
	case service.LogService:
		return ipc.Response{Tag: ipc.RespName, Name: s.Table.Configs[c.Log.ServiceIdx].Name}
	default:
		return ipc.Response{Tag: ipc.RespFieldIsNone}
	}
}

func (s *Supervisor) createSettlePipe(r *service.Record) error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return err
	}
	r.SettlePipeRead = fds[0]
	r.SettlePipeWrite = fds[1]
	r.HasSettlePipe = true
	if r.State.Stable() {
		_, _ = unix.Write(r.SettlePipeWrite, []byte{1})
	}
	return nil
}
