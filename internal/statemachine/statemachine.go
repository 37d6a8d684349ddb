// Package statemachine implements the per-service transition function: a
// deterministic, total function from (state, target, pid presence, timers,
// ready, exit code, dependency states) to the next state. Besides returning
// the next state it updates the record's target and attempt_count where a
// transition collapses or resets them. It performs no I/O —
// the caller (internal/supervisor) is responsible for acting on the
// Action the transition reports (send a signal, spawn a child, mark
// dependents dirty).
package statemachine

import (
	"time"

	"github.com/gosv/internal/service"
)

// DepsView answers the dependency-state questions the transition function
// needs without ever walking a graph itself — every answer is backed by a
// precomputed index array on the Record's Config.
type DepsView interface {
	// NeedsSatisfied reports whether every index in needs is Up.
	NeedsSatisfied(needs []int) bool
	// WantsSatisfied reports whether every index in wants is Up, Failed or
	// CannotStop.
	WantsSatisfied(wants []int) bool
	// ConflictsSatisfied reports whether every index in conflicts is Down
	// or Failed.
	ConflictsSatisfied(conflicts []int) bool
	// StopDependentsSettled reports whether every stop-dependency index has
	// reached Down, WaitingToStart, Failed or CannotStop.
	StopDependentsSettled(indices []int) bool
}

// Action is what the caller must do as a side effect of a transition.
type Action int

const (
	ActionNone Action = iota
	ActionRunSetup
	ActionRunMain
	ActionRunCleanup
	ActionSendStopSignal
	ActionForceKill
)

// Result is the outcome of evaluating one service's transition.
type Result struct {
	Next    service.State
	Changed bool
	Action  Action
}

// Step evaluates the transition function for one record at time now.
func Step(r *service.Record, now time.Time, deps DepsView) Result {
	cur := r.State
	switch cur {
	case service.Down:
		return stepDown(r)
	case service.WaitingToStart:
		return stepWaitingToStart(r, deps)
	case service.SettingUp:
		return stepSettingUp(r, now)
	case service.Starting:
		return stepStarting(r, now)
	case service.Up:
		return stepUp(r, now)
	case service.WaitingToStop:
		return stepWaitingToStop(r, deps)
	case service.Stopping:
		return stepStopping(r, now)
	case service.CleaningUp:
		return stepCleaningUp(r, now)
	case service.ForceDown:
		return stepForceDown(r, now)
	case service.Retrying:
		return stepRetrying(r, now)
	case service.Failed:
		return Result{Next: service.Failed}
	case service.CannotStop:
		return stepCannotStop(r)
	default:
		return Result{Next: cur}
	}
}

func stay(s service.State) Result { return Result{Next: s} }

func move(s service.State, a Action) Result { return Result{Next: s, Changed: true, Action: a} }

// enterDown is every path's entry into Down: it collapses a transient
// target (Restart->Up, so the service comes back; Once->Down, so a
// one-shot service doesn't relaunch on its own) and resets attempt_count,
// matching the invariant that attempt_count resets only on stable Up or
// Down (spec §3). Re-entering Down with a just-collapsed Restart->Up
// target is itself a Changed transition, so the next scan pass picks up
// stepDown's Up handling immediately.
func enterDown(r *service.Record) Result {
	switch r.Target {
	case service.TargetRestart:
		r.Target = service.TargetUp
	case service.TargetOnce:
		r.Target = service.TargetDown
	}
	r.AttemptCount = 0
	return move(service.Down, ActionNone)
}

func stepDown(r *service.Record) Result {
	if r.HasPid() {
		// Unexpected child found while we believe we're Down.
		return move(service.ForceDown, ActionForceKill)
	}
	switch r.Target {
	case service.TargetUp, service.TargetOnce:
		return move(service.WaitingToStart, ActionNone)
	case service.TargetRestart:
		// Re-enter Down so the Restart->Up collapse runs and the service
		// climbs back up on the next pass.
		return enterDown(r)
	default:
		return stay(service.Down)
	}
}

func stepWaitingToStart(r *service.Record, deps DepsView) Result {
	if r.HasPid() {
		// Stop unexpected process: WaitingToStart never expects a live pid.
		return move(service.ForceDown, ActionForceKill)
	}
	if r.Target == service.TargetDown || r.Target == service.TargetRestart {
		return enterDown(r)
	}
	c := r.Cfg
	if deps.NeedsSatisfied(c.Needs) && deps.WantsSatisfied(c.Wants) && deps.ConflictsSatisfied(c.Conflicts) {
		return move(service.SettingUp, ActionRunSetup)
	}
	return stay(service.WaitingToStart)
}

func stepSettingUp(r *service.Record, now time.Time) Result {
	if r.Cfg.Setup.IsNone() {
		if r.HasPid() {
			// Stop unexpected process: a None setup phase never expects a pid.
			return move(service.ForceDown, ActionForceKill)
		}
		return move(service.Starting, ActionRunMain)
	}
	if !r.HasPid() {
		if r.ExitCode != nil && *r.ExitCode == 0 {
			return move(service.Starting, ActionRunMain)
		}
		return failedOrRetry(r)
	}
	if deadlineExceeded(r, now, r.Cfg.MaxSetupTimeMillis) {
		return move(service.ForceDown, ActionForceKill)
	}
	return stay(service.SettingUp)
}

func stepStarting(r *service.Record, now time.Time) Result {
	c := r.Cfg
	if c.Run.IsNone() {
		if r.HasPid() {
			// Stop unexpected process: a None run phase never expects a pid.
			return move(service.ForceDown, ActionForceKill)
		}
		return move(service.Up, ActionNone)
	}
	if !r.HasPid() {
		return failedOrRetry(r)
	}
	if c.Ready == service.ReadyImmediately {
		return move(service.Up, ActionNone)
	}
	if r.Ready {
		return move(service.Up, ActionNone)
	}
	if deadlineExceeded(r, now, c.MaxReadyTimeMillis) {
		return move(service.ForceDown, ActionForceKill)
	}
	return stay(service.Starting)
}

func stepUp(r *service.Record, now time.Time) Result {
	if r.Target == service.TargetDown || r.Target == service.TargetRestart {
		return move(service.WaitingToStop, ActionNone)
	}
	if r.Cfg.Run.IsNone() {
		if r.HasPid() {
			// Stop unexpected process: a None run phase never expects a pid.
			return move(service.ForceDown, ActionForceKill)
		}
	} else if !r.HasPid() {
		return failedOrRetry(r)
	}
	if r.AttemptCount > 0 {
		elapsed := now.Sub(r.Time).Milliseconds()
		if elapsed >= service.UpTimeStableMillis {
			r.AttemptCount = 0
		}
	}
	return stay(service.Up)
}

func stepWaitingToStop(r *service.Record, deps DepsView) Result {
	if r.Target == service.TargetUp || r.Target == service.TargetOnce {
		return move(service.Up, ActionNone)
	}
	if deps.StopDependentsSettled(r.Cfg.StopDependencies) {
		return move(service.Stopping, ActionSendStopSignal)
	}
	return stay(service.WaitingToStop)
}

func stepStopping(r *service.Record, now time.Time) Result {
	if !r.HasPid() {
		return move(service.CleaningUp, ActionRunCleanup)
	}
	if deadlineExceeded(r, now, r.Cfg.MaxStopTimeMillis) {
		return move(service.ForceDown, ActionForceKill)
	}
	return stay(service.Stopping)
}

func stepCleaningUp(r *service.Record, now time.Time) Result {
	if r.Cfg.Cleanup.IsNone() {
		return enterDown(r)
	}
	if !r.HasPid() {
		return enterDown(r)
	}
	if deadlineExceeded(r, now, r.Cfg.MaxCleanupTimeMillis) {
		return move(service.ForceDown, ActionForceKill)
	}
	return stay(service.CleaningUp)
}

func stepForceDown(r *service.Record, now time.Time) Result {
	if !r.HasPid() {
		if targetIsUpward(r.Target) {
			return failedOrRetry(r)
		}
		return enterDown(r)
	}
	elapsed := now.Sub(r.Time).Milliseconds()
	if elapsed > service.ForcedDownTimeMillis {
		return move(service.CannotStop, ActionNone)
	}
	return stay(service.ForceDown)
}

func stepRetrying(r *service.Record, now time.Time) Result {
	if r.HasPid() {
		return move(service.ForceDown, ActionForceKill)
	}
	if r.Target == service.TargetDown || r.Target == service.TargetRestart {
		return enterDown(r)
	}
	elapsed := now.Sub(r.Time).Milliseconds()
	if elapsed >= r.RetryDelayMillis() {
		return move(service.WaitingToStart, ActionNone)
	}
	return stay(service.Retrying)
}

func stepCannotStop(r *service.Record) Result {
	if !r.HasPid() {
		return failedOrRetry(r)
	}
	return stay(service.CannotStop)
}

// failedOrRetry is the FailedOrRetry meta-transition: increment
// attempt_count (saturating), then route to Failed (collapsing
// Restart->Up, Once->Down) when the retry policy is Never or
// max_attempt_count is reached, and to Retrying otherwise.
func failedOrRetry(r *service.Record) Result {
	if r.AttemptCount < ^uint32(0) {
		r.AttemptCount++
	}
	max := r.Cfg.Retry.MaxAttemptCount
	if r.Cfg.Retry.Never || (max != nil && r.AttemptCount >= *max) {
		switch r.Target {
		case service.TargetRestart:
			r.Target = service.TargetUp
		case service.TargetOnce:
			r.Target = service.TargetDown
		}
		return move(service.Failed, ActionNone)
	}
	return move(service.Retrying, ActionNone)
}

func targetIsUpward(t service.Target) bool {
	return t == service.TargetUp || t == service.TargetOnce || t == service.TargetRestart
}

// Deadline computes the absolute deadline for the current state, if any,
// as state_entry + max. Used by the main loop to compute the poll()
// timeout.
func Deadline(r *service.Record) (time.Time, bool) {
	var maxMillis *int64
	switch r.State {
	case service.SettingUp:
		maxMillis = r.Cfg.MaxSetupTimeMillis
	case service.Starting:
		maxMillis = r.Cfg.MaxReadyTimeMillis
	case service.Stopping:
		maxMillis = r.Cfg.MaxStopTimeMillis
	case service.CleaningUp:
		maxMillis = r.Cfg.MaxCleanupTimeMillis
	case service.ForceDown:
		d := int64(service.ForcedDownTimeMillis)
		maxMillis = &d
	case service.Up:
		if r.AttemptCount > 0 {
			d := int64(service.UpTimeStableMillis)
			maxMillis = &d
		}
	case service.Retrying:
		d := r.RetryDelayMillis()
		maxMillis = &d
	}
	if maxMillis == nil {
		return time.Time{}, false
	}
	return r.Time.Add(time.Duration(*maxMillis) * time.Millisecond), true
}

func deadlineExceeded(r *service.Record, now time.Time, maxMillis *int64) bool {
	if maxMillis == nil {
		return false
	}
	return now.Sub(r.Time).Milliseconds() >= *maxMillis
}
