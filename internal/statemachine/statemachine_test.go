package statemachine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosv/internal/service"
)

type fakeDeps struct {
	needsUp      bool
	wantsOk      bool
	conflictsOk  bool
	stopSettled  bool
}

func (f fakeDeps) NeedsSatisfied([]int) bool          { return f.needsUp }
func (f fakeDeps) WantsSatisfied([]int) bool          { return f.wantsOk }
func (f fakeDeps) ConflictsSatisfied([]int) bool      { return f.conflictsOk }
func (f fakeDeps) StopDependentsSettled([]int) bool   { return f.stopSettled }

func newRecord(state service.State, target service.Target) *service.Record {
	return &service.Record{
		Cfg: &service.Config{
			Name: "svc",
			Run:  service.Run{Kind: service.RunNone},
		},
		State:  state,
		Target: target,
		Time:   time.Unix(0, 0),
	}
}

func TestHappyPathUp(t *testing.T) {
	r := newRecord(service.Down, service.TargetUp)
	deps := fakeDeps{needsUp: true, wantsOk: true, conflictsOk: true}

	res := Step(r, time.Unix(0, 0), deps)
	require.True(t, res.Changed)
	require.Equal(t, service.WaitingToStart, res.Next)
	r.State = res.Next

	res = Step(r, time.Unix(0, 0), deps)
	require.True(t, res.Changed)
	require.Equal(t, service.SettingUp, res.Next) // Setup is None too -> skip is handled by stepSettingUp
}

func TestWaitingToStartBlocksOnDeps(t *testing.T) {
	r := newRecord(service.WaitingToStart, service.TargetUp)
	deps := fakeDeps{needsUp: false, wantsOk: true, conflictsOk: true}
	res := Step(r, time.Unix(0, 0), deps)
	require.False(t, res.Changed)
	require.Equal(t, service.WaitingToStart, res.Next)
}

func TestRetryBoundEntersFailedAfterMaxAttempts(t *testing.T) {
	max := uint32(3)
	r := newRecord(service.Starting, service.TargetUp)
	r.Cfg.Run = service.Run{Kind: service.RunExec, Path: "/bin/false"}
	r.Cfg.Retry = service.Retry{PeriodMillis: 100, Multiplier: 2, MaxAttemptCount: &max}

	deps := fakeDeps{}
	for i := 0; i < 3; i++ {
		res := Step(r, time.Unix(0, 0), deps)
		require.True(t, res.Changed)
		if i < 2 {
			require.Equal(t, service.Retrying, res.Next)
		} else {
			require.Equal(t, service.Failed, res.Next)
		}
		r.State = service.Starting // simulate WaitingToStart->Starting between retries
	}
	require.Equal(t, uint32(3), r.AttemptCount)
}

func TestRetryDelayLawIsSaturatingDoubling(t *testing.T) {
	r := &service.Record{
		Cfg: &service.Config{
			Retry: service.Retry{PeriodMillis: 100, Multiplier: 2},
		},
	}
	r.AttemptCount = 1
	require.Equal(t, int64(100), r.RetryDelayMillis())
	r.AttemptCount = 2
	require.Equal(t, int64(200), r.RetryDelayMillis())
	r.AttemptCount = 3
	require.Equal(t, int64(400), r.RetryDelayMillis())
}

func TestForceKillEscalatesToCannotStop(t *testing.T) {
	pid := 123
	r := newRecord(service.ForceDown, service.TargetDown)
	r.Pid = &pid
	r.Time = time.Unix(0, 0)

	res := Step(r, time.Unix(0, 0).Add(500*time.Millisecond), fakeDeps{})
	require.False(t, res.Changed)

	res = Step(r, time.Unix(0, 0).Add(1100*time.Millisecond), fakeDeps{})
	require.True(t, res.Changed)
	require.Equal(t, service.CannotStop, res.Next)
}

func TestUpResetsAttemptCountAfterStableWindow(t *testing.T) {
	r := newRecord(service.Up, service.TargetUp)
	r.AttemptCount = 2
	r.Time = time.Unix(0, 0)

	res := Step(r, time.Unix(0, 0).Add(1100*time.Millisecond), fakeDeps{})
	require.False(t, res.Changed)
	require.Equal(t, uint32(0), r.AttemptCount)
}

func TestRestartCollapsesToUpOnDownEntry(t *testing.T) {
	r := newRecord(service.Retrying, service.TargetRestart)
	r.AttemptCount = 2

	res := Step(r, time.Unix(0, 0), fakeDeps{})
	require.True(t, res.Changed)
	require.Equal(t, service.Down, res.Next)
	require.Equal(t, service.TargetUp, r.Target)
	require.Equal(t, uint32(0), r.AttemptCount)

	r.State = res.Next
	res = Step(r, time.Unix(0, 0), fakeDeps{})
	require.True(t, res.Changed)
	require.Equal(t, service.WaitingToStart, res.Next)
}

func TestOnceCollapsesToDownOnDownEntry(t *testing.T) {
	r := newRecord(service.CleaningUp, service.TargetOnce)
	r.AttemptCount = 1

	res := enterDown(r)
	require.True(t, res.Changed)
	require.Equal(t, service.Down, res.Next)
	require.Equal(t, service.TargetDown, r.Target)
	require.Equal(t, uint32(0), r.AttemptCount)
}

func TestWaitingToStartForceKillsUnexpectedPid(t *testing.T) {
	r := newRecord(service.WaitingToStart, service.TargetUp)
	pid := 123
	r.Pid = &pid

	res := Step(r, time.Unix(0, 0), fakeDeps{needsUp: true, wantsOk: true, conflictsOk: true})
	require.True(t, res.Changed)
	require.Equal(t, service.ForceDown, res.Next)
}

func TestUpForceKillsUnexpectedPidWhenRunIsNone(t *testing.T) {
	r := newRecord(service.Up, service.TargetUp)
	r.Cfg.Run = service.Run{Kind: service.RunNone}
	pid := 456
	r.Pid = &pid

	res := Step(r, time.Unix(0, 0), fakeDeps{})
	require.True(t, res.Changed)
	require.Equal(t, service.ForceDown, res.Next)
}

func TestDeterminismSameInputSameOutput(t *testing.T) {
	r1 := newRecord(service.WaitingToStop, service.TargetDown)
	r2 := newRecord(service.WaitingToStop, service.TargetDown)
	deps := fakeDeps{stopSettled: true}
	now := time.Unix(100, 0)

	res1 := Step(r1, now, deps)
	res2 := Step(r2, now, deps)
	require.Equal(t, res1, res2)
}
