package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gosv/internal/service"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []Request{
		{Tag: ReqExec, Path: "/usr/bin/gosv"},
		{Tag: ReqQueryStatus, Name: "web"},
		{Tag: ReqSetTarget, Name: "web", Target: service.TargetRestart},
		{Tag: ReqQuerySettleFd, Name: "db"},
		{Tag: ReqServiceStarting, Pid: 999, Name: "db"},
		{Tag: ReqServiceReady, Pid: 42},
		{Tag: ReqQueryNeeds, Name: "web", Index: 2},
		{Tag: ReqQueryWants, Name: "web", Index: 0},
		{Tag: ReqQueryConflicts, Name: "web", Index: 1},
		{Tag: ReqQueryGroups, Name: "web", Index: 3},
		{Tag: ReqQueryLog, Name: "web"},
	}
	for _, want := range cases {
		buf := want.Marshal()
		require.LessOrEqual(t, len(buf), MaxMessageSize)
		got := UnmarshalRequest(buf)
		require.Equal(t, want, got)
	}
}

func TestUnmarshalRequestMalformedIsInvalid(t *testing.T) {
	got := UnmarshalRequest([]byte{byte(ReqSetTarget), 0xFF}) // truncated string length
	require.Equal(t, ReqInvalid, got.Tag)

	got = UnmarshalRequest(nil)
	require.Equal(t, ReqInvalid, got.Tag)

	oversize := make([]byte, MaxMessageSize+1)
	got = UnmarshalRequest(oversize)
	require.Equal(t, ReqInvalid, got.Tag)
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []Response{
		{Tag: RespOkay},
		{Tag: RespServiceNotFound},
		{Tag: RespState, State: service.Up},
		{Tag: RespTarget, Target: service.TargetOnce},
		{Tag: RespPid, Pid: 1234},
		{Tag: RespAttemptCount, AttemptCount: 9},
		{Tag: RespStatus, State: service.Retrying, Target: service.TargetUp, Pid: PidNone, ExitCode: ExitCodeNone, AttemptCount: 2, TimeMillis: 555},
	}
	for _, want := range cases {
		buf := want.Marshal()
		require.LessOrEqual(t, len(buf), MaxMessageSize)
		got := UnmarshalResponse(buf)
		require.Equal(t, want, got)
	}
}
