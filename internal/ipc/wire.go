package ipc

import (
	"encoding/binary"

	"github.com/gosv/internal/service"
)

// PidNone / ExitCodeNone are the sentinel encodings for optional integers
// in the combined Status response (spec §4.4). Standalone Pid/ExitCode
// queries instead reply with the generic FieldIsNone tag.
const (
	PidNone      int32 = -1
	ExitCodeNone int32 = -1
)

func writeString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, bool) {
	if len(buf) < 2 {
		return "", nil, false
	}
	n := int(binary.LittleEndian.Uint16(buf[:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, false
	}
	return string(buf[:n]), buf[n:], true
}

func writeI32(buf []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(buf, b[:]...)
}

func readI32(buf []byte) (int32, []byte, bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	return int32(binary.LittleEndian.Uint32(buf[:4])), buf[4:], true
}

func writeU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func readU32(buf []byte) (uint32, []byte, bool) {
	if len(buf) < 4 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint32(buf[:4]), buf[4:], true
}

func writeI64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func readI64(buf []byte) (int64, []byte, bool) {
	if len(buf) < 8 {
		return 0, nil, false
	}
	return int64(binary.LittleEndian.Uint64(buf[:8])), buf[8:], true
}

// ReqTag is the one-byte request tag. No separate framing header exists —
// field layout is entirely tag-determined (spec §4.4).
type ReqTag byte

const (
	ReqInvalid ReqTag = iota
	ReqExec
	ReqQueryStatus
	ReqQueryState
	ReqQueryTarget
	ReqQueryPid
	ReqQueryExitCode
	ReqQueryAttemptCount
	ReqQueryTimeInState
	ReqQueryNeeds
	ReqQueryWants
	ReqQueryConflicts
	ReqQueryGroups
	ReqQueryLog
	ReqSetTarget
	// ReqQuerySettleFd lazily allocates a service's settle pipe and returns
	// its read end. Nothing on the wire carries a generation number, so a
	// waiter that queried settle for one target and then observes a
	// concurrent retarget away from it may see a stable state that does
	// not match what it originally commanded (spec §9 open question 1,
	// left documented rather than fixed per DESIGN.md).
	ReqQuerySettleFd
	ReqServiceStarting
	ReqDaemonReady
	ReqServiceReady
)

// Request is one decoded request. Name identifies the service for every
// service-addressed tag; services are looked up by name only, and no tag
// addresses a service by its table index. Index carries the entry position
// for the ReqQueryNeeds/Wants/Conflicts/Groups queries.
type Request struct {
	Tag ReqTag

	Name  string
	Index int32

	Path   string // ReqExec
	Target service.Target

	Pid int32 // ReqServiceStarting / ReqDaemonReady / ReqServiceReady
}

// Marshal encodes r as a tagged, ≤ MaxMessageSize byte message.
func (r Request) Marshal() []byte {
	buf := []byte{byte(r.Tag)}
	switch r.Tag {
	case ReqExec:
		buf = writeString(buf, r.Path)
	case ReqQueryStatus, ReqQueryState, ReqQueryTarget, ReqQueryPid,
		ReqQueryExitCode, ReqQueryAttemptCount, ReqQueryTimeInState,
		ReqQueryLog, ReqQuerySettleFd:
		buf = writeString(buf, r.Name)
	case ReqQueryNeeds, ReqQueryWants, ReqQueryConflicts, ReqQueryGroups:
		buf = writeString(buf, r.Name)
		buf = writeI32(buf, r.Index)
	case ReqSetTarget:
		buf = writeString(buf, r.Name)
		buf = append(buf, byte(r.Target))
	case ReqServiceStarting, ReqDaemonReady:
		buf = writeI32(buf, r.Pid)
		buf = writeString(buf, r.Name)
	case ReqServiceReady:
		buf = writeI32(buf, r.Pid)
	}
	return buf
}

// UnmarshalRequest decodes buf into a Request. It never errors: any
// truncated, oversize, or unrecognised payload decodes to ReqInvalid,
// matching spec §4.4/§7's "never hangs the peer" guarantee.
func UnmarshalRequest(buf []byte) Request {
	if len(buf) == 0 || len(buf) > MaxMessageSize {
		return Request{Tag: ReqInvalid}
	}
	tag := ReqTag(buf[0])
	rest := buf[1:]
	ok := true
	var name string
	switch tag {
	case ReqExec:
		var path string
		path, rest, ok = readString(rest)
		if !ok {
			break
		}
		return Request{Tag: tag, Path: path}
	case ReqQueryStatus, ReqQueryState, ReqQueryTarget, ReqQueryPid,
		ReqQueryExitCode, ReqQueryAttemptCount, ReqQueryTimeInState,
		ReqQueryLog, ReqQuerySettleFd:
		name, rest, ok = readString(rest)
		if !ok {
			break
		}
		return Request{Tag: tag, Name: name}
	case ReqQueryNeeds, ReqQueryWants, ReqQueryConflicts, ReqQueryGroups:
		var index int32
		name, rest, ok = readString(rest)
		if !ok {
			break
		}
		index, rest, ok = readI32(rest)
		if !ok {
			break
		}
		return Request{Tag: tag, Name: name, Index: index}
	case ReqSetTarget:
		name, rest, ok = readString(rest)
		if !ok || len(rest) < 1 {
			break
		}
		return Request{Tag: tag, Name: name, Target: service.Target(rest[0])}
	case ReqServiceStarting, ReqDaemonReady:
		var pid int32
		pid, rest, ok = readI32(rest)
		if !ok {
			break
		}
		name, rest, ok = readString(rest)
		if !ok {
			break
		}
		return Request{Tag: tag, Pid: pid, Name: name}
	case ReqServiceReady:
		var pid int32
		pid, rest, ok = readI32(rest)
		if !ok {
			break
		}
		return Request{Tag: tag, Pid: pid}
	}
	return Request{Tag: ReqInvalid}
}

// RespTag is the one-byte response tag.
type RespTag byte

const (
	RespOkay RespTag = iota
	RespFailed
	RespServiceNotFound
	RespFieldIsNone
	RespInvalidRequest
	RespSettleDisabled
	RespStatus
	RespState
	RespTarget
	RespPid
	RespExitCode
	RespAttemptCount
	RespTime
	RespName
	RespPath
	RespSettleFd
)

type Response struct {
	Tag RespTag

	State  service.State
	Target service.Target

	Pid      int32
	ExitCode int32

	AttemptCount uint32
	TimeMillis   int64

	Name string
	Path string

	SettleFd int32
}

func (r Response) Marshal() []byte {
	buf := []byte{byte(r.Tag)}
	switch r.Tag {
	case RespStatus:
		buf = append(buf, byte(r.State), byte(r.Target))
		buf = writeI32(buf, r.Pid)
		buf = writeI32(buf, r.ExitCode)
		buf = writeU32(buf, r.AttemptCount)
		buf = writeI64(buf, r.TimeMillis)
	case RespState:
		buf = append(buf, byte(r.State))
	case RespTarget:
		buf = append(buf, byte(r.Target))
	case RespPid, RespExitCode, RespSettleFd:
		buf = writeI32(buf, r.Pid)
	case RespAttemptCount:
		buf = writeU32(buf, r.AttemptCount)
	case RespTime:
		buf = writeI64(buf, r.TimeMillis)
	case RespName:
		buf = writeString(buf, r.Name)
	case RespPath:
		buf = writeString(buf, r.Path)
	}
	return buf
}

func UnmarshalResponse(buf []byte) Response {
	if len(buf) == 0 {
		return Response{Tag: RespInvalidRequest}
	}
	tag := RespTag(buf[0])
	rest := buf[1:]
	ok := true
	switch tag {
	case RespStatus:
		if len(rest) < 2 {
			break
		}
		state := service.State(rest[0])
		target := service.Target(rest[1])
		rest = rest[2:]
		var pid, exitCode int32
		var attempt uint32
		var t int64
		pid, rest, ok = readI32(rest)
		if !ok {
			break
		}
		exitCode, rest, ok = readI32(rest)
		if !ok {
			break
		}
		attempt, rest, ok = readU32(rest)
		if !ok {
			break
		}
		t, _, ok = readI64(rest)
		if !ok {
			break
		}
		return Response{Tag: tag, State: state, Target: target, Pid: pid, ExitCode: exitCode, AttemptCount: attempt, TimeMillis: t}
	case RespState:
		if len(rest) < 1 {
			break
		}
		return Response{Tag: tag, State: service.State(rest[0])}
	case RespTarget:
		if len(rest) < 1 {
			break
		}
		return Response{Tag: tag, Target: service.Target(rest[0])}
	case RespPid, RespExitCode, RespSettleFd:
		var v int32
		v, _, ok = readI32(rest)
		if !ok {
			break
		}
		return Response{Tag: tag, Pid: v}
	case RespAttemptCount:
		var v uint32
		v, _, ok = readU32(rest)
		if !ok {
			break
		}
		return Response{Tag: tag, AttemptCount: v}
	case RespTime:
		var v int64
		v, _, ok = readI64(rest)
		if !ok {
			break
		}
		return Response{Tag: tag, TimeMillis: v}
	case RespName:
		var s string
		s, _, ok = readString(rest)
		if !ok {
			break
		}
		return Response{Tag: tag, Name: s}
	case RespPath:
		var s string
		s, _, ok = readString(rest)
		if !ok {
			break
		}
		return Response{Tag: tag, Path: s}
	case RespOkay, RespFailed, RespServiceNotFound, RespFieldIsNone, RespInvalidRequest, RespSettleDisabled:
		return Response{Tag: tag}
	}
	return Response{Tag: RespInvalidRequest}
}
