package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gosv/internal/service"
)

func buildTable() *service.Table {
	configs := []*service.Config{
		{Name: "a", Index: 0, InitTarget: service.TargetDown},
		{Name: "b", Index: 1, InitTarget: service.TargetDown},
	}
	return service.NewTable(configs)
}

func TestRoundTripPreservesFields(t *testing.T) {
	t1 := buildTable()
	pid := 4242
	exitCode := 7
	t1.Records[0].State = service.Up
	t1.Records[0].Target = service.TargetUp
	t1.Records[0].Pid = &pid
	t1.Records[0].AttemptCount = 3
	t1.Records[0].Time = time.Unix(1_700_000_000, 123456789)
	t1.Records[0].Ready = true
	t1.Records[1].State = service.Failed
	t1.Records[1].ExitCode = &exitCode

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, t1))

	t2 := buildTable()
	require.NoError(t, Load(&buf, t2))

	require.Equal(t, service.Up, t2.Records[0].State)
	require.Equal(t, service.TargetUp, t2.Records[0].Target)
	require.NotNil(t, t2.Records[0].Pid)
	require.Equal(t, pid, *t2.Records[0].Pid)
	require.Equal(t, uint32(3), t2.Records[0].AttemptCount)
	require.True(t, t2.Records[0].Ready)
	require.Equal(t, int64(1_700_000_000), t2.Records[0].Time.Unix())

	require.Equal(t, service.Failed, t2.Records[1].State)
	require.NotNil(t, t2.Records[1].ExitCode)
	require.Equal(t, exitCode, *t2.Records[1].ExitCode)

	for _, r := range t2.Records {
		require.True(t, r.Dirty)
	}
}

func TestNonPositivePidCoercedToNone(t *testing.T) {
	pid := int32(-5)
	var buf bytes.Buffer

	writeI32FieldHelper := func() {
		buf.WriteByte(tagServiceStart)
		var lenBuf [2]byte
		lenBuf[0] = 1
		buf.Write(lenBuf[:])
		buf.WriteString("a")
		buf.WriteByte(tagPid)
		var b [4]byte
		b[0] = byte(pid)
		b[1] = byte(pid >> 8)
		b[2] = byte(pid >> 16)
		b[3] = byte(pid >> 24)
		buf.Write(b[:])
		buf.WriteByte(tagServiceEnd)
	}
	writeI32FieldHelper()

	t2 := buildTable()
	require.NoError(t, Load(&buf, t2))
	require.Nil(t, t2.Records[0].Pid)
}

// seekableBuffer is a bytes.Buffer wrapped to additionally satisfy
// io.Seeker, modelling the memfd's real file semantics: writes advance the
// offset to EOF, and a reader must seek back to 0 before reading what was
// written (unlike bytes.Buffer, which the rest of these tests use and which
// has no such offset to get wrong).
type seekableBuffer struct {
	data []byte
	pos  int64
}

func (s *seekableBuffer) Write(p []byte) (int, error) {
	s.data = append(s.data[:s.pos], p...)
	s.pos = int64(len(s.data))
	return len(p), nil
}

func (s *seekableBuffer) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, nil
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *seekableBuffer) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case 0:
		s.pos = offset
	case 1:
		s.pos += offset
	case 2:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}

func TestLoadSeeksToStartBeforeReading(t *testing.T) {
	t1 := buildTable()
	t1.Records[0].State = service.Up
	t1.Records[0].Target = service.TargetUp

	var buf seekableBuffer
	require.NoError(t, Save(&buf, t1))
	require.Greater(t, buf.pos, int64(0)) // Save left the offset at EOF, like a real memfd write

	t2 := buildTable()
	require.NoError(t, Load(&buf, t2))
	require.Equal(t, service.Up, t2.Records[0].State)
	require.Equal(t, service.TargetUp, t2.Records[0].Target)
}

func TestUnknownServiceLeavesKnownServicesUntouched(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(tagServiceStart)
	name := "ghost"
	var lenBuf [2]byte
	lenBuf[0] = byte(len(name))
	buf.Write(lenBuf[:])
	buf.WriteString(name)
	buf.WriteByte(tagServiceEnd)

	t2 := buildTable()
	require.NoError(t, Load(&buf, t2))
	// No panic / no mutation elsewhere — both known services stay default.
	require.Equal(t, service.Down, t2.Records[0].State)
	require.Equal(t, service.Down, t2.Records[1].State)
}
