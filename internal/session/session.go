// Package session implements the tagged-field serialiser/deserialiser that
// carries every service's runtime state across a re-exec, held in an
// anonymous in-kernel memfd at a fixed fd number.
package session

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gosv/internal/ipc"
	"github.com/gosv/internal/service"
)

// Field tags, one byte each. Only non-default fields are ever emitted.
const (
	tagServiceStart byte = '['
	tagServiceEnd   byte = ']'

	tagPid           byte = 'p'
	tagSupervisorPid byte = 'P'
	tagStdinPipe     byte = 'i'
	tagSettlePipe    byte = 'v'
	tagExitCode      byte = 'q'
	tagAttemptCount  byte = 'a'
	tagTimeSec       byte = 't'
	tagTimeNsec      byte = 'n'
	tagReady         byte = 'y'
)

// Save serialises every record in the table and writes the bytes to w
// (the memfd). Only fields differing from the zero-value default are
// emitted, matching the original format's compactness.
func Save(w io.Writer, t *service.Table) error {
	bw := bufio.NewWriter(w)
	for _, r := range t.Records {
		if err := saveOne(bw, r); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func saveOne(w *bufio.Writer, r *service.Record) error {
	if err := w.WriteByte(tagServiceStart); err != nil {
		return err
	}
	name := []byte(r.Cfg.Name)
	var nameLen [2]byte
	binary.LittleEndian.PutUint16(nameLen[:], uint16(len(name)))
	if _, err := w.Write(nameLen[:]); err != nil {
		return err
	}
	if _, err := w.Write(name); err != nil {
		return err
	}

	if r.State != service.Down {
		if err := w.WriteByte(byte(r.State)); err != nil {
			return err
		}
	}
	if r.Target != service.TargetDown {
		if err := w.WriteByte(byte(r.Target)); err != nil {
			return err
		}
	}
	if r.Pid != nil {
		if err := writeI32Field(w, tagPid, int32(*r.Pid)); err != nil {
			return err
		}
	}
	if r.SupervisorPid != nil {
		if err := writeI32Field(w, tagSupervisorPid, int32(*r.SupervisorPid)); err != nil {
			return err
		}
	}
	if r.HasStdinPipe {
		if err := writeFdPairField(w, tagStdinPipe, r.StdinPipeRead, r.StdinPipeWrite); err != nil {
			return err
		}
	}
	if r.HasSettlePipe {
		if err := writeFdPairField(w, tagSettlePipe, r.SettlePipeRead, r.SettlePipeWrite); err != nil {
			return err
		}
	}
	if r.ExitCode != nil {
		if err := writeI32Field(w, tagExitCode, int32(*r.ExitCode)); err != nil {
			return err
		}
	}
	if r.AttemptCount != 0 {
		if err := writeU32Field(w, tagAttemptCount, r.AttemptCount); err != nil {
			return err
		}
	}
	if !r.Time.IsZero() {
		if err := writeI64Field(w, tagTimeSec, r.Time.Unix()); err != nil {
			return err
		}
		if err := writeI64Field(w, tagTimeNsec, int64(r.Time.Nanosecond())); err != nil {
			return err
		}
	}
	if r.Ready {
		if err := w.WriteByte(tagReady); err != nil {
			return err
		}
	}
	return w.WriteByte(tagServiceEnd)
}

func writeI32Field(w *bufio.Writer, tag byte, v int32) error {
	if err := w.WriteByte(tag); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	_, err := w.Write(b[:])
	return err
}

func writeU32Field(w *bufio.Writer, tag byte, v uint32) error {
	if err := w.WriteByte(tag); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeI64Field(w *bufio.Writer, tag byte, v int64) error {
	if err := w.WriteByte(tag); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	_, err := w.Write(b[:])
	return err
}

func writeFdPairField(w *bufio.Writer, tag byte, a, b int) error {
	if err := w.WriteByte(tag); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(a))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(b))
	_, err := w.Write(buf[:])
	return err
}

// Load reads a serialised session from r and applies recognised records
// onto the matching service (by name) in t. Services in the session that
// no longer exist in t are the "unknown service" case: their processes
// are sent SIGTERM and their pipe fds are closed, with no other mutation.
// Every record in t is marked Dirty on return, so the main loop re-evaluates
// every service from scratch after a resume. A read that returns no bytes
// and no error ends the session data, as a raw read of the memfd does at
// end of file.
func Load(r io.Reader, t *service.Table) error {
	if s, ok := r.(io.Seeker); ok {
		if _, err := s.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("session: seek to start: %w", err)
		}
	}
	var data []byte
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		data = append(data, chunk[:n]...)
		if err == io.EOF || (err == nil && n == 0) {
			break
		}
		if err != nil {
			return err
		}
	}
	buf := bytes.NewReader(data)

	for buf.Len() > 0 {
		b, err := buf.ReadByte()
		if err != nil {
			break
		}
		if b != tagServiceStart {
			continue
		}
		if err := loadOne(buf, t); err != nil {
			return err
		}
	}
	for _, r := range t.Records {
		r.Dirty = true
	}
	return nil
}

func loadOne(buf *bytes.Reader, t *service.Table) error {
	var lenBytes [2]byte
	if _, err := io.ReadFull(buf, lenBytes[:]); err != nil {
		return fmt.Errorf("session: truncated name length: %w", err)
	}
	n := int(binary.LittleEndian.Uint16(lenBytes[:]))
	nameBytes := make([]byte, n)
	if _, err := io.ReadFull(buf, nameBytes); err != nil {
		return fmt.Errorf("session: truncated name: %w", err)
	}
	name := string(nameBytes)

	var pid, supervisorPid, exitCode *int32
	var stdinRead, stdinWrite, settleRead, settleWrite int32
	hasStdinPipe, hasSettlePipe := false, false
	state := service.Down
	target := service.TargetDown
	var attemptCount uint32
	var timeSec, timeNsec int64
	ready := false

	for {
		b, err := buf.ReadByte()
		if err != nil {
			return fmt.Errorf("session: unterminated record for %q", name)
		}
		if b == tagServiceEnd {
			break
		}
		switch b {
		case byte(service.Down), byte(service.WaitingToStart), byte(service.SettingUp),
			byte(service.Starting), byte(service.Up), byte(service.WaitingToStop),
			byte(service.Stopping), byte(service.CleaningUp), byte(service.Retrying),
			byte(service.Failed), byte(service.ForceDown), byte(service.CannotStop):
			state = service.State(b)
		case byte(service.TargetUp), byte(service.TargetRestart), byte(service.TargetOnce):
			target = service.Target(b)
		case tagPid:
			v, err := readI32(buf)
			if err != nil {
				return err
			}
			pid = coercePid(v)
		case tagSupervisorPid:
			v, err := readI32(buf)
			if err != nil {
				return err
			}
			supervisorPid = coercePid(v)
		case tagExitCode:
			v, err := readI32(buf)
			if err != nil {
				return err
			}
			exitCode = &v
		case tagStdinPipe:
			a, bb, err := readI32Pair(buf)
			if err != nil {
				return err
			}
			stdinRead, stdinWrite, hasStdinPipe = a, bb, true
		case tagSettlePipe:
			a, bb, err := readI32Pair(buf)
			if err != nil {
				return err
			}
			settleRead, settleWrite, hasSettlePipe = a, bb, true
		case tagAttemptCount:
			v, err := readU32(buf)
			if err != nil {
				return err
			}
			attemptCount = v
		case tagTimeSec:
			v, err := readI64(buf)
			if err != nil {
				return err
			}
			timeSec = v
		case tagTimeNsec:
			v, err := readI64(buf)
			if err != nil {
				return err
			}
			timeNsec = v
		case tagReady:
			ready = true
		default:
			// Unknown tag: skipped, for forward compatibility.
		}
	}

	if timeNsec < 0 || timeNsec >= 1_000_000_000 {
		timeNsec = 0
	}

	idx, ok := t.ByName(name)
	if !ok {
		cleanupUnknownService(pid, supervisorPid, hasStdinPipe, stdinRead, stdinWrite, hasSettlePipe, settleRead, settleWrite)
		return nil
	}

	rec := t.Records[idx]
	rec.State = state
	rec.Target = target
	rec.Pid = toIntPtr(pid)
	rec.SupervisorPid = toIntPtr(supervisorPid)
	rec.ExitCode = toIntPtr(exitCode)
	rec.AttemptCount = attemptCount
	if timeSec != 0 || timeNsec != 0 {
		rec.Time = time.Unix(timeSec, timeNsec)
	}
	rec.Ready = ready
	rec.HasStdinPipe = hasStdinPipe
	rec.StdinPipeRead = int(stdinRead)
	rec.StdinPipeWrite = int(stdinWrite)
	rec.HasSettlePipe = hasSettlePipe
	rec.SettlePipeRead = int(settleRead)
	rec.SettlePipeWrite = int(settleWrite)
	return nil
}

// cleanupUnknownService tolerates a service dropped from the manifest
// between re-execs: SIGTERM any live pid/supervisor_pid, close both pipe
// fds, and otherwise touch nothing.
func cleanupUnknownService(pid, supervisorPid *int32, hasStdin bool, stdinR, stdinW int32, hasSettle bool, settleR, settleW int32) {
	if pid != nil {
		_ = unix.Kill(int(*pid), unix.SIGTERM)
	}
	if supervisorPid != nil {
		_ = unix.Kill(int(*supervisorPid), unix.SIGTERM)
	}
	if hasStdin {
		unix.Close(int(stdinR))
		unix.Close(int(stdinW))
	}
	if hasSettle {
		unix.Close(int(settleR))
		unix.Close(int(settleW))
	}
}

// coercePid turns a non-positive encoded pid into None.
func coercePid(v int32) *int32 {
	if v <= 0 {
		return nil
	}
	return &v
}

func toIntPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func readI32(buf *bytes.Reader) (int32, error) {
	var b [4]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[:])), nil
}

func readU32(buf *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readI64(buf *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readI32Pair(buf *bytes.Reader) (int32, int32, error) {
	var b [8]byte
	if _, err := io.ReadFull(buf, b[:]); err != nil {
		return 0, 0, err
	}
	return int32(binary.LittleEndian.Uint32(b[0:4])), int32(binary.LittleEndian.Uint32(b[4:8])), nil
}

// NewMemfd creates the anonymous in-kernel file used to hold the session
// across re-exec and dup's it onto the fixed fd number.
func NewMemfd() (*fileWrapper, error) {
	fd, err := unix.MemfdCreate("gosv-session", 0)
	if err != nil {
		return nil, fmt.Errorf("session: memfd_create: %w", err)
	}
	if err := unix.Dup2(fd, ipc.FDSessionState); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("session: dup2 onto fixed fd: %w", err)
	}
	unix.Close(fd)
	return &fileWrapper{fd: ipc.FDSessionState}, nil
}

// OpenExisting checks whether the fixed session fd is already valid
// (the "resumed from re-exec" path) and returns it if so.
func OpenExisting() (*fileWrapper, bool) {
	if _, err := unix.FcntlInt(uintptr(ipc.FDSessionState), unix.F_GETFD, 0); err != nil {
		return nil, false
	}
	return &fileWrapper{fd: ipc.FDSessionState}, true
}

// fileWrapper adapts the fixed memfd fd to io.ReadWriteSeeker for Save/Load.
type fileWrapper struct {
	fd int
}

func (f *fileWrapper) Write(p []byte) (int, error) { return unix.Write(f.fd, p) }
func (f *fileWrapper) Read(p []byte) (int, error)  { return unix.Read(f.fd, p) }
func (f *fileWrapper) Seek(offset int64, whence int) (int64, error) {
	return unix.Seek(f.fd, offset, whence)
}
func (f *fileWrapper) Truncate(size int64) error { return unix.Ftruncate(f.fd, size) }
