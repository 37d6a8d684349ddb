package ipc

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Transport owns the two anonymous pipes (request, response) dup'd onto
// the fixed fd numbers, so peers can reach them via
// /proc/<server-pid>/fd/<n> without any other handshake (spec §4.4/§5).
type Transport struct {
	ReqRead, ReqWrite   *os.File
	RespRead, RespWrite *os.File
}

// NewTransport creates both pipes and dup2's their ends onto the fixed fd
// numbers. Safe to call once per process image; after re-exec the new
// image instead calls OpenExisting to rediscover the same fds.
func NewTransport() (*Transport, error) {
	req, err := newPipeAt(FDRequestRead, FDRequestWrite)
	if err != nil {
		return nil, fmt.Errorf("ipc: create request pipe: %w", err)
	}
	resp, err := newPipeAt(FDResponseRead, FDResponseWrite)
	if err != nil {
		return nil, fmt.Errorf("ipc: create response pipe: %w", err)
	}
	return &Transport{
		ReqRead: req[0], ReqWrite: req[1],
		RespRead: resp[0], RespWrite: resp[1],
	}, nil
}

func newPipeAt(readFD, writeFD int) ([2]*os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return [2]*os.File{}, err
	}
	if err := unix.Dup2(fds[0], readFD); err != nil {
		return [2]*os.File{}, err
	}
	if err := unix.Dup2(fds[1], writeFD); err != nil {
		return [2]*os.File{}, err
	}
	unix.Close(fds[0])
	unix.Close(fds[1])
	return [2]*os.File{
		os.NewFile(uintptr(readFD), "gosv-req-or-resp-read"),
		os.NewFile(uintptr(writeFD), "gosv-req-or-resp-write"),
	}, nil
}

// OpenExisting rediscovers the transport's fds after a re-exec, where the
// fixed fd numbers are already valid in the new image (they survive exec
// because none of them are marked close-on-exec).
func OpenExisting() *Transport {
	return &Transport{
		ReqRead:   os.NewFile(uintptr(FDRequestRead), "gosv-req-read"),
		ReqWrite:  os.NewFile(uintptr(FDRequestWrite), "gosv-req-write"),
		RespRead:  os.NewFile(uintptr(FDResponseRead), "gosv-resp-read"),
		RespWrite: os.NewFile(uintptr(FDResponseWrite), "gosv-resp-write"),
	}
}

// ReadRequest performs the one read() that is expected to carry the whole
// request (atomicity contract, spec §4.4).
func (t *Transport) ReadRequest() (Request, bool) {
	buf := make([]byte, MaxMessageSize)
	n, err := t.ReqRead.Read(buf)
	if err != nil || n == 0 {
		return Request{}, false
	}
	return UnmarshalRequest(buf[:n]), true
}

// WriteResponse writes one full response in a single write().
func (t *Transport) WriteResponse(r Response) error {
	buf := r.Marshal()
	if len(buf) > MaxMessageSize {
		return fmt.Errorf("ipc: response exceeds %d bytes", MaxMessageSize)
	}
	_, err := t.RespWrite.Write(buf)
	return err
}

// DrainStaleResponses performs the client-side non-blocking drain of any
// leftover bytes on the response pipe before sending a new request (spec
// §4.4's atomicity contract).
func (t *Transport) DrainStaleResponses() {
	buf := make([]byte, MaxMessageSize)
	for {
		n, err := t.RespRead.Read(buf)
		if err != nil || n == 0 {
			return
		}
	}
}

// LockRequestPipe acquires the F_SETLK write lock peers use to serialise
// themselves on the request pipe (spec §4.4).
func LockRequestPipe(f *os.File) error {
	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock)
}

// UnlockRequestPipe releases the lock acquired by LockRequestPipe.
func UnlockRequestPipe(f *os.File) error {
	lock := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lock)
}

// LockHolderPid probes the current holder of the request-pipe lock via
// F_GETLK, for the friendly "blocked on peer pid %d" message.
func LockHolderPid(f *os.File) (int32, bool) {
	lock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &lock); err != nil {
		return 0, false
	}
	if lock.Type == unix.F_UNLCK {
		return 0, false
	}
	return lock.Pid, true
}
