// Package signals wraps signalfd: SIGHUP/SIGINT/SIGTERM/SIGCHLD are
// blocked on the calling thread via sigprocmask and become readable events
// on a single fd the main loop polls (spec §4.6/§5). No other signal is
// blocked.
package signals

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SignalFD owns the blocked signal mask and the signalfd reading it.
type SignalFD struct {
	fd int
}

// New blocks SIGHUP/SIGINT/SIGTERM/SIGCHLD on the calling thread and
// creates a signalfd for them, dup'd onto the fixed fd number.
func New(fixedFd int) (*SignalFD, error) {
	var set unix.Sigset_t
	sigaddset(&set, unix.SIGHUP)
	sigaddset(&set, unix.SIGINT)
	sigaddset(&set, unix.SIGTERM)
	sigaddset(&set, unix.SIGCHLD)

	if err := unix.SigprocMask(unix.SIG_BLOCK, &set, nil); err != nil {
		return nil, fmt.Errorf("signals: sigprocmask: %w", err)
	}

	fd, err := unix.Signalfd(-1, &set, unix.SFD_NONBLOCK|unix.SFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("signals: signalfd: %w", err)
	}
	if fd != fixedFd {
		if err := unix.Dup2(fd, fixedFd); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("signals: dup2 onto fixed fd: %w", err)
		}
		unix.Close(fd)
	}
	return &SignalFD{fd: fixedFd}, nil
}

// OpenExisting rediscovers the signalfd at the fixed fd number after
// re-exec without re-masking signals (they remain blocked across exec).
func OpenExisting(fixedFd int) *SignalFD {
	return &SignalFD{fd: fixedFd}
}

// Fd returns the underlying file descriptor, for use in poll().
func (s *SignalFD) Fd() int { return s.fd }

// Signal is one of the four signals this supervisor reacts to.
type Signal int

const (
	SignalNone Signal = iota
	SignalHUP
	SignalINT
	SignalTERM
	SignalCHLD
)

// Read consumes exactly one signalfd_siginfo record and classifies it.
// Unrecognised or malformed records return SignalNone, never an error the
// caller must special-case (spec §4.6's "ignore unknown signals").
func (s *SignalFD) Read() Signal {
	var info unix.SignalfdSiginfo
	buf := (*[unix.SizeofSignalfdSiginfo]byte)(unsafe.Pointer(&info))[:]
	n, err := unix.Read(s.fd, buf)
	if err != nil || n != unix.SizeofSignalfdSiginfo {
		return SignalNone
	}
	switch unix.Signal(info.Signo) {
	case unix.SIGHUP:
		return SignalHUP
	case unix.SIGINT:
		return SignalINT
	case unix.SIGTERM:
		return SignalTERM
	case unix.SIGCHLD:
		return SignalCHLD
	default:
		return SignalNone
	}
}

func sigaddset(set *unix.Sigset_t, sig unix.Signal) {
	// Sigset_t is an array of uint64 words on linux/amd64 and linux/arm64;
	// with i = signal-1, the signal is bit i%64 of word i/64.
	i := uint(sig) - 1
	word := i / 64
	bit := i % 64
	set.Val[word] |= 1 << bit
}
