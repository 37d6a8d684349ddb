package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// LockFile implements spec §4.8: a single advisory write-lock identifying
// the live supervisor process. On acquisition failure it reads the
// holder's pid; on re-exec of the same process the lock is released and
// re-acquired so the operation is idempotent (flock's OS-level lock is
// tied to the fd/process, and the new image reopens the same path).
type LockFile struct {
	flock *flock.Flock
	path  string
}

// Acquire takes the lock at path. If it is already held by a different
// live process, it returns the holder's pid alongside the error so the
// caller can print the documented "held by pid %d" message before
// aborting (spec §7).
func Acquire(path string) (*LockFile, int, error) {
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, 0, fmt.Errorf("supervisor: lock %s: %w", path, err)
	}
	if !ok {
		holder := readHolderPid(path)
		return nil, holder, fmt.Errorf("supervisor: lock %s held by another process", path)
	}
	return &LockFile{flock: fl, path: path}, 0, nil
}

// Release drops the advisory lock, e.g. immediately before a re-exec
// that will re-acquire it in the new image.
func (l *LockFile) Release() error {
	return l.flock.Unlock()
}

// readHolderPid is best-effort: on Linux, flock locks don't expose the pid
// directly through gofrs/flock, so this falls back to reading a sibling
// ".pid" hint file the supervisor writes next to the lock on acquire, and
// returns 0 if unavailable.
func readHolderPid(path string) int {
	data, err := os.ReadFile(path + ".pid")
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// WritePidHint records this process's pid next to the lock file so a
// future contender can report a friendly holder pid.
func (l *LockFile) WritePidHint() error {
	return os.WriteFile(l.path+".pid", []byte(strconv.Itoa(os.Getpid())), 0o644)
}
