package ipc

// Fixed file-descriptor numbers, high enough to never collide with stdio
// or ordinary spawned-child fds, so a fresh image can rediscover them
// after re-exec without any state transfer outside the session memfd
// (spec §4.7/§5; glyph layout from original_source/src/constants.rs).
const (
	FDSessionState = 100
	FDSignal       = 101
	FDLockFile     = 102

	FDRequestRead   = 110
	FDRequestWrite  = 111
	FDResponseRead  = 112
	FDResponseWrite = 113
)

// MaxMessageSize is PIPE_BUF: the largest message a single writer can push
// atomically into a pipe. Every request and response must fit within it.
const MaxMessageSize = 4096
