//go:build linux

package sandbox

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewIPCSocketpair creates the anonymous bidirectional stream-socket pair
// used for the controller/runner IPC channel (§4.6 step 1). The first
// *os.File is kept by the caller (the supervisor); the second is handed to
// Sandboxer.Command to be inherited by the sandboxed runner.
func NewIPCSocketpair() (keep *os.File, pass *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("sandbox: socketpair: %w", err)
	}

	if err := unix.SetNonblock(fds[0], false); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("sandbox: set blocking: %w", err)
	}

	keep = os.NewFile(uintptr(fds[0]), "hive-ipc-controller")
	pass = os.NewFile(uintptr(fds[1]), "hive-ipc-runner")
	return keep, pass, nil
}

// ShutdownWrite half-closes f's write direction (§4.6 step 5: "On
// cancellation, close the write half; the runner observes EOF at its next
// recv and exits"), leaving the read direction open so a final frame the
// runner is mid-write on can still be drained.
func ShutdownWrite(f *os.File) error {
	return unix.Shutdown(int(f.Fd()), unix.SHUT_WR)
}
