//go:build linux

package process

import (
	"errors"

	"golang.org/x/sys/unix"
)

// awaitExit blocks until pid exits and leaves it unreaped, so its process
// group id can not be reused yet.
func awaitExit(pid int) bool {
	for {
		var info unix.Siginfo
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil {
			return true
		}
		if !errors.Is(err, unix.EINTR) {
			return false
		}
	}
}
