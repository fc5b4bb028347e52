//go:build unix

package process

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

func kill(proc *os.Process) error {
	err := unix.Kill(-proc.Pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	err = proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// killGroup kills what is left of the process group of pid.
func killGroup(pid int) {
	_ = unix.Kill(-pid, unix.SIGKILL)
}
