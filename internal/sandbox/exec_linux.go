//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// configureProcess puts the command in its own process group and makes
// context cancellation kill the whole group, so children of a
// timed-out command do not linger.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if err == unix.ESRCH {
			return nil
		}
		return err
	}
}

// applyCPULimit sets RLIMIT_CPU on the started process. Best effort: a
// failure only logs and the command runs unlimited.
func applyCPULimit(cmd *exec.Cmd, seconds int) {
	if seconds <= 0 || cmd.Process == nil {
		return
	}
	limit := unix.Rlimit{Cur: uint64(seconds), Max: uint64(seconds) + 5}
	if err := unix.Prlimit(cmd.Process.Pid, unix.RLIMIT_CPU, &limit, nil); err != nil {
		logrus.WithError(err).Debug("setting RLIMIT_CPU failed")
	}
}
