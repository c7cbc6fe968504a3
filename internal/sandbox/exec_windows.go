//go:build windows

package sandbox

import "os/exec"

// configureProcess leaves the default cancel behavior (kill the
// direct child); process groups work differently on Windows.
func configureProcess(cmd *exec.Cmd) {}

func applyCPULimit(cmd *exec.Cmd, seconds int) {}
