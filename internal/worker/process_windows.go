//go:build windows

package worker

import "os/exec"

func configureProcAttr(_ *exec.Cmd) {}

// Windows has no SIGTERM; both paths hard-kill the process.
func terminateProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func killProcess(cmd *exec.Cmd) error {
	return terminateProcess(cmd)
}

func exitSignal(_ *exec.Cmd) string { return "" }
