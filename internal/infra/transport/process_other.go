//go:build !linux && !darwin

package transport

import "os/exec"

func setupProcessHandling(cmd *exec.Cmd) func() {
	return func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}
