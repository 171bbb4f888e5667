//go:build !windows

package session

import (
	"os/exec"
	"syscall"
)

// setProcAttr puts the agent in its own process group so the watchdog can
// take down the agent and everything it spawned (shells, language servers,
// test runners) in one signal.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcessGroup signals the whole group. The negative PID addresses
// the group; on Unix the group ID equals the leader's PID.
func signalProcessGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	return syscall.Kill(-pid, sig)
}

// interruptGroup asks the group to wind down cooperatively.
func interruptGroup(pid int) error {
	return signalProcessGroup(pid, syscall.SIGINT)
}

// killGroup terminates the group immediately.
func killGroup(pid int) error {
	return signalProcessGroup(pid, syscall.SIGKILL)
}
