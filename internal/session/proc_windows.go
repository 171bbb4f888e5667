//go:build windows

package session

import (
	"errors"
	"os/exec"
)

// errNoProcessGroups marks group signalling as unavailable; callers fall
// back to killing the direct child.
var errNoProcessGroups = errors.New("process groups unsupported on windows")

// setProcAttr is a no-op on Windows, which has job objects instead of
// POSIX process groups.
func setProcAttr(cmd *exec.Cmd) {}

// interruptGroup is unavailable on Windows.
func interruptGroup(pid int) error {
	return errNoProcessGroups
}

// killGroup is unavailable on Windows.
func killGroup(pid int) error {
	return errNoProcessGroups
}
