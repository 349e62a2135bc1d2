// Copyright (c) 2026 Backupgate Team
// Backupgate - backup export gateway
// This source code is licensed under the MIT license found in the LICENSE file.

//go:build unix

package export

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGTERM)
}

func killGroup(p *os.Process) error {
	return unix.Kill(-p.Pid, unix.SIGKILL)
}
