//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reads the PID file and checks the process still exists.
// FindProcess opens a handle on Windows and fails for exited processes.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	_ = proc.Release()
	return pid, true
}

// Signal terminates the process named in the PID file. Windows has no
// graceful signal delivery, so every signal kills.
func (p *PIDFile) Signal(sig syscall.Signal) error {
	pid, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if sig == syscall.Signal(0) {
		return nil
	}
	return proc.Kill()
}
