//go:build unix

package sandbox

import (
	"os"
	"os/exec"
	goruntime "runtime"
	"syscall"
)

// configureProcess puts the child in its own process group so cancellation
// kills everything it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

func peakMemoryMB(state *os.ProcessState) int64 {
	ru, ok := state.SysUsage().(*syscall.Rusage)
	if !ok || ru == nil {
		return 0
	}
	maxrss := int64(ru.Maxrss)
	if goruntime.GOOS == "darwin" {
		return maxrss / (1 << 20) // bytes
	}
	return maxrss / 1024 // KiB
}
