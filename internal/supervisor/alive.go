package supervisor

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// processAlive probes pid via signal 0. On Linux a quickly-exiting child can
// linger as a zombie until reaped; a zombie counts as not alive.
func processAlive(pid int) (bool, string) {
	if pid <= 0 {
		return false, ""
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false, ""
	}
	if syscall.Kill(pid, 0) == nil {
		return true, "signal0"
	}
	return false, ""
}

func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
