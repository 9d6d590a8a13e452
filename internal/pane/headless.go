package pane

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/loykin/sketchd/internal/logger"
)

// commandForShell always goes through /bin/sh so launch lines may use
// interpreter prefixes and arguments without the adapter parsing them.
func commandForShell(cmdline string) *exec.Cmd {
	// #nosec G204 -- cmdline is composed by the supervisor from validated state
	return exec.Command("/bin/sh", "-c", cmdline)
}

// Headless runs the sketch without any visual surface: the process is spawned
// directly in its own process group with stdout/stderr captured to rotating
// log files. Used when no multiplexer is available (CI, ssh without tmux).
type Headless struct {
	Log logger.Config
}

func (a *Headless) Open(name, launch string) (Handle, error) {
	spec := commandForShell(launch)
	spec.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	h := Handle{Backend: "headless", cmd: spec}
	if a.Log.Dir != "" {
		if err := os.MkdirAll(a.Log.Dir, 0o750); err != nil {
			return Handle{}, fmt.Errorf("%w: create log dir: %v", ErrAdapter, err)
		}
		outW, errW, err := a.Log.Writers(name)
		if err != nil {
			return Handle{}, fmt.Errorf("%w: %v", ErrAdapter, err)
		}
		spec.Stdout = outW
		spec.Stderr = errW
		if outW != nil {
			h.closers = append(h.closers, outW)
		}
		if errW != nil {
			h.closers = append(h.closers, errW)
		}
	} else {
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		spec.Stdout = null
		spec.Stderr = null
		h.closers = append(h.closers, null)
	}

	if err := spec.Start(); err != nil {
		for _, c := range h.closers {
			_ = c.Close()
		}
		return Handle{}, fmt.Errorf("%w: spawn: %v", ErrAdapter, err)
	}
	h.PID = spec.Process.Pid
	return h, nil
}

func (a *Headless) Close(h Handle) error {
	for _, c := range h.closers {
		_ = c.Close()
	}
	return nil
}
