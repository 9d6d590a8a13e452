package pane

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Tmux opens sketches in a horizontal split of the current tmux window.
// The pane's shell is replaced by the launch command, so the pane's pid is
// the sketch process itself and the pane disappears when the process exits.
type Tmux struct{}

func (t *Tmux) Open(name, launch string) (Handle, error) {
	// -P -F prints the created pane's id and pid so we can track liveness
	// and close the pane later.
	// #nosec G204 -- launch is composed by the supervisor from validated state
	cmd := exec.Command("tmux", "split-window", "-h", "-P", "-F", "#{pane_id} #{pane_pid}", "--", "/bin/sh", "-c", launch)
	out, err := cmd.Output()
	if err != nil {
		return Handle{}, fmt.Errorf("%w: tmux split-window: %v", ErrAdapter, err)
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) != 2 {
		return Handle{}, fmt.Errorf("%w: unexpected tmux output %q", ErrAdapter, strings.TrimSpace(string(out)))
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return Handle{}, fmt.Errorf("%w: bad pane pid %q", ErrAdapter, fields[1])
	}
	_ = exec.Command("tmux", "select-pane", "-t", fields[0], "-T", name).Run()
	return Handle{Backend: "tmux", ID: fields[0], PID: pid}, nil
}

func (t *Tmux) Close(h Handle) error {
	if h.ID == "" {
		return nil
	}
	// The pane is usually gone already once the process exited; a kill-pane
	// failure for a missing pane is not an error.
	out, err := exec.Command("tmux", "kill-pane", "-t", h.ID).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "can't find pane") {
		return fmt.Errorf("%w: tmux kill-pane %s: %v", ErrAdapter, h.ID, err)
	}
	return nil
}
