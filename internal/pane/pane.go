// Package pane is the boundary to the terminal surface a sketch runs in.
// The orchestrator treats it as a capability it does not implement: any
// backend satisfying Adapter (tmux split, headless spawn) is acceptable.
package pane

import (
	"errors"
	"io"
	"os"
	"os/exec"
)

// ErrAdapter indicates the pane backend is unavailable or refused the request.
var ErrAdapter = errors.New("pane adapter error")

// Handle identifies one opened pane and the process running inside it.
type Handle struct {
	Backend string `json:"backend"`
	ID      string `json:"id,omitempty"` // backend-specific pane identifier
	PID     int    `json:"pid"`

	// cmd is set by the headless backend; its owner may Wait on it to
	// observe the exit status. Backends that delegate process ownership
	// (tmux) leave it nil.
	cmd     *exec.Cmd
	closers []io.Closer
}

// Cmd returns the underlying command when this backend owns the process.
func (h Handle) Cmd() *exec.Cmd { return h.cmd }

// Adapter opens and closes panes. Open launches the given shell command line
// inside a fresh pane named after the sketch and returns a handle to it.
type Adapter interface {
	Open(name, launch string) (Handle, error)
	Close(h Handle) error
}

// Detect picks a backend for the current environment: tmux when running
// inside a tmux session, otherwise the headless direct-spawn fallback.
func Detect(headless Headless) Adapter {
	if os.Getenv("TMUX") != "" {
		return &Tmux{}
	}
	return &headless
}
