package sketch

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a sketch as recorded in the registry.
type Status string

const (
	StatusDraft       Status = "draft"
	StatusBuilding    Status = "building"
	StatusBuildFailed Status = "build_failed"
	StatusReady       Status = "ready"
	StatusRunning     Status = "running"
	StatusStopped     Status = "stopped"
	StatusCrashed     Status = "crashed"
)

// Kind determines how a sketch's source is turned into something runnable.
type Kind string

const (
	// KindCompiled sources are built into a binary artifact before launch.
	KindCompiled Kind = "compiled"
	// KindInterpreted sources are syntax-checked and launched via an interpreter.
	KindInterpreted Kind = "interpreted"
)

// ParseKind validates a kind string coming from the wire.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCompiled, KindInterpreted:
		return Kind(s), nil
	}
	return "", fmt.Errorf("unknown sketch kind %q (want %q or %q)", s, KindCompiled, KindInterpreted)
}

// Sketch is the durable record for one named sketch. RunningInstance state
// (PID, pane handle) deliberately lives outside this struct; the record only
// knows that the sketch is running via Status.
type Sketch struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SourcePath  string    `json:"source_path"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const maxNameLen = 64

// ValidateName enforces the identifier rules for sketch names. Names become
// directory names under the sketches root, so only alphanumerics, '_' and '-'
// are accepted; dots are rejected so no name can alias the root or traverse
// out of it.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("sketch name cannot be empty")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("sketch name cannot exceed %d characters", maxNameLen)
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return fmt.Errorf("sketch name contains invalid character %q (allowed: A-Za-z0-9_-)", r)
	}
	return nil
}

// transitions lists the permitted status moves. Every non-deleted state can
// re-enter building so that a sketch is always re-runnable after failure.
// Building permits re-entry: a record left Building by a daemon that died
// mid-build may be built again.
var transitions = map[Status][]Status{
	StatusDraft:       {StatusBuilding},
	StatusBuilding:    {StatusBuilding, StatusBuildFailed, StatusReady},
	StatusBuildFailed: {StatusBuilding, StatusDraft},
	StatusReady:       {StatusRunning, StatusBuilding, StatusDraft},
	StatusRunning:     {StatusStopped, StatusCrashed},
	StatusStopped:     {StatusBuilding, StatusRunning, StatusDraft},
	StatusCrashed:     {StatusBuilding, StatusRunning, StatusDraft},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Runnable reports whether a run request is acceptable for the current status.
// Running itself is included: the replace policy stops the old instance first.
func (s *Sketch) Runnable() bool {
	switch s.Status {
	case StatusDraft, StatusBuildFailed, StatusReady, StatusStopped, StatusCrashed, StatusRunning:
		return true
	}
	return false
}

// NeedsBuild reports whether a run request must (re)build before launching.
// A Ready sketch with a recorded artifact can launch directly.
func (s *Sketch) NeedsBuild() bool {
	return s.Status != StatusReady || s.ArtifactRef == ""
}
