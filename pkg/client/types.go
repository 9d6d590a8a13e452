package client

import "time"

// Sketch mirrors the daemon's sketch record on the wire.
type Sketch struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	SourcePath  string    `json:"source_path"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	ArtifactRef string    `json:"artifact_ref,omitempty"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CreateRequest registers or replaces a sketch.
type CreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	Kind        string `json:"kind"`
}

// ErrorResponse is the daemon's structured error body.
type ErrorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Diagnostics string `json:"diagnostics,omitempty"`
}
