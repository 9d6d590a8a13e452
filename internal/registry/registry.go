// Package registry is the durable store of sketch metadata. The full mapping
// is kept in memory and persisted as a whole-file JSON snapshot that is
// replaced atomically (write temp, fsync, rename) on every mutation, so a
// reader never observes a partial write.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loykin/sketchd/internal/sketch"
)

var (
	// ErrNotFound is returned for operations on names the registry does not hold.
	ErrNotFound = errors.New("sketch not found")
	// ErrStaleState is returned by CompareAndUpdateStatus when the expected
	// status no longer matches; the caller raced with another transition.
	ErrStaleState = errors.New("stale sketch status")
	// ErrIllegalTransition rejects a status move the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrCorrupt wraps snapshot parse failures at startup. It is fatal: the
	// store refuses to operate on a registry it cannot fully trust.
	ErrCorrupt = errors.New("registry snapshot corrupt")
)

const snapshotVersion = 1

type snapshot struct {
	Version  int                      `json:"version"`
	Sketches map[string]sketch.Sketch `json:"sketches"`
}

// Registry holds all sketch records. Mutations rewrite the snapshot file under
// snapMu, the single global serialization point around snapshot capture and
// the atomic rename.
type Registry struct {
	path string

	mu       sync.RWMutex
	sketches map[string]sketch.Sketch

	snapMu sync.Mutex
}

// Open loads the snapshot at path, creating an empty registry when the file
// does not exist yet. A snapshot that exists but fails to parse is ErrCorrupt.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, sketches: make(map[string]sketch.Sketch)}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry snapshot %s: %w", path, err)
	}
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorrupt, path, snap.Version)
	}
	for name, s := range snap.Sketches {
		if s.Name != name {
			return nil, fmt.Errorf("%w: %s: entry %q claims name %q", ErrCorrupt, path, name, s.Name)
		}
		r.sketches[name] = s
	}
	return r, nil
}

// Path returns the snapshot file location.
func (r *Registry) Path() string { return r.path }

// Put inserts or replaces the record for s.Name and persists the snapshot.
// CreatedAt is preserved across upserts of an existing name.
func (r *Registry) Put(s sketch.Sketch) error {
	if err := sketch.ValidateName(s.Name); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	if prev, ok := r.sketches[s.Name]; ok && !prev.CreatedAt.IsZero() {
		s.CreatedAt = prev.CreatedAt
	} else if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	r.sketches[s.Name] = s
	r.mu.Unlock()
	return r.persist()
}

// Get returns a copy of the record for name.
func (r *Registry) Get(name string) (sketch.Sketch, error) {
	r.mu.RLock()
	s, ok := r.sketches[name]
	r.mu.RUnlock()
	if !ok {
		return sketch.Sketch{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}

// List returns copies of all records sorted by name.
func (r *Registry) List() []sketch.Sketch {
	r.mu.RLock()
	out := make([]sketch.Sketch, 0, len(r.sketches))
	for _, s := range r.sketches {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Delete removes the record for name and persists the snapshot.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	if _, ok := r.sketches[name]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.sketches, name)
	r.mu.Unlock()
	return r.persist()
}

// CompareAndUpdateStatus transitions name from expected to next only when the
// stored status still equals expected and the move is a legal lifecycle
// transition, returning the updated record.
func (r *Registry) CompareAndUpdateStatus(name string, expected, next sketch.Status) (sketch.Sketch, error) {
	if !sketch.CanTransition(expected, next) {
		return sketch.Sketch{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, next)
	}
	r.mu.Lock()
	s, ok := r.sketches[name]
	if !ok {
		r.mu.Unlock()
		return sketch.Sketch{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if s.Status != expected {
		r.mu.Unlock()
		return sketch.Sketch{}, fmt.Errorf("%w: %s is %s, expected %s", ErrStaleState, name, s.Status, expected)
	}
	s.Status = next
	s.UpdatedAt = time.Now().UTC()
	r.sketches[name] = s
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		return sketch.Sketch{}, err
	}
	return s, nil
}

// Update applies fn to a copy of the record for name, stores the result and
// persists. fn returning an error aborts without mutating anything.
func (r *Registry) Update(name string, fn func(*sketch.Sketch) error) (sketch.Sketch, error) {
	r.mu.Lock()
	s, ok := r.sketches[name]
	if !ok {
		r.mu.Unlock()
		return sketch.Sketch{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err := fn(&s); err != nil {
		r.mu.Unlock()
		return sketch.Sketch{}, err
	}
	s.Name = name // fn must not rename
	s.UpdatedAt = time.Now().UTC()
	r.sketches[name] = s
	r.mu.Unlock()
	if err := r.persist(); err != nil {
		return sketch.Sketch{}, err
	}
	return s, nil
}

// persist writes the whole snapshot to a temp file in the same directory,
// fsyncs it and renames it over the live file. snapMu covers the state copy
// as well as the rename, so a snapshot captured later can never lose the
// rename race to an earlier, staler one.
func (r *Registry) persist() error {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	r.mu.RLock()
	snap := snapshot{Version: snapshotVersion, Sketches: make(map[string]sketch.Sketch, len(r.sketches))}
	for name, s := range r.sketches {
		snap.Sketches[name] = s
	}
	r.mu.RUnlock()

	b, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry snapshot: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("fsync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace registry snapshot: %w", err)
	}
	return nil
}
