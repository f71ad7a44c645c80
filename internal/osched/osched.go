// Package osched is the contract between clockwork and the OS job scheduler
// (launchd on macOS, systemd user units on Linux).
//
// A backend renders an Artifact (the files the OS scheduler reads), and drives the
// scheduler by label. Backends never decide when a job runs; they only describe it.
package osched

import (
	"context"
	"io/fs"
	"os"

	"github.com/cockroachdb/errors"

	"clockwork/internal/job"
	"clockwork/pkg/atomicfile"
)

// ErrNotFound is returned by backends when the label is not known to the OS scheduler.
var ErrNotFound = errors.New("osched: label not found")

// Status is what the OS scheduler reports about one label.
type Status struct {
	Loaded       bool
	PID          *int
	LastExitCode *int
	// Unknown is set when the query failed or timed out; the other fields are zero.
	Unknown bool
}

// Running reports whether a process is attached to the label.
func (s Status) Running() bool { return s.PID != nil }

func (s Status) String() string {
	switch {
	case s.Unknown:
		return "unknown"
	case !s.Loaded:
		return "not loaded"
	case s.Running():
		return "running"
	default:
		return "loaded"
	}
}

// Spec is the backend-neutral description of a scheduled command.
type Spec struct {
	Label      string
	Script     string
	WorkingDir string
	Env        map[string]string
	Schedule   job.Schedule
}

type File struct {
	Path    string
	Content []byte
	Mode    fs.FileMode
}

// Artifact is everything a backend needs on disk for one label.
type Artifact struct {
	Label string
	Files []File
}

// Scheduler is implemented by each OS scheduler backend.
type Scheduler interface {
	// Name identifies the backend ("launchd", "systemd").
	Name() string
	Render(spec Spec) (Artifact, error)
	// Load activates the installed artifact.
	Load(ctx context.Context, label string) error
	// Unload deactivates the label. Unloading an unknown label is not an error.
	Unload(ctx context.Context, label string) error
	// Start triggers one immediate run.
	Start(ctx context.Context, label string) error
	// List queries the status of one label. A label the scheduler does not know
	// yields Status{Loaded: false} and no error.
	List(ctx context.Context, label string) (Status, error)
	// ArtifactFiles lists the paths Render writes for label.
	ArtifactFiles(label string) []string
	// InstalledLabels returns the labels with artifacts on disk that start with prefix.
	InstalledLabels(prefix string) ([]string, error)
}

// WriteArtifact writes every file of a atomically (temp file, fsync, rename).
func WriteArtifact(a Artifact) error {
	for _, f := range a.Files {
		if err := atomicfile.Write(f.Path, f.Content, f.Mode); err != nil {
			return errors.Wrapf(err, "write artifact for %s", a.Label)
		}
	}
	return nil
}

// RemoveArtifact deletes the given paths; missing files are ignored.
func RemoveArtifact(paths []string) error {
	var errs error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "remove %s", p))
		}
	}
	return errs
}

// ArtifactInstalled reports whether every artifact file exists.
func ArtifactInstalled(s Scheduler, label string) bool {
	paths := s.ArtifactFiles(label)
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
