// Package oschedtest provides an in-memory OS scheduler for tests.
package oschedtest

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"clockwork/internal/osched"
)

// Fake renders one "<label>.job" file per label into Dir and keeps load state in
// memory. Errors can be injected per operation and label.
type Fake struct {
	Dir string

	mu      sync.Mutex
	loaded  map[string]bool
	status  map[string]osched.Status
	calls   []string
	errs    map[string]error
	blockOn map[string]bool
}

func New(dir string) *Fake {
	return &Fake{
		Dir:     dir,
		loaded:  map[string]bool{},
		status:  map[string]osched.Status{},
		errs:    map[string]error{},
		blockOn: map[string]bool{},
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) path(label string) string { return filepath.Join(f.Dir, label+".job") }

func (f *Fake) ArtifactFiles(label string) []string { return []string{f.path(label)} }

func (f *Fake) Render(spec osched.Spec) (osched.Artifact, error) {
	if err := f.err("render", spec.Label); err != nil {
		return osched.Artifact{}, err
	}
	return osched.Artifact{
		Label: spec.Label,
		Files: []osched.File{{Path: f.path(spec.Label), Content: []byte(spec.Script), Mode: 0o644}},
	}, nil
}

// FailOn makes op ("render", "load", "unload", "start", "list") fail for label.
func (f *Fake) FailOn(op, label string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op+" "+label] = err
}

// BlockList makes List for label wait until its context ends.
func (f *Fake) BlockList(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockOn[label] = true
}

// SetStatus overrides what List reports for a loaded label.
func (f *Fake) SetStatus(label string, st osched.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[label] = st
	f.loaded[label] = st.Loaded
}

// MarkLoaded simulates a label loaded outside clockwork.
func (f *Fake) MarkLoaded(label string, loaded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[label] = loaded
}

func (f *Fake) IsLoaded(label string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[label]
}

// Calls returns "op label" strings in call order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(op, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+label)
	return f.errs[op+" "+label]
}

func (f *Fake) err(op, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errs[op+" "+label]
}

func (f *Fake) Load(_ context.Context, label string) error {
	if err := f.record("load", label); err != nil {
		return err
	}
	if _, err := os.Stat(f.path(label)); err != nil {
		return errors.Wrapf(err, "load %s", label)
	}
	f.MarkLoaded(label, true)
	return nil
}

func (f *Fake) Unload(_ context.Context, label string) error {
	if err := f.record("unload", label); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.loaded, label)
	delete(f.status, label)
	f.mu.Unlock()
	return nil
}

func (f *Fake) Start(_ context.Context, label string) error {
	if err := f.record("start", label); err != nil {
		return err
	}
	if !f.IsLoaded(label) {
		return errors.Mark(errors.Newf("start %s", label), osched.ErrNotFound)
	}
	return nil
}

func (f *Fake) List(ctx context.Context, label string) (osched.Status, error) {
	if err := f.record("list", label); err != nil {
		return osched.Status{}, err
	}
	f.mu.Lock()
	block := f.blockOn[label]
	st, hasStatus := f.status[label]
	loaded := f.loaded[label]
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return osched.Status{}, ctx.Err()
	}
	if !loaded {
		return osched.Status{}, nil
	}
	if hasStatus {
		return st, nil
	}
	return osched.Status{Loaded: true}, nil
}

func (f *Fake) InstalledLabels(prefix string) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if n := e.Name(); strings.HasPrefix(n, prefix) && strings.HasSuffix(n, ".job") {
			out = append(out, strings.TrimSuffix(n, ".job"))
		}
	}
	sort.Strings(out)
	return out, nil
}

var _ osched.Scheduler = (*Fake)(nil)
