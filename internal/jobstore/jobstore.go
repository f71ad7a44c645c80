// Package jobstore persists the declared jobs in a single JSON document.
//
// The document is the source of truth for what should be scheduled; the OS
// scheduler's state is derived from it by schedsync.
package jobstore

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"clockwork/internal/job"
	"clockwork/pkg/atomicfile"
	logx "clockwork/pkg/logx"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrDuplicateName = errors.New("job name already in use")
)

// Store keeps jobs in memory sorted by name and rewrites the whole file on every
// mutation.
type Store struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	jobs []job.Job
}

// Open creates a store backed by path and loads it.
func Open(path string, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log}
	s.Load()
	return s
}

func (s *Store) Path() string { return s.path }

// Load replaces the in-memory jobs with the file contents. A missing or unreadable
// file leaves the store empty.
func (s *Store) Load() {
	jobs, err := readFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Debug("no job file yet", logx.String("path", s.path))
		} else {
			s.log.Warn("job file unreadable, starting empty", logx.String("path", s.path), logx.Err(err))
		}
		jobs = nil
	}
	sortByName(jobs)
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
}

func readFile(path string) ([]job.Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jobs []job.Job
	if err := json.Unmarshal(b, &jobs); err != nil {
		return nil, errors.Wrap(err, "decode jobs")
	}
	return jobs, nil
}

// Save writes the current jobs.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	jobs := s.jobs
	if jobs == nil {
		jobs = []job.Job{}
	}
	b, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode jobs")
	}
	b = append(b, '\n')
	if err := atomicfile.Write(s.path, b, 0o600); err != nil {
		return errors.Wrap(err, "save jobs")
	}
	return nil
}

// List returns a copy of all jobs sorted by name.
func (s *Store) List() []job.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]job.Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = j.Name
	}
	return out
}

func (s *Store) ByName(name string) (job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return j, true
		}
	}
	return job.Job{}, false
}

func (s *Store) ByID(id string) (job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.jobs[i], true
	}
	return job.Job{}, false
}

// Add validates j, rejects duplicate names and IDs, and saves.
func (s *Store) Add(j job.Job) error {
	if err := job.Validate(j); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(j.ID) >= 0 {
		return errors.Newf("job id %s already exists", j.ID)
	}
	if s.nameTakenLocked(j.Name, "") {
		return errors.WithHint(errors.Mark(errors.Newf("job %q already exists", j.Name), ErrDuplicateName),
			"pick another name or edit the existing job")
	}
	prev := s.jobs
	s.jobs = append(append([]job.Job(nil), s.jobs...), j)
	sortByName(s.jobs)
	if err := s.saveLocked(); err != nil {
		s.jobs = prev
		return err
	}
	return nil
}

// Update replaces the job with j.ID and returns the previous version.
func (s *Store) Update(j job.Job) (job.Job, error) {
	if err := job.Validate(j); err != nil {
		return job.Job{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(j.ID)
	if i < 0 {
		return job.Job{}, errors.Mark(errors.Newf("job id %s", j.ID), ErrNotFound)
	}
	if s.nameTakenLocked(j.Name, j.ID) {
		return job.Job{}, errors.Mark(errors.Newf("job %q already exists", j.Name), ErrDuplicateName)
	}
	prev := s.jobs
	old := s.jobs[i]
	s.jobs = append([]job.Job(nil), s.jobs...)
	s.jobs[i] = j
	sortByName(s.jobs)
	if err := s.saveLocked(); err != nil {
		s.jobs = prev
		return job.Job{}, err
	}
	return old, nil
}

// Delete removes the job with id and returns it.
func (s *Store) Delete(id string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return job.Job{}, errors.Mark(errors.Newf("job id %s", id), ErrNotFound)
	}
	prev := s.jobs
	old := s.jobs[i]
	next := make([]job.Job, 0, len(s.jobs)-1)
	next = append(next, s.jobs[:i]...)
	next = append(next, s.jobs[i+1:]...)
	s.jobs = next
	if err := s.saveLocked(); err != nil {
		s.jobs = prev
		return job.Job{}, err
	}
	return old, nil
}

func (s *Store) indexLocked(id string) int {
	for i, j := range s.jobs {
		if j.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) nameTakenLocked(name, exceptID string) bool {
	for _, j := range s.jobs {
		if j.Name == name && j.ID != exceptID {
			return true
		}
	}
	return false
}

func sortByName(jobs []job.Job) {
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
}
