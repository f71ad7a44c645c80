// Package history rebuilds past runs from the files job scripts leave in
// <root>/<job>/ and keeps the archived flag in a per-job side file.
package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"clockwork/internal/eventbus"
	"clockwork/internal/metrics"
	logx "clockwork/pkg/logx"
)

// DefaultDebounce coalesces bursts of file events into one reload.
const DefaultDebounce = 500 * time.Millisecond

var ErrRecordNotFound = errors.New("run record not found")

type Service struct {
	root     string
	debounce time.Duration

	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	// mu serializes reloads and archive writes; records and scope are the
	// result of the last reload.
	mu      sync.Mutex
	records []RunRecord
	scope   []string

	subsMu sync.Mutex
	subs   []chan []RunRecord

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

type Option func(*Service)

func WithDebounce(d time.Duration) Option { return func(s *Service) { s.debounce = d } }

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

func New(root string, opts ...Option) *Service {
	s := &Service{root: root, debounce: DefaultDebounce}
	for _, o := range opts {
		o(s)
	}
	if s.debounce <= 0 {
		s.debounce = DefaultDebounce
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Service) Root() string { return s.root }

func (s *Service) dir(name string) string { return filepath.Join(s.root, name) }

// Load replaces the loaded records with those of one job.
func (s *Service) Load(name string) []RunRecord {
	return s.LoadAll([]string{name})
}

// LoadAll replaces the loaded records with the runs of every named job, newest first.
func (s *Service) LoadAll(names []string) []RunRecord {
	s.mu.Lock()
	recs := s.reloadLocked(names)
	s.mu.Unlock()
	s.changed(recs)
	return recs
}

func (s *Service) reloadLocked(names []string) []RunRecord {
	var all []RunRecord
	for _, name := range names {
		dir := s.dir(name)
		recs := Reconstruct(dir, name)
		overlay(recs, readArchived(dir))
		all = append(all, recs...)
	}
	sortNewestFirst(all)
	s.records = all
	s.scope = append([]string(nil), names...)
	s.metrics.HistoryReloaded(len(all))
	return cloneRecords(all)
}

// Records returns a copy of the records of the last load.
func (s *Service) Records() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecords(s.records)
}

// Latest returns the newest loaded run of name.
func (s *Service) Latest(name string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.JobName == name {
			return r, true
		}
	}
	return RunRecord{}, false
}

func cloneRecords(recs []RunRecord) []RunRecord {
	if recs == nil {
		return nil
	}
	return append([]RunRecord(nil), recs...)
}

// Archive marks one run archived and persists the flag.
func (s *Service) Archive(rec RunRecord) error {
	return s.setArchived(true, func(r RunRecord) bool { return r.ID() == rec.ID() }, &rec)
}

// Unarchive clears the archived flag of one run.
func (s *Service) Unarchive(rec RunRecord) error {
	return s.setArchived(false, func(r RunRecord) bool { return r.ID() == rec.ID() }, &rec)
}

// ArchiveAll archives every loaded run.
func (s *Service) ArchiveAll() error {
	return s.setArchived(true, func(RunRecord) bool { return true }, nil)
}

// ArchiveOlderThan archives the loaded runs that started before t.
func (s *Service) ArchiveOlderThan(t time.Time) error {
	return s.setArchived(true, func(r RunRecord) bool { return r.Timestamp.Before(t) }, nil)
}

// setArchived applies archived to the loaded records matching match and writes
// one side file per affected job. When single is set the run must exist on
// disk, loaded or not.
func (s *Service) setArchived(archived bool, match func(RunRecord) bool, single *RunRecord) error {
	s.mu.Lock()
	stems := map[string][]string{}
	for i := range s.records {
		if match(s.records[i]) && s.records[i].Archived != archived {
			stems[s.records[i].JobName] = append(stems[s.records[i].JobName], s.records[i].Stem)
		}
	}
	if single != nil {
		if _, err := os.Stat(filepath.Join(s.dir(single.JobName), single.Stem+logSuffix)); err != nil {
			s.mu.Unlock()
			return errors.Mark(errors.Wrapf(err, "run %s", single.ID()), ErrRecordNotFound)
		}
		if len(stems) == 0 {
			stems[single.JobName] = []string{single.Stem}
		}
	}

	var errs error
	for name, list := range stems {
		dir := s.dir(name)
		set := readArchived(dir)
		for _, stem := range list {
			if archived {
				set[stem] = true
			} else {
				delete(set, stem)
			}
		}
		if err := writeArchived(dir, set); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "job %s", name))
			continue
		}
		for i := range s.records {
			if s.records[i].JobName == name {
				s.records[i].Archived = set[s.records[i].Stem]
			}
		}
	}
	recs := cloneRecords(s.records)
	s.mu.Unlock()

	if len(stems) > 0 {
		s.changed(recs)
	}
	return errs
}

// Clear deletes the job's history directory, side file included, and drops
// its loaded records.
func (s *Service) Clear(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Newf("invalid job name %q", name)
	}
	s.mu.Lock()
	if err := os.RemoveAll(s.dir(name)); err != nil {
		s.mu.Unlock()
		return errors.Wrapf(err, "clear history of %s", name)
	}
	kept := s.records[:0]
	for _, r := range s.records {
		if r.JobName != name {
			kept = append(kept, r)
		}
	}
	s.records = kept
	recs := cloneRecords(kept)
	s.mu.Unlock()

	s.log.Info("history cleared", logx.String("job", name))
	s.changed(recs)
	return nil
}

// Subscribe delivers the loaded records after every change. Slow subscribers
// only see the latest snapshot.
func (s *Service) Subscribe(buffer int) (<-chan []RunRecord, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []RunRecord, buffer)
	s.subsMu.Lock()
	s.subs = append(s.subs, ch)
	s.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			defer s.subsMu.Unlock()
			for i, c := range s.subs {
				if c == ch {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (s *Service) changed(recs []RunRecord) {
	s.subsMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- recs:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- recs:
			default:
			}
		}
	}
	s.subsMu.Unlock()
	s.bus.Publish(eventbus.Event{Type: eventbus.HistoryChanged, Data: len(recs)})
}

// Watch loads names and keeps them loaded while files change under their
// directories. A previous watch is stopped first. Missing job directories are
// created so they can be watched.
func (s *Service) Watch(ctx context.Context, names ...string) error {
	s.StopWatching()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "history watcher")
	}
	dirs := make([]string, 0, len(names)+1)
	dirs = append(dirs, s.root)
	for _, n := range names {
		dirs = append(dirs, s.dir(n))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			_ = w.Close()
			return errors.Wrapf(err, "create %s", d)
		}
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return errors.Wrapf(err, "watch %s", d)
		}
	}

	s.LoadAll(names)

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.watchMu.Lock()
	s.watchCancel, s.watchDone = cancel, done
	s.watchMu.Unlock()

	go s.watchLoop(wctx, w, append([]string(nil), names...), done)
	s.log.Debug("history watch started", logx.Strs("jobs", names))
	return nil
}

// StopWatching ends the current watch and waits for its loop to exit. Safe to
// call repeatedly.
func (s *Service) StopWatching() {
	s.watchMu.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel, s.watchDone = nil, nil
	s.watchMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// watchLoop is the only goroutine reloading for this watch, so reloads never
// overlap. Each event replaces the pending debounce timer.
func (s *Service) watchLoop(ctx context.Context, w *fsnotify.Watcher, names []string, done chan struct{}) {
	defer close(done)
	defer func() { _ = w.Close() }()

	errLog := s.log.Throttled(10*time.Second, 3)
	watched := make(map[string]bool, len(names))
	for _, n := range names {
		watched[n] = true
	}

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.NewTimer(s.debounce)
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Dir(ev.Name) == filepath.Clean(s.root) {
				name := filepath.Base(ev.Name)
				if !watched[name] {
					continue
				}
				// a cleared job dir comes back on its next run
				if ev.Op&fsnotify.Create != 0 {
					if err := w.Add(ev.Name); err != nil {
						s.log.Warn("history re-watch failed", logx.String("dir", ev.Name), logx.Err(err))
					}
				}
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			errLog.Warn("history watch error", logx.Err(err))
			schedule()
		case <-fire:
			fire = nil
			s.LoadAll(names)
		}
	}
}
