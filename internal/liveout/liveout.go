// Package liveout tails the scratch output file of a running job.
//
// Every notification re-reads the whole file, so a truncation at the start of a
// new run shows up as new content rather than a stale tail.
package liveout

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"clockwork/internal/eventbus"
	"clockwork/internal/metrics"
	logx "clockwork/pkg/logx"
)

// DefaultPollInterval is the fallback re-read period for missed notifications.
const DefaultPollInterval = 2 * time.Second

type Watcher struct {
	poll    time.Duration
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu      sync.Mutex
	path    string
	content string
	cancel  context.CancelFunc
	done    chan struct{}

	subsMu sync.Mutex
	subs   []chan string
}

type Option func(*Watcher)

func WithPollInterval(d time.Duration) Option { return func(w *Watcher) { w.poll = d } }

func WithBus(b eventbus.Bus) Option { return func(w *Watcher) { w.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(w *Watcher) { w.metrics = m } }

func WithLogger(l logx.Logger) Option { return func(w *Watcher) { w.log = l } }

func New(opts ...Option) *Watcher {
	w := &Watcher{poll: DefaultPollInterval}
	for _, o := range opts {
		o(w)
	}
	if w.poll <= 0 {
		w.poll = DefaultPollInterval
	}
	if w.bus == nil {
		w.bus = eventbus.Nop()
	}
	if w.log.IsZero() {
		w.log = logx.Nop()
	}
	return w
}

// Watch switches to path. The previous target is released first and path is
// created empty when missing.
func (w *Watcher) Watch(ctx context.Context, path string) error {
	w.Stop()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	_ = f.Close()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "output watcher")
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return errors.Wrapf(err, "watch %s", filepath.Dir(path))
	}

	b, err := os.ReadFile(path)
	if err != nil {
		_ = fsw.Close()
		return errors.Wrapf(err, "read %s", path)
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.path, w.content = path, string(b)
	w.cancel, w.done = cancel, done
	w.mu.Unlock()
	w.publish(string(b))

	go w.loop(wctx, fsw, path, done)
	w.log.Debug("output watch started", logx.String("path", path))
	return nil
}

// Stop releases the current target and waits for its loop to exit. Safe to call
// repeatedly.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.path = ""
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Clear empties the content and truncates the watched file.
func (w *Watcher) Clear() error {
	w.mu.Lock()
	path := w.path
	w.content = ""
	w.mu.Unlock()
	w.publish("")
	if path == "" {
		return nil
	}
	if err := os.Truncate(path, 0); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "truncate %s", path)
	}
	return nil
}

func (w *Watcher) Content() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.content
}

// Path is the current target, empty when stopped.
func (w *Watcher) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Subscribe delivers content after every change. A slow subscriber only sees
// the latest content.
func (w *Watcher) Subscribe(buffer int) (<-chan string, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan string, buffer)
	w.subsMu.Lock()
	w.subs = append(w.subs, ch)
	w.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.subsMu.Lock()
			defer w.subsMu.Unlock()
			for i, c := range w.subs {
				if c == ch {
					w.subs = append(w.subs[:i], w.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

func (w *Watcher) publish(content string) {
	w.subsMu.Lock()
	for _, ch := range w.subs {
		select {
		case ch <- content:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- content:
			default:
			}
		}
	}
	w.subsMu.Unlock()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, path string, done chan struct{}) {
	defer close(done)
	defer func() { _ = fsw.Close() }()
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	base := filepath.Base(path)
	errLog := w.log.Throttled(10*time.Second, 3)
	const ops = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == base && ev.Op&ops != 0 {
				w.reread(path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			errLog.Warn("output watch error", logx.String("path", path), logx.Err(err))
		case <-ticker.C:
			w.reread(path)
		}
	}
}

// reread loads the whole file and publishes it when it differs. A file that is
// briefly missing during rotation keeps the last content.
func (w *Watcher) reread(path string) {
	b, err := os.ReadFile(path)
	w.metrics.OutputRead()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			w.log.Debug("output read failed", logx.String("path", path), logx.Err(err))
		}
		return
	}
	text := string(b)
	w.mu.Lock()
	if w.path != path || text == w.content {
		w.mu.Unlock()
		return
	}
	w.content = text
	w.mu.Unlock()

	w.publish(text)
	w.bus.Publish(eventbus.Event{Type: eventbus.OutputChanged, Data: path})
}
