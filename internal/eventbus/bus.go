// Package eventbus is an in-memory fanout of job lifecycle signals.
//
// Scheduler sync, the history service and the live output watcher publish here;
// the audit log, the CLI's serve mode and metrics subscribe.
package eventbus

import (
	"sync"
	"time"
)

type Type string

const (
	JobInstalled   Type = "job.installed"
	JobUninstalled Type = "job.uninstalled"
	JobLoaded      Type = "job.loaded"
	JobUnloaded    Type = "job.unloaded"
	JobStarted     Type = "job.started"
	StatusChanged  Type = "job.status_changed"
	DriftRepaired  Type = "sync.drift_repaired"
	OrphanRemoved  Type = "sync.orphan_removed"
	HistoryChanged Type = "history.changed"
	OutputChanged  Type = "output.changed"
)

// Event is published without blocking. Subscribers that fall behind lose events.
type Event struct {
	Type  Type
	Time  time.Time
	Job   string
	Label string
	// Err is set when the action behind the event failed.
	Err  error
	Data any
}

// OK reports whether the action behind the event succeeded.
func (e Event) OK() bool { return e.Err == nil }

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

// Nop discards everything; Subscribe returns a channel that is closed on unsubscribe.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}

type memBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// Publish never blocks. Sends happen under the read lock, so unsubscribe
// cannot close a channel mid-send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		delete(b.subs, sub)
		close(sub.ch)
	}
}
