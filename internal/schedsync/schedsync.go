// Package schedsync keeps the OS scheduler in line with the declared jobs.
//
// It installs and removes artifacts, loads and unloads labels, caches the last
// observed status of every label, and reconciles drift in both directions.
package schedsync

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"clockwork/internal/command"
	"clockwork/internal/eventbus"
	"clockwork/internal/job"
	"clockwork/internal/metrics"
	"clockwork/internal/osched"
	logx "clockwork/pkg/logx"
)

const (
	defaultCallTimeout = 5 * time.Second
	defaultConcurrency = 4
)

type Config struct {
	// CallTimeout bounds every call into the OS scheduler.
	CallTimeout time.Duration
	// Concurrency caps parallel status queries in Refresh.
	Concurrency int
	// RatePerSec limits status queries per second in Refresh; 0 means unlimited.
	RatePerSec float64
}

type Service struct {
	builder command.Builder
	backend osched.Scheduler
	layout  job.Layout

	callTimeout time.Duration
	concurrency int
	limiter     *rate.Limiter
	pidAlive    func(pid int) bool

	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu    sync.RWMutex
	cache map[string]osched.Status
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option { return func(s *Service) { s.bus = b } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(l logx.Logger) Option { return func(s *Service) { s.log = l } }

// WithPIDCheck replaces the process liveness check used to drop stale PIDs.
func WithPIDCheck(fn func(pid int) bool) Option { return func(s *Service) { s.pidAlive = fn } }

func New(b command.Builder, cfg Config, opts ...Option) *Service {
	s := &Service{
		builder:     b,
		backend:     b.Backend,
		layout:      b.Layout,
		callTimeout: cfg.CallTimeout,
		concurrency: cfg.Concurrency,
		pidAlive:    pidExists,
		bus:         eventbus.Nop(),
		log:         logx.Nop(),
		cache:       map[string]osched.Status{},
	}
	if s.callTimeout <= 0 {
		s.callTimeout = defaultCallTimeout
	}
	if s.concurrency <= 0 {
		s.concurrency = defaultConcurrency
	}
	if cfg.RatePerSec > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), s.concurrency)
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.bus == nil {
		s.bus = eventbus.Nop()
	}
	return s
}

func pidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

func (s *Service) Backend() osched.Scheduler { return s.backend }

func (s *Service) Layout() job.Layout { return s.layout }

func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return fn(cctx)
}

func (s *Service) publish(t eventbus.Type, j job.Job, err error) {
	s.bus.Publish(eventbus.Event{Type: t, Job: j.Name, Label: s.layout.Label(j.Name), Err: err})
}

// Install writes the job's artifact and loads it.
func (s *Service) Install(ctx context.Context, j job.Job) error {
	err := s.install(ctx, j)
	s.metrics.SyncAction("install", err)
	s.publish(eventbus.JobInstalled, j, err)
	if err != nil {
		s.log.Warn("install failed", logx.String("job", j.Name), logx.Err(err))
		return err
	}
	s.log.Info("job installed", logx.String("job", j.Name), logx.String("backend", s.backend.Name()))
	return nil
}

func (s *Service) install(ctx context.Context, j job.Job) error {
	_, art, err := s.builder.Build(j)
	if err != nil {
		return err
	}
	if err := osched.WriteArtifact(art); err != nil {
		return err
	}
	return s.call(ctx, func(ctx context.Context) error { return s.backend.Load(ctx, art.Label) })
}

// Uninstall unloads the job and deletes its artifact. A failed unload is logged and
// does not stop the files from being removed.
func (s *Service) Uninstall(ctx context.Context, j job.Job) error {
	err := s.uninstallLabel(ctx, s.layout.Label(j.Name))
	s.metrics.SyncAction("uninstall", err)
	s.publish(eventbus.JobUninstalled, j, err)
	return err
}

func (s *Service) uninstallLabel(ctx context.Context, label string) error {
	if err := s.call(ctx, func(ctx context.Context) error { return s.backend.Unload(ctx, label) }); err != nil {
		s.log.Warn("unload failed", logx.String("label", label), logx.Err(err))
	}
	s.forget(label)
	return osched.RemoveArtifact(s.backend.ArtifactFiles(label))
}

// SetLoaded loads or unloads the existing artifact without rewriting it.
func (s *Service) SetLoaded(ctx context.Context, j job.Job, loaded bool) error {
	label := s.layout.Label(j.Name)
	var (
		err    error
		action = "unload"
		typ    = eventbus.JobUnloaded
	)
	if loaded {
		action, typ = "load", eventbus.JobLoaded
		err = s.call(ctx, func(ctx context.Context) error { return s.backend.Load(ctx, label) })
	} else {
		err = s.call(ctx, func(ctx context.Context) error { return s.backend.Unload(ctx, label) })
		s.forget(label)
	}
	s.metrics.SyncAction(action, err)
	s.publish(typ, j, err)
	return err
}

// Toggle applies j.Enabled: enabled jobs are (re)installed, disabled jobs are
// unloaded and keep their artifact.
func (s *Service) Toggle(ctx context.Context, j job.Job) error {
	if j.Enabled {
		return s.Install(ctx, j)
	}
	return s.SetLoaded(ctx, j, false)
}

// RunNow makes sure the job is loaded, empties its scratch output and starts it.
func (s *Service) RunNow(ctx context.Context, j job.Job) error {
	label := s.layout.Label(j.Name)
	st := s.Status(ctx, label)
	if !st.Loaded {
		if err := s.Install(ctx, j); err != nil {
			return errors.Wrap(err, "install before run")
		}
	}
	for _, p := range []string{s.layout.StdoutPath(j.Name), s.layout.StderrPath(j.Name)} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			s.log.Debug("truncate scratch output failed", logx.String("path", p), logx.Err(err))
		}
	}
	err := s.call(ctx, func(ctx context.Context) error { return s.backend.Start(ctx, label) })
	s.metrics.SyncAction("start", err)
	s.publish(eventbus.JobStarted, j, err)
	return err
}

// Status queries the OS scheduler for label. It never fails: errors and timeouts
// come back as Status{Unknown: true}.
func (s *Service) Status(ctx context.Context, label string) osched.Status {
	var st osched.Status
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.backend.List(ctx, label)
		return err
	})
	switch {
	case err != nil:
		s.log.Debug("status query failed", logx.String("label", label), logx.Err(err))
		s.metrics.StatusQuery("unknown")
		return osched.Status{Unknown: true}
	case !st.Loaded:
		s.metrics.StatusQuery("not_loaded")
		return osched.Status{}
	}
	s.metrics.StatusQuery("loaded")
	if st.PID != nil && !s.pidAlive(*st.PID) {
		st.PID = nil
	}
	return st
}

// Cached returns the status stored by the last Refresh, or the zero Status.
func (s *Service) Cached(label string) osched.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[label]
}

func (s *Service) forget(label string) {
	s.mu.Lock()
	delete(s.cache, label)
	s.mu.Unlock()
}

// Refresh queries every job's status in parallel and replaces the cache.
func (s *Service) Refresh(ctx context.Context, jobs []job.Job) map[string]osched.Status {
	out := make(map[string]osched.Status, len(jobs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, j := range jobs {
		label := s.layout.Label(j.Name)
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					mu.Lock()
					out[label] = osched.Status{Unknown: true}
					mu.Unlock()
					return nil
				}
			}
			st := s.Status(gctx, label)
			mu.Lock()
			out[label] = st
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	running := 0
	s.mu.Lock()
	prev := s.cache
	s.cache = make(map[string]osched.Status, len(out))
	for label, st := range out {
		s.cache[label] = st
		if st.Running() {
			running++
		}
	}
	s.mu.Unlock()
	s.metrics.SetRunning(running)

	for _, j := range jobs {
		label := s.layout.Label(j.Name)
		if old, ok := prev[label]; !ok || !sameStatus(old, out[label]) {
			s.bus.Publish(eventbus.Event{Type: eventbus.StatusChanged, Job: j.Name, Label: label, Data: out[label]})
		}
	}
	return out
}

func sameStatus(a, b osched.Status) bool {
	return a.Loaded == b.Loaded && a.Unknown == b.Unknown &&
		equalInt(a.PID, b.PID) && equalInt(a.LastExitCode, b.LastExitCode)
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
