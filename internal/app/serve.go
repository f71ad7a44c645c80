package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"clockwork/internal/config"
	rtsup "clockwork/internal/runtime/supervisor"
	logx "clockwork/pkg/logx"
)

// Done is closed when the serve supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// health backs /healthz: the status poller must have run within three intervals.
func (a *App) health() error {
	if a.sup == nil {
		return nil
	}
	last := a.lastPoll.Load()
	if last == 0 {
		return nil
	}
	limit := 3 * a.Resolved().PollInterval
	if age := time.Since(time.Unix(0, last)); age > limit {
		return errors.Newf("status poller stalled for %s", age.Round(time.Second))
	}
	return nil
}

// JobReport is one row of the debug server's /status.
type JobReport struct {
	Name     string     `json:"name"`
	Label    string     `json:"label"`
	Enabled  bool       `json:"enabled"`
	Schedule string     `json:"schedule"`
	Status   string     `json:"status"`
	PID      *int       `json:"pid,omitempty"`
	LastExit *int       `json:"last_exit,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// StatusReport is the body of /status: the jobs and the serve loop's goroutines.
type StatusReport struct {
	Jobs  []JobReport   `json:"jobs"`
	Tasks []rtsup.Stats `json:"tasks,omitempty"`
}

// statusReport uses the statuses cached by the poller; it never queries the
// OS scheduler itself.
func (a *App) statusReport(context.Context) any {
	jobs := a.jobs.List()
	out := make([]JobReport, 0, len(jobs))
	for _, j := range jobs {
		label := a.Layout().Label(j.Name)
		st := a.syncer.Cached(label)
		r := JobReport{
			Name:     j.Name,
			Label:    label,
			Enabled:  j.Enabled,
			Schedule: j.Schedule.Summary(),
			Status:   st.String(),
			PID:      st.PID,
			LastExit: st.LastExitCode,
		}
		if t, ok := a.NextRun(j); ok {
			r.NextRun = &t
		}
		out = append(out, r)
	}
	rep := StatusReport{Jobs: out}
	if a.sup != nil {
		rep.Tasks = a.sup.Snapshot()
	}
	return rep
}

// Start runs the long-lived loops of serve mode: an initial reconcile, the
// status poller, the history watch, config hot reload and the debug server.
func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(config.Validator(a.home, a.goos))
	c := a.sup.Context()

	rep := a.Reconcile(c)
	a.log.Info("initial reconcile done",
		logx.Int("actions", len(rep.Actions)),
		logx.Int("failed", rep.Failed()),
		logx.Duration("took", rep.Took))

	if err := a.history.Watch(c, a.jobs.Names()...); err != nil {
		return errors.Wrap(err, "watch history")
	}

	a.sup.Go("status.poll", a.pollLoop)

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Keep this debug-level; status and history events are frequent.
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.String("job", e.Job), logx.Bool("ok", e.OK()))
			}
		}
	})

	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer unsubCfg()
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.debug.Enabled() {
		a.debug.Start(c)
	}

	a.log.Info("serving",
		logx.Int("jobs", len(a.jobs.Names())),
		logx.String("backend", a.Backend().Name()),
		logx.Duration("poll_interval", a.Resolved().PollInterval))
	return nil
}

// pollLoop refreshes the status cache and picks up job file edits made by other
// clockwork processes.
func (a *App) pollLoop(ctx context.Context) error {
	watched := a.jobs.Names()
	for {
		a.jobs.Load()
		if names := a.jobs.Names(); !slices.Equal(names, watched) {
			a.log.Info("job list changed; rewatching history", logx.Int("jobs", len(names)))
			if err := a.history.Watch(ctx, names...); err != nil {
				a.log.Warn("history rewatch failed", logx.Err(err))
			} else {
				watched = names
			}
		}
		a.Status(ctx)
		a.lastPoll.Store(time.Now().UnixNano())

		t := time.NewTimer(a.Resolved().PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// applyConfig applies what can change live (logging, poll interval, debug
// server) and warns about the rest.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	res, err := config.Resolve(newCfg, a.home, a.goos)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}
	prev := a.Resolved()
	a.resMu.Lock()
	// Paths, backend and component tuning are fixed for the process lifetime.
	kept := *prev
	kept.PollInterval = res.PollInterval
	kept.Logging = res.Logging
	kept.Debug = res.Debug
	kept.DebugTimeouts = res.DebugTimeouts
	a.res = &kept
	a.resMu.Unlock()

	if a.logs != nil {
		if err := a.logs.Apply(mapLogConfig(res)); err != nil {
			a.log.Warn("log file unavailable, using console", logx.Err(err))
		}
	}
	a.debug.Reconfigure(ctx, mapDebugConfig(res))

	for _, s := range sections {
		switch s {
		case "paths", "agent", "history", "live_output", "storage":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "scheduler":
			if res.Backend != prev.Backend || res.Prefix != prev.Prefix || res.CallTimeout != prev.CallTimeout {
				a.log.Warn("scheduler backend settings changed; restart required", logx.String("section", s))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts serve mode down step by step; one slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("history", time.Second, func(context.Context) error { a.history.StopWatching(); return nil })
	step("liveout", time.Second, func(context.Context) error { a.live.Stop(); return nil })
	// config watch/reload, poller, event log
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
