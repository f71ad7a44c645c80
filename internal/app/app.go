package app

import (
	"context"
	"os"
	goruntime "runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"clockwork/internal/command"
	"clockwork/internal/config"
	"clockwork/internal/eventbus"
	"clockwork/internal/history"
	"clockwork/internal/job"
	"clockwork/internal/jobstore"
	"clockwork/internal/liveout"
	"clockwork/internal/metrics"
	"clockwork/internal/nextrun"
	"clockwork/internal/observability/debugserver"
	"clockwork/internal/osched"
	rtsup "clockwork/internal/runtime/supervisor"
	"clockwork/internal/schedsync"
	"clockwork/internal/storage"
	logx "clockwork/pkg/logx"
)

type App struct {
	cfgPath string
	home    string
	goos    string
	now     func() time.Time

	cfgm *config.ConfigManager

	resMu sync.RWMutex
	res   *config.Resolved

	log     logx.Logger
	logs    *logx.Service
	bus     *auditBus
	metrics *metrics.Metrics
	store   storage.Store

	jobs    *jobstore.Store
	builder command.Builder
	syncer  *schedsync.Service
	history *history.Service
	live    *liveout.Watcher
	debug   *debugserver.Service

	sup      *rtsup.Supervisor
	lastPoll atomic.Int64
}

type Option func(*options)

type options struct {
	backend  osched.Scheduler
	home     string
	goos     string
	source   string
	now      func() time.Time
	pidAlive func(int) bool
	logger   logx.Logger
}

// WithBackend replaces the OS scheduler backend chosen from the config.
func WithBackend(b osched.Scheduler) Option { return func(o *options) { o.backend = b } }

// WithHome overrides the user's home directory used to resolve defaults.
func WithHome(dir string) Option { return func(o *options) { o.home = dir } }

func WithGOOS(goos string) Option { return func(o *options) { o.goos = goos } }

// WithSource tags audit entries ("cli", "serve").
func WithSource(s string) Option { return func(o *options) { o.source = s } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithPIDCheck(fn func(pid int) bool) Option { return func(o *options) { o.pidAlive = fn } }

// WithLogger bypasses the logging service built from the config.
func WithLogger(l logx.Logger) Option { return func(o *options) { o.logger = l } }

// NewApp loads the config at cfgPath and builds every service from it.
// A missing config file means defaults.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	o := options{goos: goruntime.GOOS, source: "cli", now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if o.home == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve home directory")
		}
		o.home = h
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg, o.home, o.goos)
	if err != nil {
		return nil, err
	}

	var (
		logSvc *logx.Service
		log    = o.logger
	)
	if log.IsZero() {
		logSvc, log = logx.New(mapLogConfig(res))
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	appLog := log.With(logx.String("comp", "app"))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(res); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Debug("audit storage enabled", logx.String("driver", sc.Driver))
	}

	bus := &auditBus{Bus: eventbus.New(), store: store, source: o.source, log: log.With(logx.String("comp", "audit"))}
	m := metrics.New()

	backend := o.backend
	if backend == nil {
		if backend, err = newBackend(res, o.home, log.With(logx.String("comp", "osched"))); err != nil {
			return nil, err
		}
	}

	layout := job.Layout{Prefix: res.Prefix, HistoryRoot: res.HistoryRoot, ScratchDir: res.ScratchDir}
	builder := command.Builder{
		Layout:  layout,
		Agent:   command.Agent{Binary: res.AgentBinary, Home: o.home, ExtraPath: res.ExtraPath},
		Backend: backend,
	}

	syncOpts := []schedsync.Option{
		schedsync.WithBus(bus),
		schedsync.WithMetrics(m),
		schedsync.WithLogger(log.With(logx.String("comp", "schedsync"))),
	}
	if o.pidAlive != nil {
		syncOpts = append(syncOpts, schedsync.WithPIDCheck(o.pidAlive))
	}

	a := &App{
		cfgPath: cfgPath,
		home:    o.home,
		goos:    o.goos,
		now:     o.now,
		cfgm:    cfgm,
		res:     res,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		metrics: m,
		store:   store,
		jobs:    jobstore.Open(res.JobsPath, log.With(logx.String("comp", "jobstore"))),
		builder: builder,
		syncer:  schedsync.New(builder, mapSyncConfig(res), syncOpts...),
		history: history.New(res.HistoryRoot,
			history.WithDebounce(res.HistoryDebounce),
			history.WithBus(bus),
			history.WithMetrics(m),
			history.WithLogger(log.With(logx.String("comp", "history")))),
		live: liveout.New(
			liveout.WithPollInterval(res.LivePollInterval),
			liveout.WithBus(bus),
			liveout.WithMetrics(m),
			liveout.WithLogger(log.With(logx.String("comp", "liveout")))),
	}
	a.debug = debugserver.New(mapDebugConfig(res),
		debugserver.WithMetrics(m.Handler()),
		debugserver.WithHealth(a.health),
		debugserver.WithStatus(a.statusReport),
		debugserver.WithLogger(log.With(logx.String("comp", "debug"))))
	return a, nil
}

func (a *App) Resolved() *config.Resolved {
	a.resMu.RLock()
	defer a.resMu.RUnlock()
	return a.res
}

func (a *App) Logger() logx.Logger { return a.log }
func (a *App) Bus() eventbus.Bus { return a.bus }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Jobs() *jobstore.Store { return a.jobs }
func (a *App) Sync() *schedsync.Service { return a.syncer }
func (a *App) History() *history.Service { return a.history }
func (a *App) Live() *liveout.Watcher { return a.live }
func (a *App) Debug() *debugserver.Service { return a.debug }
func (a *App) Layout() job.Layout { return a.builder.Layout }
func (a *App) Backend() osched.Scheduler { return a.builder.Backend }
func (a *App) Config() *config.ConfigManager { return a.cfgm }
func (a *App) Builder() command.Builder { return a.builder }
func (a *App) AuditEnabled() bool { return a.store != nil }

// Close releases what NewApp opened. Use Stop after Start instead.
func (a *App) Close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
	}
	if a.logs != nil {
		err = errors.CombineErrors(err, a.logs.Close())
	}
	return err
}

// Job returns the job called name.
func (a *App) Job(name string) (job.Job, error) {
	j, ok := a.jobs.ByName(job.NormalizeName(name))
	if !ok {
		return job.Job{}, errors.WithHint(errors.Mark(errors.Newf("job %q", name), jobstore.ErrNotFound),
			"run `clockwork list` to see the declared jobs")
	}
	return j, nil
}

// CreateJob normalizes the name, persists the job and installs it if enabled.
// The job stays saved when installation fails.
func (a *App) CreateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j.Name = job.NormalizeName(j.Name)
	if strings.TrimSpace(j.ID) == "" {
		j.ID = uuid.NewString()
	}
	if err := a.jobs.Add(j); err != nil {
		return job.Job{}, err
	}
	a.log.Info("job created", logx.String("job", j.Name), logx.String("schedule", j.Schedule.Summary()))
	if !j.Enabled {
		return j, nil
	}
	if err := a.syncer.Install(ctx, j); err != nil {
		return j, errors.WithHint(errors.Wrap(err, "job saved but not installed"),
			"fix the problem and run `clockwork reconcile`")
	}
	return j, nil
}

// UpdateJob saves j over the job with the same ID, removes the old artifact
// (the label may change with the name) and installs j if enabled.
func (a *App) UpdateJob(ctx context.Context, j job.Job) (job.Job, error) {
	j.Name = job.NormalizeName(j.Name)
	old, err := a.jobs.Update(j)
	if err != nil {
		return job.Job{}, err
	}
	if err := a.syncer.Uninstall(ctx, old); err != nil {
		a.log.Warn("removing previous artifact failed", logx.String("job", old.Name), logx.Err(err))
	}
	if old.Name != j.Name {
		a.log.Info("job renamed", logx.String("from", old.Name), logx.String("to", j.Name))
	}
	if !j.Enabled {
		return j, nil
	}
	if err := a.syncer.Install(ctx, j); err != nil {
		return j, errors.WithHint(errors.Wrap(err, "job saved but not installed"),
			"fix the problem and run `clockwork reconcile`")
	}
	return j, nil
}

// DeleteJob uninstalls the job and removes it from the store. With purge the
// run history is deleted as well.
func (a *App) DeleteJob(ctx context.Context, name string, purge bool) error {
	j, err := a.Job(name)
	if err != nil {
		return err
	}
	if err := a.syncer.Uninstall(ctx, j); err != nil {
		a.log.Warn("uninstall failed; removing job anyway", logx.String("job", j.Name), logx.Err(err))
	}
	if _, err := a.jobs.Delete(j.ID); err != nil {
		return err
	}
	a.log.Info("job deleted", logx.String("job", j.Name))
	if purge {
		return a.ClearHistory(j.Name)
	}
	return nil
}

// SetEnabled persists the flag and applies it: enabling installs, disabling
// unloads and keeps the artifact.
func (a *App) SetEnabled(ctx context.Context, name string, enabled bool) (job.Job, error) {
	j, err := a.Job(name)
	if err != nil {
		return job.Job{}, err
	}
	if j.Enabled != enabled {
		j.Enabled = enabled
		if _, err := a.jobs.Update(j); err != nil {
			return job.Job{}, err
		}
	}
	return j, a.syncer.Toggle(ctx, j)
}

// Toggle flips the enabled flag.
func (a *App) Toggle(ctx context.Context, name string) (job.Job, error) {
	j, err := a.Job(name)
	if err != nil {
		return job.Job{}, err
	}
	return a.SetEnabled(ctx, j.Name, !j.Enabled)
}

func (a *App) RunNow(ctx context.Context, name string) error {
	j, err := a.Job(name)
	if err != nil {
		return err
	}
	return a.syncer.RunNow(ctx, j)
}

func (a *App) Reconcile(ctx context.Context) schedsync.Report {
	rep := a.syncer.Reconcile(ctx, a.jobs.List())
	for _, act := range rep.Actions {
		if act.Err != nil {
			a.log.Warn("reconcile action failed", logx.String("action", act.String()))
		}
	}
	return rep
}

// Status polls every job and returns the statuses keyed by job name.
func (a *App) Status(ctx context.Context) map[string]osched.Status {
	jobs := a.jobs.List()
	byLabel := a.syncer.Refresh(ctx, jobs)
	out := make(map[string]osched.Status, len(jobs))
	running := 0
	for _, j := range jobs {
		st := byLabel[a.Layout().Label(j.Name)]
		if st.Running() {
			running++
		}
		out[j.Name] = st
	}
	a.metrics.SetRunning(running)
	return out
}

// LastRun is the timestamp of the newest recorded run of name.
func (a *App) LastRun(name string) (time.Time, bool) {
	recs := history.Reconstruct(a.Layout().HistoryDir(name), name)
	if len(recs) == 0 {
		return time.Time{}, false
	}
	return recs[0].Timestamp, true
}

// NextRun predicts the next fire time of j, using its newest run as the last
// run for interval schedules.
func (a *App) NextRun(j job.Job) (time.Time, bool) {
	now := a.now().In(a.Resolved().Location)
	var last *time.Time
	if t, ok := a.LastRun(j.Name); ok {
		last = &t
	}
	return nextrun.ForJob(j, now, last)
}

// Now is the app clock in the configured timezone.
func (a *App) Now() time.Time { return a.now().In(a.Resolved().Location) }

// LoadHistory reloads the runs of every declared job.
func (a *App) LoadHistory() []history.RunRecord {
	return a.history.LoadAll(a.jobs.Names())
}

func (a *App) ArchiveRun(rec history.RunRecord) error {
	err := a.history.Archive(rec)
	a.audit("history.archive", rec.JobName, err)
	return err
}

func (a *App) UnarchiveRun(rec history.RunRecord) error {
	err := a.history.Unarchive(rec)
	a.audit("history.unarchive", rec.JobName, err)
	return err
}

// ArchiveOlderThan archives loaded runs older than d; d <= 0 archives everything.
func (a *App) ArchiveOlderThan(d time.Duration) error {
	var err error
	if d <= 0 {
		err = a.history.ArchiveAll()
	} else {
		err = a.history.ArchiveOlderThan(a.now().Add(-d))
	}
	a.audit("history.archive_bulk", "", err)
	return err
}

func (a *App) ClearHistory(name string) error {
	err := a.history.Clear(name)
	a.audit("history.clear", name, err)
	return err
}

// FindRun looks up a loaded run by its ID (<job>_<stem>).
func (a *App) FindRun(id string) (history.RunRecord, error) {
	for _, r := range a.history.Records() {
		if r.ID() == id {
			return r, nil
		}
	}
	return history.RunRecord{}, errors.WithHint(errors.Mark(errors.Newf("run %q", id), history.ErrRecordNotFound),
		"run `clockwork history list --all` to see run IDs")
}

// WatchOutput tails the scratch stdout file of name until Stop is called on Live().
func (a *App) WatchOutput(ctx context.Context, name string) (*liveout.Watcher, error) {
	j, err := a.Job(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(a.Layout().ScratchDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create scratch dir")
	}
	if err := a.live.Watch(ctx, a.Layout().StdoutPath(j.Name)); err != nil {
		return nil, err
	}
	return a.live, nil
}

// Audit returns recent audit entries, newest first.
func (a *App) Audit(ctx context.Context, q storage.Query) ([]storage.AuditEntry, error) {
	if a.store == nil {
		return nil, errors.WithHint(storage.ErrDisabled, `set storage.driver to "file" or "sqlite" in the config`)
	}
	return a.store.RecentAudit(ctx, q)
}

func (a *App) audit(action, jobName string, err error) {
	e := storage.AuditEntry{
		At:     a.now().UTC(),
		Action: action,
		Job:    jobName,
		OK:     err == nil,
		Source: a.bus.source,
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.bus.append(e)
}
