package schedsync

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"clockwork/internal/eventbus"
	"clockwork/internal/job"
	"clockwork/internal/osched"
	logx "clockwork/pkg/logx"
)

type ActionKind string

const (
	ActionReinstalled   ActionKind = "reinstalled"
	ActionUninstalled   ActionKind = "uninstalled"
	ActionOrphanRemoved ActionKind = "orphan_removed"
)

// Action is one repair made by Reconcile.
type Action struct {
	Kind  ActionKind
	Job   string
	Label string
	Err   error
}

func (a Action) String() string {
	target := a.Job
	if target == "" {
		target = a.Label
	}
	if a.Err != nil {
		return fmt.Sprintf("%s %s: %v", a.Kind, target, a.Err)
	}
	return fmt.Sprintf("%s %s", a.Kind, target)
}

// Report lists what a Reconcile pass did.
type Report struct {
	Actions []Action
	Took    time.Duration
}

// Err combines the errors of every failed action.
func (r Report) Err() error {
	var errs error
	for _, a := range r.Actions {
		if a.Err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(a.Err, string(a.Kind)+" "+a.Label))
		}
	}
	return errs
}

func (r Report) Failed() int {
	n := 0
	for _, a := range r.Actions {
		if a.Err != nil {
			n++
		}
	}
	return n
}

// Reconcile repairs drift between jobs and the OS scheduler:
//   - an enabled job whose artifact is missing is reinstalled,
//   - a disabled job that is still loaded is uninstalled,
//   - artifacts carrying the label prefix with no matching job are removed.
//
// Every step runs even if an earlier one failed.
func (s *Service) Reconcile(ctx context.Context, jobs []job.Job) Report {
	start := time.Now()
	var rep Report
	known := make(map[string]bool, len(jobs))

	for _, j := range jobs {
		label := s.layout.Label(j.Name)
		known[label] = true
		switch {
		case j.Enabled && !osched.ArtifactInstalled(s.backend, label):
			err := s.Install(ctx, j)
			rep.Actions = append(rep.Actions, Action{Kind: ActionReinstalled, Job: j.Name, Label: label, Err: err})
			s.repaired(ActionReinstalled, j.Name, label, err)
		case !j.Enabled && s.Status(ctx, label).Loaded:
			err := s.Uninstall(ctx, j)
			rep.Actions = append(rep.Actions, Action{Kind: ActionUninstalled, Job: j.Name, Label: label, Err: err})
			s.repaired(ActionUninstalled, j.Name, label, err)
		}
	}

	labels, err := s.backend.InstalledLabels(s.layout.LabelPrefix())
	if err != nil {
		s.log.Warn("listing installed artifacts failed", logx.Err(err))
	}
	for _, label := range labels {
		if known[label] {
			continue
		}
		err := s.uninstallLabel(ctx, label)
		name, _ := s.layout.NameFromLabel(label)
		rep.Actions = append(rep.Actions, Action{Kind: ActionOrphanRemoved, Job: name, Label: label, Err: err})
		s.repaired(ActionOrphanRemoved, name, label, err)
	}

	rep.Took = time.Since(start)
	s.metrics.ReconcileDone(rep.Took)
	s.log.Info("reconcile done",
		logx.Int("actions", len(rep.Actions)), logx.Int("failed", rep.Failed()), logx.Duration("took", rep.Took))
	return rep
}

func (s *Service) repaired(kind ActionKind, name, label string, err error) {
	typ := eventbus.DriftRepaired
	if kind == ActionOrphanRemoved {
		typ = eventbus.OrphanRemoved
	}
	if err == nil {
		s.metrics.DriftRepaired(string(kind))
	}
	s.log.Info("drift repaired", logx.String("kind", string(kind)), logx.String("label", label), logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: typ, Job: name, Label: label, Err: err, Data: string(kind)})
}
