package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"clockwork/internal/app"
)

func newRunCmd(ro *rootOptions) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Start a job now",
		Long: `Start a job immediately through the OS scheduler.

The job is installed first when it is not loaded, and its live output file is
emptied so --follow only shows this run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.RunNow(cmd.Context(), args[0]); err != nil {
				return err
			}
			success(cmd, "started %s", args[0])
			if !follow {
				return nil
			}
			return tail(cmd.Context(), a, args[0], cmd.OutOrStdout(), true)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the output until the run ends")
	return cmd
}

func newTailCmd(ro *rootOptions) *cobra.Command {
	var untilIdle bool
	cmd := &cobra.Command{
		Use:   "tail NAME",
		Short: "Stream the live output of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return tail(cmd.Context(), a, args[0], cmd.OutOrStdout(), untilIdle)
		},
	}
	cmd.Flags().BoolVar(&untilIdle, "until-idle", false, "exit once the job has no running process")
	return cmd
}

const idleCheck = time.Second

// tail prints the job's scratch output as it grows. A truncated or rotated
// file is printed again from the start.
func tail(ctx context.Context, a *app.App, name string, out io.Writer, untilIdle bool) error {
	w, err := a.WatchOutput(ctx, name)
	if err != nil {
		return err
	}
	defer w.Stop()
	updates, unsub := w.Subscribe(1)
	defer unsub()

	printed := w.Content()
	fmt.Fprint(out, printed)

	var idle <-chan time.Time
	if untilIdle {
		t := time.NewTicker(idleCheck)
		defer t.Stop()
		idle = t.C
	}
	label := a.Layout().Label(name)
	started := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case content, ok := <-updates:
			if !ok {
				return nil
			}
			if rest, ok := strings.CutPrefix(content, printed); ok {
				fmt.Fprint(out, rest)
			} else {
				fmt.Fprint(out, "\n--- output restarted ---\n", content)
			}
			printed = content
		case <-idle:
			// give the scheduler a moment to spawn the process
			if time.Since(started) < 2*idleCheck {
				continue
			}
			if st := a.Sync().Status(ctx, label); !st.Unknown && !st.Running() {
				fmt.Fprint(out, strings.TrimPrefix(w.Content(), printed))
				return nil
			}
		}
	}
}

func newStatusCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the OS scheduler for every job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			statuses := a.Status(cmd.Context())
			rows := pterm.TableData{{"NAME", "LABEL", "STATUS", "PID", "LAST EXIT", "LAST RUN"}}
			for _, j := range a.Jobs().List() {
				st := statuses[j.Name]
				pid, exit, last := "-", "-", "-"
				if st.PID != nil {
					pid = fmt.Sprint(*st.PID)
				}
				if st.LastExitCode != nil {
					exit = fmt.Sprint(*st.LastExitCode)
				}
				if t, ok := a.LastRun(j.Name); ok {
					last = t.Format("2006-01-02 15:04")
				}
				rows = append(rows, []string{j.Name, a.Layout().Label(j.Name), st.String(), pid, exit, last})
			}
			return table(cmd, rows)
		},
	}
}

func newReconcileCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Repair drift between declared jobs and the OS scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			rep := a.Reconcile(cmd.Context())
			if len(rep.Actions) == 0 {
				success(cmd, "in sync (%s)", rep.Took.Round(time.Millisecond))
				return nil
			}
			for _, act := range rep.Actions {
				if act.Err != nil {
					warn(cmd, "%s", act)
				} else {
					info(cmd, "%s", act)
				}
			}
			return rep.Err()
		},
	}
}

func newNextCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "next [NAME...]",
		Short: "Predict when jobs fire next",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := a.Jobs().List()
			if len(args) > 0 {
				jobs = jobs[:0]
				for _, name := range args {
					j, err := a.Job(name)
					if err != nil {
						return err
					}
					jobs = append(jobs, j)
				}
			}
			now := a.Now()
			rows := pterm.TableData{{"NAME", "SCHEDULE", "NEXT RUN", "IN"}}
			for _, j := range jobs {
				next, in := "-", "-"
				switch t, ok := a.NextRun(j); {
				case ok:
					next, in = t.Format("Mon 2006-01-02 15:04"), countdown(t, now)
				case !j.Enabled:
					in = "disabled"
				default:
					in = "after first run"
				}
				rows = append(rows, []string{j.Name, j.Schedule.Summary(), next, in})
			}
			return table(cmd, rows)
		},
	}
}
