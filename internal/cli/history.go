package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"clockwork/internal/history"
	"clockwork/internal/job"
)

func newHistoryCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"runs"},
		Short:   "Browse and archive past runs",
	}
	cmd.AddCommand(
		newHistoryListCmd(ro),
		newHistoryShowCmd(ro),
		newHistoryArchiveCmd(ro),
		newHistoryUnarchiveCmd(ro),
		newHistoryClearCmd(ro),
	)
	return cmd
}

func newHistoryListCmd(ro *rootOptions) *cobra.Command {
	var (
		f     history.Filter
		jobN  string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.LoadHistory()
			if jobN != "" {
				f.Job = job.NormalizeName(jobN)
			}
			if since > 0 {
				f.Since = a.Now().Add(-since)
			}
			recs := a.History().Filter(f)
			if len(recs) == 0 {
				info(cmd, "no runs")
				return nil
			}
			rows := pterm.TableData{{"ID", "JOB", "STARTED", "DURATION", "EXIT", "OUTPUT"}}
			for _, r := range recs {
				rows = append(rows, []string{r.ID(), r.JobName, r.DisplayTimestamp(), r.DisplayDuration(), exitText(r), r.Preview()})
			}
			return table(cmd, rows)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&jobN, "job", "j", "", "only runs of this job")
	fl.BoolVar(&f.IncludeArchived, "all", false, "include archived runs")
	fl.BoolVar(&f.OnlyArchived, "archived", false, "only archived runs")
	fl.BoolVar(&f.Failed, "failed", false, "only runs with a non-zero exit code")
	fl.DurationVar(&since, "since", 0, "only runs started within this duration, e.g. 24h")
	fl.IntVarP(&f.Limit, "limit", "n", 50, "maximum rows (0 for all)")
	cmd.MarkFlagsMutuallyExclusive("all", "archived")
	return cmd
}

func exitText(r history.RunRecord) string {
	switch {
	case r.ExitCode == nil:
		return "running?"
	case r.Archived:
		return strconv.Itoa(*r.ExitCode) + " (archived)"
	default:
		return strconv.Itoa(*r.ExitCode)
	}
}

func newHistoryShowCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print the output of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.LoadHistory()
			r, err := a.FindRun(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  started %s  duration %s  exit %s\n\n", r.JobName, r.DisplayTimestamp(), r.DisplayDuration(), exitText(r))
			fmt.Fprintln(out, r.Output)
			if r.ErrorOutput != nil && *r.ErrorOutput != "" {
				fmt.Fprintln(out, "--- stderr ---")
				fmt.Fprintln(out, *r.ErrorOutput)
			}
			return nil
		},
	}
}

func newHistoryArchiveCmd(ro *rootOptions) *cobra.Command {
	var (
		olderThan time.Duration
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "archive [ID...]",
		Short: "Hide runs from the default listing",
		Long: `Archive runs by ID, every run older than --older-than, or every run with --all.

Archiving never deletes files; it is recorded next to the run files.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			bulk := all || olderThan > 0
			if bulk == (len(args) > 0) {
				return errors.WithHint(errors.New("pass run IDs or one of --older-than/--all"),
					"e.g. clockwork history archive --older-than 168h")
			}
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.LoadHistory()
			if bulk {
				if all {
					olderThan = 0
				}
				if err := a.ArchiveOlderThan(olderThan); err != nil {
					return err
				}
				success(cmd, "archived")
				return nil
			}
			var errs error
			for _, id := range args {
				r, err := a.FindRun(id)
				if err == nil {
					err = a.ArchiveRun(r)
				}
				if err != nil {
					errs = errors.CombineErrors(errs, err)
					continue
				}
				success(cmd, "archived %s", id)
			}
			return errs
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "archive runs started before now minus this duration")
	cmd.Flags().BoolVar(&all, "all", false, "archive every run")
	cmd.MarkFlagsMutuallyExclusive("older-than", "all")
	return cmd
}

func newHistoryUnarchiveCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unarchive ID...",
		Short: "Restore archived runs to the default listing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			a.LoadHistory()
			var errs error
			for _, id := range args {
				r, err := a.FindRun(id)
				if err == nil {
					err = a.UnarchiveRun(r)
				}
				if err != nil {
					errs = errors.CombineErrors(errs, err)
					continue
				}
				success(cmd, "unarchived %s", id)
			}
			return errs
		},
	}
}

func newHistoryClearCmd(ro *rootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear JOB",
		Short: "Delete every recorded run of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.WithHint(errors.New("refusing to delete history without --yes"),
					"archive instead to keep the files: clockwork history archive --all")
			}
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			name := job.NormalizeName(args[0])
			if err := a.ClearHistory(name); err != nil {
				return err
			}
			success(cmd, "cleared history of %s", name)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}
