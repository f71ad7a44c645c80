package cli

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"clockwork/internal/command"
	"clockwork/internal/job"
)

func absPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		p = "."
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", errors.Wrapf(err, "resolve %s", p)
	}
	return abs, nil
}

func newAddCmd(ro *rootOptions) *cobra.Command {
	var f jobFlags
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Declare a job and install it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			j := job.New(args[0])
			if j.Directory, err = absPath(""); err != nil {
				return err
			}
			if err := f.apply(cmd, &j); err != nil {
				return err
			}
			j, err = a.CreateJob(cmd.Context(), j)
			if err != nil {
				return err
			}
			success(cmd, "added %s (%s)", j.Name, j.Schedule.Summary())
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newEditCmd(ro *rootOptions) *cobra.Command {
	var (
		f      jobFlags
		rename string
		enable bool
	)
	cmd := &cobra.Command{
		Use:   "edit NAME",
		Short: "Change a job and reinstall it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.Job(args[0])
			if err != nil {
				return err
			}
			if err := f.apply(cmd, &j); err != nil {
				return err
			}
			if cmd.Flags().Changed("rename") {
				j.Name = rename
			}
			if cmd.Flags().Changed("enable") {
				j.Enabled = enable
			}
			j, err = a.UpdateJob(cmd.Context(), j)
			if err != nil {
				return err
			}
			success(cmd, "updated %s (%s)", j.Name, j.Schedule.Summary())
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&rename, "rename", "", "new job name")
	cmd.Flags().BoolVar(&enable, "enable", false, "enable the job")
	cmd.MarkFlagsMutuallyExclusive("enable", "disabled")
	return cmd
}

func newRmCmd(ro *rootOptions) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:     "rm NAME...",
		Aliases: []string{"delete"},
		Short:   "Uninstall and delete jobs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var errs error
			for _, name := range args {
				if err := a.DeleteJob(cmd.Context(), name, purge); err != nil {
					errs = errors.CombineErrors(errs, err)
					continue
				}
				success(cmd, "removed %s", job.NormalizeName(name))
			}
			return errs
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "delete the job's run history too")
	return cmd
}

func newListCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List jobs with their status and next run",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := a.Jobs().List()
			if len(jobs) == 0 {
				info(cmd, "no jobs yet; add one with `clockwork add`")
				return nil
			}
			statuses := a.Status(cmd.Context())
			now := a.Now()
			rows := pterm.TableData{{"NAME", "SCHEDULE", "ENABLED", "STATUS", "NEXT RUN"}}
			for _, j := range jobs {
				next := "-"
				if t, ok := a.NextRun(j); ok {
					next = t.Format("Mon 15:04") + " (" + countdown(t, now) + ")"
				}
				rows = append(rows, []string{j.Name, j.Schedule.Summary(), yesNo(j.Enabled), statuses[j.Name].String(), next})
			}
			return table(cmd, rows)
		},
	}
}

func newShowCmd(ro *rootOptions) *cobra.Command {
	var script bool
	cmd := &cobra.Command{
		Use:   "show NAME",
		Short: "Show a job, its command and where its files live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			j, err := a.Job(args[0])
			if err != nil {
				return err
			}
			if script {
				fmt.Fprintln(cmd.OutOrStdout(), a.Builder().Script(j))
				return nil
			}
			l := a.Layout()
			tools, skip := j.Profile.AllowedTools()
			if skip {
				tools = "all (permission prompts skipped)"
			}
			rows := pterm.TableData{
				{"Name", j.Name},
				{"ID", j.ID},
				{"Enabled", yesNo(j.Enabled)},
				{"Schedule", j.Schedule.Summary()},
				{"Directory", j.Directory},
				{"Model", j.Profile.Model},
				{"Permission", j.Profile.Permission.DisplayName()},
				{"Tools", tools},
				{"Max turns", strconv.Itoa(j.Profile.MaxTurns)},
				{"Output", string(j.Profile.OutputFormat)},
				{"Label", l.Label(j.Name)},
				{"Artifacts", strings.Join(a.Backend().ArtifactFiles(l.Label(j.Name)), ", ")},
				{"History", l.HistoryDir(j.Name)},
				{"Live output", l.StdoutPath(j.Name)},
			}
			if err := pterm.DefaultTable.WithWriter(cmd.OutOrStdout()).WithData(rows).Render(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Prompt:")
			fmt.Fprintln(cmd.OutOrStdout(), indent(j.Prompt))
			fmt.Fprintln(cmd.OutOrStdout())
			fmt.Fprintln(cmd.OutOrStdout(), "Command:")
			fmt.Fprintln(cmd.OutOrStdout(), indent(command.Preview(j)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&script, "script", false, "print the generated shell script only")
	return cmd
}

func newEnableCmd(ro *rootOptions, enable bool) *cobra.Command {
	use, short, verb := "enable NAME...", "Enable and install jobs", "enabled"
	if !enable {
		use, short, verb = "disable NAME...", "Disable jobs (unload, keep the artifact)", "disabled"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			var errs error
			for _, name := range args {
				j, err := a.SetEnabled(cmd.Context(), name, enable)
				if err != nil {
					errs = errors.CombineErrors(errs, err)
					continue
				}
				success(cmd, "%s %s", verb, j.Name)
			}
			return errs
		},
	}
}
