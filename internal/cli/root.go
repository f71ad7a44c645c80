// Package cli is the clockwork command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"clockwork/internal/app"
	logx "clockwork/pkg/logx"
)

type rootOptions struct {
	configPath string
	logLevel   string

	// extra is passed to every app.NewApp call; tests inject a fake backend here.
	extra []app.Option
}

// DefaultConfigPath is ~/.clockwork/config.json.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".clockwork", "config.json")
}

// NewRootCmd builds the command tree.
func NewRootCmd(extra ...app.Option) *cobra.Command {
	ro := &rootOptions{extra: extra}
	root := &cobra.Command{
		Use:   "clockwork",
		Short: "Schedule recurring agent jobs on launchd or systemd",
		Long: `clockwork turns prompts for an agent CLI into OS scheduler jobs.

Jobs are declared in a JSON file, installed as launchd agents (macOS) or
systemd user timers (Linux), and every run leaves timestamped output in the
history directory.

Examples:
  clockwork add triage --prompt "Triage new issues" --every 6h --on-the-hour
  clockwork add standup --prompt-file standup.md --at 09:00 --weekday mon
  clockwork list
  clockwork run triage --follow
  clockwork history list --job triage`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&ro.configPath, "config", DefaultConfigPath(), "config file (json, yaml or toml)")
	root.PersistentFlags().StringVar(&ro.logLevel, "log-level", "warn", "log level for one-shot commands (trace, debug, info, warn, error)")

	root.AddCommand(
		newAddCmd(ro),
		newEditCmd(ro),
		newRmCmd(ro),
		newListCmd(ro),
		newShowCmd(ro),
		newEnableCmd(ro, true),
		newEnableCmd(ro, false),
		newRunCmd(ro),
		newStatusCmd(ro),
		newReconcileCmd(ro),
		newNextCmd(ro),
		newHistoryCmd(ro),
		newTailCmd(ro),
		newAuditCmd(ro),
		newServeCmd(ro),
	)
	return root
}

// openApp builds the app for a one-shot command. Logs go to the console at
// --log-level regardless of the logging section.
func (ro *rootOptions) openApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	all := []app.Option{app.WithLogger(logx.NewConsole(ro.logLevel))}
	all = append(all, opts...)
	all = append(all, ro.extra...)
	a, err := app.NewApp(ro.configPath, all...)
	if err != nil {
		return nil, errors.Wrap(err, "load clockwork")
	}
	return a, nil
}

// Execute runs the CLI and prints errors with their hints.
func Execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := NewRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		printError(err)
		return 1
	}
	return 0
}

func printError(err error) {
	pterm.Error.WithWriter(os.Stderr).Println(err.Error())
	for _, h := range errors.GetAllHints(err) {
		pterm.Info.WithWriter(os.Stderr).Println(h)
	}
}
