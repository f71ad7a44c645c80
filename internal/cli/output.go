package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"clockwork/internal/nextrun"
)

func success(cmd *cobra.Command, format string, args ...any) {
	pterm.Success.WithWriter(cmd.OutOrStdout()).Println(fmt.Sprintf(format, args...))
}

func info(cmd *cobra.Command, format string, args ...any) {
	pterm.Info.WithWriter(cmd.OutOrStdout()).Println(fmt.Sprintf(format, args...))
}

func warn(cmd *cobra.Command, format string, args ...any) {
	pterm.Warning.WithWriter(cmd.ErrOrStderr()).Println(fmt.Sprintf(format, args...))
}

func table(cmd *cobra.Command, rows pterm.TableData) error {
	return pterm.DefaultTable.WithHasHeader().WithWriter(cmd.OutOrStdout()).WithData(rows).Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func countdown(next, now time.Time) string { return nextrun.Countdown(next, now) }
