package cli

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"clockwork/internal/job"
	"clockwork/internal/storage"
)

func newAuditCmd(ro *rootOptions) *cobra.Command {
	var (
		q    storage.Query
		jobN string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded scheduler and history actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := ro.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if jobN != "" {
				q.Job = job.NormalizeName(jobN)
			}
			entries, err := a.Audit(cmd.Context(), q)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				info(cmd, "no audit entries")
				return nil
			}
			rows := pterm.TableData{{"AT", "ACTION", "JOB", "RESULT", "SOURCE"}}
			for _, e := range entries {
				result := "ok"
				if !e.OK {
					result = "failed: " + e.Error
				} else if e.TookMS > 0 {
					result = fmt.Sprintf("ok (%dms)", e.TookMS)
				}
				at := e.At.In(a.Resolved().Location).Format("2006-01-02 15:04:05")
				rows = append(rows, []string{at, e.Action, e.Job, result, e.Source})
			}
			return table(cmd, rows)
		},
	}
	cmd.Flags().StringVarP(&jobN, "job", "j", "", "only entries for this job")
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "maximum entries (0 for all)")
	return cmd
}
