package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"clockwork/internal/app"
	logx "clockwork/pkg/logx"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the OS scheduler in sync and serve metrics until interrupted",
		Long: `serve reconciles once, then polls job status, watches the history
directory and reloads the config file on change. Logging follows the config's
logging section unless --log-level is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts := []app.Option{app.WithSource("serve")}
			if cmd.Flags().Changed("log-level") {
				opts = append(opts, app.WithLogger(logx.NewConsole(ro.logLevel)))
			}
			opts = append(opts, ro.extra...)
			a, err := app.NewApp(ro.configPath, opts...)
			if err != nil {
				return errors.Wrap(err, "load clockwork")
			}
			return serve(cmd.Context(), a)
		},
	}
}

func serve(ctx context.Context, a *app.App) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return err
	}
	a.Logger().Info("serving")

	var reason app.StopReason
	select {
	case s := <-sigs:
		reason = signalReason(s)
	case <-a.Done():
		// the supervisor context derives from ctx, so check ctx first
		reason = app.StopFatalError
		if ctx.Err() != nil {
			reason = app.StopAppStop
		}
		select {
		case s := <-sigs:
			reason = signalReason(s)
		default:
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return errors.CombineErrors(err, stopErr)
	}
	return stopErr
}

func signalReason(s os.Signal) app.StopReason {
	if s == syscall.SIGINT {
		return app.StopSIGINT
	}
	return app.StopSIGTERM
}
