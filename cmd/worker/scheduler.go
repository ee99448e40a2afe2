package worker

import (
	"github.com/jmehdipour/social-publisher/internal/app"
	"github.com/spf13/cobra"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run periodic sweeps: due posts, expiring tokens, stuck work and drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := app.FromCommand(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		stopSweeps := a.Scheduler.Start(ctx)
		a.Log.Info("scheduler started")
		<-ctx.Done()
		stopSweeps()
		a.Log.Info("scheduler stopped")
		return nil
	},
}
