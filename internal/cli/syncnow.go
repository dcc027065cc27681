package cli

import (
	"fmt"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/possync/internal/app"
)

type cycleView struct {
	Synced     int    `json:"synced"`
	Failed     int    `json:"failed"`
	Skipped    int    `json:"skipped"`
	Pulled     int    `json:"pulled"`
	PullError  string `json:"pull_error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// NewSyncNowCommand создаёт команду sync-now: один цикл отправки и pull вне расписания демона.
func NewSyncNowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-now",
		Short: "Run one push and pull cycle against the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			logger := log.WithField("component", "posctl")

			rt, err := app.NewRuntime(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.WithError(err).Warn("close runtime")
				}
			}()

			report := rt.Engine.SyncNow(ctx)
			view := cycleView{
				Synced:     report.Synced,
				Failed:     report.Failed,
				Skipped:    report.Skipped,
				Pulled:     report.Pulled,
				DurationMS: report.Duration.Milliseconds(),
			}
			if report.PullErr != nil {
				view.PullError = report.PullErr.Error()
			}

			if err := render(cmd.OutOrStdout(), opts.Format, view, func(tw *tabwriter.Writer) {
				fmt.Fprintf(tw, "synced\t%d\n", view.Synced)
				fmt.Fprintf(tw, "failed\t%d\n", view.Failed)
				fmt.Fprintf(tw, "skipped\t%d\n", view.Skipped)
				fmt.Fprintf(tw, "pulled\t%d\n", view.Pulled)
				if view.PullError != "" {
					fmt.Fprintf(tw, "pull error\t%s\n", view.PullError)
				}
			}); err != nil {
				return err
			}

			if view.Failed > 0 {
				return fmt.Errorf("%d orders failed to sync", view.Failed)
			}
			return nil
		},
	}
}
