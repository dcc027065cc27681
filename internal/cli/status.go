package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
)

type statusView struct {
	Local   int          `json:"local"`
	Syncing int          `json:"syncing"`
	Synced  int          `json:"synced"`
	Error   int          `json:"error"`
	Pending int          `json:"pending"`
	Errors  []errorBadge `json:"errors,omitempty"`
}

type errorBadge struct {
	LocalID     string    `json:"local_id"`
	RemoteID    int64     `json:"remote_id,omitempty"`
	Message     string    `json:"message"`
	LastAttempt time.Time `json:"last_attempt"`
}

func newStatusView(s orderstore.SyncSummary) statusView {
	view := statusView{
		Local:   s.Local,
		Syncing: s.Syncing,
		Synced:  s.Synced,
		Error:   s.Error,
		Pending: s.Pending(),
	}
	for _, b := range s.Errors {
		view.Errors = append(view.Errors, errorBadge{
			LocalID:     b.LocalID,
			RemoteID:    b.RemoteID,
			Message:     b.Message,
			LastAttempt: b.LastAttempt,
		})
	}
	return view
}

// NewStatusCommand создаёт команду status: сводка заказов по статусам синхронизации.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status counters and failed orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(commandContext(cmd), opts, func(store *orderstore.Store) error {
				summary, err := store.Summary(commandContext(cmd))
				if err != nil {
					return fmt.Errorf("sync summary: %w", err)
				}
				view := newStatusView(summary)
				return render(cmd.OutOrStdout(), opts.Format, view, func(tw *tabwriter.Writer) {
					fmt.Fprintf(tw, "local\t%d\n", view.Local)
					fmt.Fprintf(tw, "syncing\t%d\n", view.Syncing)
					fmt.Fprintf(tw, "synced\t%d\n", view.Synced)
					fmt.Fprintf(tw, "error\t%d\n", view.Error)
					fmt.Fprintf(tw, "pending\t%d\n", view.Pending)
					if len(view.Errors) == 0 {
						return
					}
					fmt.Fprintln(tw)
					fmt.Fprintln(tw, "LOCAL ID\tREMOTE ID\tLAST ATTEMPT\tERROR")
					for _, b := range view.Errors {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.LocalID, formatRemoteID(b.RemoteID), formatTime(b.LastAttempt), b.Message)
					}
				})
			})
		},
	}
}
