package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/possync/internal/domain"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
)

const defaultOrdersLimit = 50

type orderView struct {
	LocalID    string    `json:"local_id"`
	RemoteID   int64     `json:"remote_id,omitempty"`
	Status     string    `json:"status"`
	SyncStatus string    `json:"sync_status"`
	SyncError  string    `json:"sync_error,omitempty"`
	Lines      int       `json:"lines"`
	Total      string    `json:"total"`
	Revision   int64     `json:"revision"`
	Synced     int64     `json:"synced_revision"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func newOrderView(o domain.LocalOrder) orderView {
	return orderView{
		LocalID:    o.LocalID,
		RemoteID:   o.RemoteID,
		Status:     string(o.Data.Status),
		SyncStatus: string(o.SyncStatus),
		SyncError:  o.SyncError,
		Lines:      len(o.Data.LineItems),
		Total:      domain.FormatMoney(o.Data.Total),
		Revision:   o.Revision,
		Synced:     o.SyncedRevision,
		UpdatedAt:  o.UpdatedAt,
	}
}

// NewOrdersCommand создаёт команду orders: список локальных заказов.
func NewOrdersCommand(opts *RootOptions) *cobra.Command {
	var (
		limit    int
		statuses []string
	)

	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List local orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("limit must be > 0")
			}
			filter := make([]domain.SyncStatus, 0, len(statuses))
			for _, raw := range statuses {
				status := domain.SyncStatus(raw)
				if !status.Valid() {
					return fmt.Errorf("unknown sync status %q", raw)
				}
				filter = append(filter, status)
			}

			ctx := commandContext(cmd)
			return withStore(ctx, opts, func(store *orderstore.Store) error {
				var (
					orders []domain.LocalOrder
					err    error
				)
				if len(filter) > 0 {
					orders, err = store.ListBySyncStatus(ctx, filter, limit)
				} else {
					orders, err = store.List(ctx, limit)
				}
				if err != nil {
					return fmt.Errorf("list orders: %w", err)
				}

				views := make([]orderView, 0, len(orders))
				for _, o := range orders {
					views = append(views, newOrderView(o))
				}
				return render(cmd.OutOrStdout(), opts.Format, views, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "LOCAL ID\tREMOTE ID\tSTATUS\tSYNC\tLINES\tTOTAL\tREV\tUPDATED")
					for _, v := range views {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d/%d\t%s\n",
							v.LocalID, formatRemoteID(v.RemoteID), v.Status, v.SyncStatus,
							v.Lines, v.Total, v.Synced, v.Revision, formatTime(v.UpdatedAt))
					}
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", defaultOrdersLimit, "max number of orders")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by sync status (local, syncing, synced, error)")

	return cmd
}

type journalView struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	RemoteID int64     `json:"remote_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// NewJournalCommand создаёт команду journal: история переходов статуса синхронизации заказа.
func NewJournalCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "journal <local-id>",
		Short: "Show sync status transitions of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			return withStore(ctx, opts, func(store *orderstore.Store) error {
				if _, err := store.Get(ctx, args[0]); err != nil {
					return err
				}
				events, err := store.Journal(ctx, args[0])
				if err != nil {
					return fmt.Errorf("read journal: %w", err)
				}

				views := make([]journalView, 0, len(events))
				for _, e := range events {
					views = append(views, journalView{
						From:     string(e.From),
						To:       string(e.To),
						RemoteID: e.RemoteID,
						Reason:   e.Reason,
						Occurred: e.Occurred,
					})
				}
				return render(cmd.OutOrStdout(), opts.Format, views, func(tw *tabwriter.Writer) {
					fmt.Fprintln(tw, "OCCURRED\tFROM\tTO\tREMOTE ID\tREASON")
					for _, v := range views {
						from := v.From
						if from == "" {
							from = "-"
						}
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
							formatTime(v.Occurred), from, v.To, formatRemoteID(v.RemoteID), v.Reason)
					}
				})
			})
		},
	}
}
