package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/possync/internal/app"
	"github.com/vladislavdragonenkov/possync/internal/service/orderstore"
)

// render печатает data как JSON или вызывает text для табличного вывода.
func render(w io.Writer, format string, data any, text func(tw *tabwriter.Writer)) error {
	if format == FormatJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	text(tw)
	return tw.Flush()
}

func loadConfig(opts *RootOptions) (app.Config, error) {
	var (
		cfg app.Config
		err error
	)
	if opts.EnvFile != "" {
		cfg, err = app.LoadConfigFromEnv(opts.EnvFile)
	} else {
		cfg, err = app.LoadConfigFromEnv()
	}
	if err != nil {
		return app.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// withStore открывает только локальное хранилище: команды чтения не обращаются к удалённому API.
func withStore(ctx context.Context, opts *RootOptions, fn func(store *orderstore.Store) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger := log.WithField("component", "posctl")
	storage, err := app.OpenStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.Close(); err != nil {
			logger.WithError(err).Warn("close storage")
		}
	}()

	store := orderstore.New(storage.Orders,
		orderstore.WithJournal(storage.Journal),
		orderstore.WithCurrency(cfg.Currency),
		orderstore.WithLogger(logger),
	)
	return fn(store)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatRemoteID(id int64) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", id)
}
