// Package cli содержит команды posctl для обслуживания кассового узла синхронизации.
package cli

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Форматы вывода.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// RootOptions — глобальные флаги posctl.
type RootOptions struct {
	// EnvFile — файл с переменными POS_*; пустое значение означает .env в текущем каталоге.
	EnvFile string
	Format  string
	Verbose bool
}

// NewRootCommand создаёт корневую команду posctl со всеми подкомандами.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "posctl",
		Short: "Operator tool for the POS order sync node",
		Long: `posctl inspects and drives the local order store of a POS sync node.

It reads the same POS_* environment (and optional .env file) as pos-syncd,
so it always looks at the storage and remote API the daemon is using.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != FormatText && opts.Format != FormatJSON {
				return fmt.Errorf("invalid format %q: must be %q or %q", opts.Format, FormatText, FormatJSON)
			}
			if opts.Verbose {
				log.SetLevel(log.DebugLevel)
			} else {
				log.SetLevel(log.WarnLevel)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "env file with POS_* settings (default .env)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewOrdersCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))
	cmd.AddCommand(NewSyncNowCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts))

	return cmd
}
