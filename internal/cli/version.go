package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/possync/internal/version"
)

// NewVersionCommand печатает сведения о сборке.
func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.Get()
			return render(cmd.OutOrStdout(), opts.Format, info, func(w *tabwriter.Writer) {
				fmt.Fprintln(w, info.String())
			})
		},
	}
}
