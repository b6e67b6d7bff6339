package cmd

import (
	"fmt"

	"github.com/qri-io/ioes"
	"github.com/spf13/cobra"
)

// NewCompletionCommand creates a `swarmd completion` cobra command that
// prints a bash autocompletion script.
func NewCompletionCommand(ioStreams ioes.IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "completion",
		Short: "generate a bash auto-completion script",
		Long: `completion generates a bash auto-completion script which you can
source in your shell profile:

  $ source <(swarmd completion)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			if err := root.GenBashCompletion(ioStreams.Out); err != nil {
				return fmt.Errorf("generating completion script: %w", err)
			}
			return nil
		},
	}
}
