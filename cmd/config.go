package cmd

import (
	"fmt"

	"github.com/qri-io/ioes"
	"github.com/spf13/cobra"

	"github.com/qri-io/swarmd/config"
)

// NewConfigCommand creates the `swarmd config` cobra command and its
// `init`/`show` subcommands.
func NewConfigCommand(ioStreams ioes.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "get and set swarmd configuration",
	}
	cmd.AddCommand(
		newConfigInitCommand(ioStreams),
		newConfigShowCommand(ioStreams),
	)
	return cmd
}

func newConfigInitCommand(ioStreams ioes.IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "write a fresh default config file, generating a new identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configFilepath()
			cfg := config.DefaultConfig()
			keyStr, _, err := generateKey()
			if err != nil {
				return err
			}
			cfg.Swarm.PrivKey = keyStr
			if err := cfg.WriteToFile(path); err != nil {
				return err
			}
			fmt.Fprintf(ioStreams.Out, "wrote config to %s\n", path)
			return nil
		},
	}
}

func newConfigShowCommand(ioStreams ioes.IOStreams) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "print the current configuration summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.ReadFromFile(configFilepath())
			if err != nil {
				return err
			}
			fmt.Fprint(ioStreams.Out, cfg.SummaryString())
			return nil
		},
	}
}
