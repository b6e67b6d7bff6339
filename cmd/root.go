package cmd

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/qri-io/ioes"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// SwarmdRepoPath is the viper key holding the node's data directory.
const SwarmdRepoPath = "SwarmdRepoPath"

// NewSwarmdCommand creates the swarmd root cobra command, wiring up every
// subcommand.
func NewSwarmdCommand(ctx context.Context, ioStreams ioes.IOStreams) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "swarmd",
		Short: "swarmd peer-to-peer networking daemon",
		Long: `swarmd is a standalone libp2p-compatible networking core: it dials and
accepts encrypted, multiplexed connections to other peers, and keeps a
target number of connections alive via automatic discovery dialing and
dead-peer backoff.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.swarmd/config.yaml)")

	cmd.AddCommand(
		NewServeCommand(ctx, ioStreams),
		NewKeygenCommand(ioStreams),
		NewConfigCommand(ioStreams),
		NewCompletionCommand(ioStreams),
	)

	return cmd
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	home := userHomeDir()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	repoPath := os.Getenv("SWARMD_PATH")
	if repoPath == "" {
		repoPath = filepath.Join(home, ".swarmd")
	}
	repoPath = strings.Replace(repoPath, "~", home, 1)
	viper.SetDefault(SwarmdRepoPath, repoPath)
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// configFilepath returns the config file path: the --config flag if set,
// otherwise $SwarmdRepoPath/config.yaml.
func configFilepath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(viper.GetString(SwarmdRepoPath), "config.yaml")
}

// viperSwarmdRepoPath returns the node's data directory.
func viperSwarmdRepoPath() string {
	return viper.GetString(SwarmdRepoPath)
}
