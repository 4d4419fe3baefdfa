package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opd-ai/swarmchat"
	"github.com/opd-ai/swarmchat/config"
)

// globalFlags holds the flags shared by every subcommand.
type globalFlags struct {
	ConfigFile string
	DataDir    string
}

func newRootCommand() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   "swarmchat",
		Short: "End-to-end encrypted messaging over a storage node swarm",
		Long: `swarmchat sends and receives end-to-end encrypted messages through a
swarm of storage nodes. Direct messages are sealed to the recipient, closed
groups share a rotating key pair and community rooms are signed.

The account lives in a data directory holding its identity and message
database. Settings are read from a TOML file given with --config, or the
defaults are used with --data-dir.`,
		Example: `
  # Create an account and print its session id
  swarmchat init --data-dir ~/.swarmchat

  # Send a message and read the inbox
  swarmchat send 05ab... "hello" -c swarmchat.toml
  swarmchat poll --follow -c swarmchat.toml`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "",
		"path to the configuration file (TOML format)")
	cmd.PersistentFlags().StringVarP(&flags.DataDir, "data-dir", "d", "",
		"data directory, used with default settings when no config file is given")

	cmd.AddCommand(
		newInitCommand(&flags),
		newIDCommand(&flags),
		newSendCommand(&flags),
		newGroupCommand(&flags),
		newPollCommand(&flags),
		newServeCommand(&flags),
	)
	return cmd
}

func (f *globalFlags) load() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case f.ConfigFile != "":
		cfg, err = config.LoadFile(f.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %v", err)
		}
		if f.DataDir != "" {
			cfg.DataDir = f.DataDir
			if err := cfg.FixupAndValidate(); err != nil {
				return nil, err
			}
		}
	case f.DataDir != "":
		cfg, err = config.Default(f.DataDir)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("config file must be specified with --config or --data-dir")
	}

	// The log file, if any, stays open until the process exits.
	if _, err := cfg.Logging.Apply(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openClient loads the configuration and starts a client.
func (f *globalFlags) openClient() (*swarmchat.Client, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, err
	}
	return swarmchat.New(&swarmchat.Options{Config: cfg})
}
