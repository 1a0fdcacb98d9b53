// Package cli holds the dconfigd command line: the daemon itself and the
// client subcommands that talk to a running daemon.
package cli

import (
	"context"
	"os"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dsg-config/dconfigd/lib/config"
	"github.com/dsg-config/dconfigd/lib/daemon"
	"github.com/dsg-config/dconfigd/lib/dconfig"
	"github.com/dsg-config/dconfigd/lib/util/logger"
)

var log = logger.GetLogger()

var (
	delayMS int64
	timeout time.Duration
)

// rootCmd runs the daemon when called without a subcommand.
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dconfigd",
		Short:        "System-wide configuration broker",
		Long:         `Serves per-application configuration built from installed meta files, administrator overrides and per-user caches over a local bus.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(cmd)
		},
		RunE: runDaemon,
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.dconfigd/config.yaml or /etc/dconfigd/config.yaml)")
	pf.String("socket", "", "bus socket path")
	pf.Bool("verbose", false, "enable debug logging")
	pf.DurationVar(&timeout, "timeout", 30*time.Second, "client call timeout")

	f := cmd.Flags()
	f.StringP("prefix", "p", "", "root prepended to every store directory")
	f.Int64VarP(&delayMS, "delay", "d", 0, "release delay in milliseconds")
	f.BoolP("exit", "e", false, "exit when the last resource is released")

	cmd.AddCommand(clientCommands()...)
	return cmd
}

// flagKeys maps flags onto the viper keys they override.
var flagKeys = map[string]string{
	"socket":  config.KeyBusAddress,
	"verbose": config.KeyVerbose,
	"prefix":  config.KeyPrefix,
	"exit":    config.KeyExitWhenIdle,
}

func loadConfig(cmd *cobra.Command) error {
	for name, key := range flagKeys {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			continue
		}
		if err := viper.BindPFlag(key, f); err != nil {
			return err
		}
	}
	if err := config.InitConfig(); err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("delay"); f != nil && f.Changed {
		if delayMS > dconfig.MaxDelayReleaseMS {
			return oops.Wrapf(dconfig.ErrInvalidConfiguration, "release delay %dms exceeds %dms", delayMS, dconfig.MaxDelayReleaseMS)
		}
		viper.Set(config.KeyDelayRelease, time.Duration(delayMS)*time.Millisecond)
	}
	if viper.GetBool(config.KeyVerbose) {
		log.SetVerbose(true)
	}
	return nil
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg := config.NewDaemonConfigFromViper()
	if err := cfg.Validate(); err != nil {
		return err
	}
	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	return d.Run(cmd.Context())
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		log.WithError(err).Error("command_failed")
		os.Exit(1)
	}
}
