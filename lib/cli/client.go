package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dsg-config/dconfigd/lib/config"
	"github.com/dsg-config/dconfigd/lib/service"
)

// withClient dials the daemon and runs fn with a call timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *service.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := service.Dial(ctx, viper.GetString(config.KeyBusNetwork), viper.GetString(config.KeyBusAddress))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func parseUID(s string) (uint32, error) {
	uid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, oops.Wrapf(err, "invalid uid %q", s)
	}
	return uint32(uid), nil
}

type resourceFlags struct {
	subpath string
	uid     int64
}

func (f *resourceFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.subpath, "subpath", "", "override subpath")
	cmd.Flags().Int64Var(&f.uid, "uid", -1, "acquire for this uid instead of the caller")
}

func (f *resourceFlags) acquire(ctx context.Context, c *service.Client, appID, name string) (string, error) {
	if f.uid < 0 {
		return c.Acquire(ctx, appID, name, f.subpath)
	}
	return c.AcquireFor(ctx, uint32(f.uid), appID, name, f.subpath)
}

func clientCommands() []*cobra.Command {
	return []*cobra.Command{
		getUpdateCmd(),
		getSyncCmd(),
		getReloadCmd(),
		getRemoveUserDataCmd(),
		getSetDelayCmd(),
		getVerboseCmd(),
		getGetCmd(),
		getSetCmd(),
		getListCmd(),
	}
}

func getUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update PATH",
		Short: "Reparse the resources backed by a meta or override file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				return c.Update(ctx, args[0])
			})
		},
	}
}

func getSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync PATH",
		Short: "Write the cached values of a file's resources to disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				return c.Sync(ctx, args[0])
			})
		},
	}
}

func getReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reparse every resource whose files changed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				return c.Reload(ctx)
			})
		},
	}
}

func getRemoveUserDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-user-data UID",
		Short: "Delete the cached values of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				return c.RemoveUserData(ctx, uid)
			})
		},
	}
}

func getSetDelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-delay MS",
		Short: "Change the release delay of the running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return oops.Wrapf(err, "invalid delay %q", args[0])
			}
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				if err := c.SetDelayReleaseTime(ctx, ms); err != nil {
					return err
				}
				current, err := c.DelayReleaseTime(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "release delay is %dms\n", current)
				return nil
			})
		},
	}
}

func getVerboseCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "verbose on|off",
		Short:     "Switch debug logging of the running daemon",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enable bool
			switch args[0] {
			case "on":
				enable = true
			case "off":
			default:
				return oops.Errorf("expected on or off, got %q", args[0])
			}
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				return c.SetVerbose(ctx, enable)
			})
		},
	}
}

func getGetCmd() *cobra.Command {
	var rf resourceFlags
	cmd := &cobra.Command{
		Use:   "get APPID NAME KEY",
		Short: "Print the value of a key as JSON",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				path, err := rf.acquire(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				defer c.Release(ctx, path)
				value, err := c.Value(ctx, path, args[2])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(value))
				return nil
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func getSetCmd() *cobra.Command {
	var rf resourceFlags
	cmd := &cobra.Command{
		Use:   "set APPID NAME KEY JSON",
		Short: "Set a key to a JSON value",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := json.RawMessage(args[3])
			if !json.Valid(value) {
				return oops.Errorf("value is not valid JSON: %s", args[3])
			}
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				path, err := rf.acquire(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				defer c.Release(ctx, path)
				return c.SetValue(ctx, path, args[2], value)
			})
		},
	}
	rf.register(cmd)
	return cmd
}

func getListCmd() *cobra.Command {
	var rf resourceFlags
	cmd := &cobra.Command{
		Use:   "list APPID NAME",
		Short: "Print every key with its value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, func(ctx context.Context, c *service.Client) error {
				path, err := rf.acquire(ctx, c, args[0], args[1])
				if err != nil {
					return err
				}
				defer c.Release(ctx, path)
				keys, err := c.KeyList(ctx, path)
				if err != nil {
					return err
				}
				for _, key := range keys {
					value, err := c.Value(ctx, path, key)
					if err != nil {
						return fmt.Errorf("%s: %w", key, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, value)
				}
				return nil
			})
		},
	}
	rf.register(cmd)
	return cmd
}
