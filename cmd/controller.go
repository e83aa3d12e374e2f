package cmd

import (
	"context"
	"fmt"
	"os"

	"hostfs/internal/app"
	"hostfs/internal/client"
	"hostfs/internal/config"
	"hostfs/internal/ui"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type ConnectFlags struct {
	Transport string
	Target    string
}

var connectFlags ConnectFlags

// addConnectFlags registers the flags every controller command shares.
func addConnectFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&connectFlags.Transport, "transport", "t", "", "transport: webrtc, websocket or quic (default from config)")
	cmd.Flags().StringVarP(&connectFlags.Target, "connect", "c", "", "host address, websocket URL or webrtc session code")
}

// validateConnectFlags validates the shared controller flags
func validateConnectFlags(flags *ConnectFlags) error {
	switch flags.Transport {
	case "", config.TransportWebRTC, config.TransportWebSocket, config.TransportQUIC:
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidTransport, flags.Transport)
	}
	return nil
}

// connect opens a session to the host selected by the connect flags. For
// webrtc without --connect the user is asked for the session code.
func connect(ctx context.Context) (*client.Client, error) {
	transportName := connectFlags.Transport
	if transportName == "" {
		transportName = cfg.Host.Transport
	}

	target := connectFlags.Target
	if target == "" {
		if transportName != config.TransportWebRTC {
			return nil, fmt.Errorf("--connect is required for the %s transport", transportName)
		}
		code, err := ui.NewConsoleUI(os.Stdin, os.Stdout).InputCode(ctx)
		if err != nil {
			return nil, err
		}
		target = code
	}

	dialer, err := app.NewDialer(ctx, cfg, transportName)
	if err != nil {
		return nil, err
	}
	return app.Connect(ctx, dialer, target, cfg.Transfer)
}

// withClient connects, runs fn and closes the session.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx := createContext()
	c, err := connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

// controllerCommand builds a controller subcommand with the shared flags.
func controllerCommand(use, short string, args cobra.PositionalArgs, fn func(ctx context.Context, c *client.Client, args []string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return validateConnectFlags(&connectFlags)
		},
		Run: func(cmd *cobra.Command, args []string) {
			err := withClient(func(ctx context.Context, c *client.Client) error {
				return fn(ctx, c, args)
			})
			if err != nil {
				logrus.Fatalf("%s failed: %v", cmd.Name(), err)
			}
		},
	}
	addConnectFlags(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(
		controllerCommand("drives", "List the drives of the host", cobra.NoArgs,
			func(ctx context.Context, c *client.Client, args []string) error {
				drives, err := c.ListDrives(ctx)
				if err != nil {
					return err
				}
				return ui.ShowDrives(os.Stdout, drives)
			}),
		controllerCommand("ls <path>", "List a directory on the host", cobra.ExactArgs(1),
			func(ctx context.Context, c *client.Client, args []string) error {
				entries, err := c.ListFiles(ctx, args[0])
				if err != nil {
					return err
				}
				return ui.ShowEntries(os.Stdout, entries)
			}),
		controllerCommand("mkdir <path>", "Create a directory on the host", cobra.ExactArgs(1),
			func(ctx context.Context, c *client.Client, args []string) error {
				return c.CreateDirectory(ctx, args[0])
			}),
		controllerCommand("mv <old> <new>", "Rename a file or directory on the host", cobra.ExactArgs(2),
			func(ctx context.Context, c *client.Client, args []string) error {
				return c.Rename(ctx, args[0], args[1])
			}),
		controllerCommand("rm <path>", "Remove a file or empty directory on the host", cobra.ExactArgs(1),
			func(ctx context.Context, c *client.Client, args []string) error {
				return c.Remove(ctx, args[0])
			}),
	)
}
