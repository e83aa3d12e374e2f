package cmd

import (
	"fmt"
	"os"

	"hostfs/internal/app"
	"hostfs/internal/config"
	"hostfs/internal/file"
	"hostfs/internal/ui"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type ServeFlags struct {
	Transport  string
	ListenAddr string
	Drives     []string
}

var serveFlags ServeFlags

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host agent",
	Long: `Run the host agent and serve this machine's drives to controllers.

Every connected controller gets its own session. With --transport webrtc the
agent publishes a session code through Firebase signalling and prints it; a
new code is published as soon as a controller connects or the code expires.`,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateServeFlags(&serveFlags)
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := runHost(); err != nil {
			logrus.Fatalf("Host failed: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.Transport, "transport", "t", "", "transport: webrtc, websocket or quic")
	serveCmd.Flags().StringVarP(&serveFlags.ListenAddr, "listen", "l", "", "listen address for websocket and quic")
	serveCmd.Flags().StringSliceVarP(&serveFlags.Drives, "drive", "d", nil, "drive root to expose (repeatable)")

	// Bind flags to viper so they override the config file
	viper.BindPFlag("host.transport", serveCmd.Flags().Lookup("transport"))
	viper.BindPFlag("host.listen_addr", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("host.drives", serveCmd.Flags().Lookup("drive"))
}

// validateServeFlags validates the serve command flags
func validateServeFlags(flags *ServeFlags) error {
	switch flags.Transport {
	case "", config.TransportWebRTC, config.TransportWebSocket, config.TransportQUIC:
	default:
		return fmt.Errorf("%w: %q", config.ErrInvalidTransport, flags.Transport)
	}
	for _, d := range flags.Drives {
		info, err := os.Stat(d)
		if err != nil {
			return fmt.Errorf("cannot expose drive %s: %w", d, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("drive %s is not a directory", d)
		}
	}
	return nil
}

// runHost serves the configured drives until interrupted.
func runHost() error {
	ctx := createContext()
	console := ui.NewConsoleUI(os.Stdin, os.Stdout)

	listener, err := app.NewListener(ctx, cfg, console.ShowSessionCode)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	if cfg.Host.Transport != config.TransportWebRTC {
		console.ShowMessage(fmt.Sprintf("Serving on %s", listener.Addr()))
	}

	host := app.NewHost(file.NewOSFilesystem(cfg.Host.Drives), cfg.Transfer)
	return host.Serve(ctx, listener)
}
