package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hostfs/internal/config"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     *config.Config
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hostfs",
	Short: "hostfs - remote file access for a host machine",
	Long: `hostfs lets a controller browse and transfer files on a remote host.

The host runs an agent that serves its drives over WebSocket, QUIC or a WebRTC
data channel. Controllers connect to it to list directories, create, rename and
remove entries, and upload or download files with streaming compression.

Usage:
  Run the host agent:   hostfs serve --transport websocket --listen :7480
  List host drives:     hostfs drives --connect host.example:7480
  Download a file:      hostfs get /srv/data/report.pdf . --connect host.example:7480
  Upload a file:        hostfs put ./report.pdf /srv/data/report.pdf --connect host.example:7480

With --transport webrtc the host prints a session code that the controller
passes to --connect (or types in when prompted).`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Initialize viper configuration
		initConfig()

		loaded, err := loadConfig()
		if err != nil {
			logrus.Fatalf("Invalid configuration: %v", err)
		}
		cfg = loaded

		if err := applyLogConfig(cfg.Log); err != nil {
			logrus.Fatalf("Invalid log configuration: %v", err)
		}
		if used := viper.ConfigFileUsed(); used != "" {
			logrus.WithField("file", used).Debug("Using config file")
			watchConfig()
		}
	},
}

func init() {
	// Add global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hostfs.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	// Set up viper environment variable support, e.g. HOSTFS_HOST_TRANSPORT
	viper.SetEnvPrefix("HOSTFS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(config.NewDefaultConfig())
}

// setDefaults registers every scalar key so environment variables and flags
// reach Unmarshal even without a config file.
func setDefaults(def *config.Config) {
	viper.SetDefault("webrtc.buffered_amount_low_threshold", def.WebRTC.BufferedAmountLowThreshold)
	viper.SetDefault("webrtc.max_buffered_amount", def.WebRTC.MaxBufferedAmount)
	viper.SetDefault("webrtc.answer_timeout", def.WebRTC.AnswerTimeout)
	viper.SetDefault("webrtc.poll_interval", def.WebRTC.PollInterval)
	viper.SetDefault("firebase.project_id", def.Firebase.ProjectID)
	viper.SetDefault("firebase.database_url", def.Firebase.DatabaseURL)
	viper.SetDefault("firebase.credentials_path", def.Firebase.CredentialsPath)
	viper.SetDefault("transfer.chunk_size", def.Transfer.ChunkSize)
	viper.SetDefault("transfer.compression_level", def.Transfer.CompressionLevel)
	viper.SetDefault("transfer.max_message_size", def.Transfer.MaxMessageSize)
	viper.SetDefault("host.transport", def.Host.Transport)
	viper.SetDefault("host.listen_addr", def.Host.ListenAddr)
	viper.SetDefault("host.websocket_path", def.Host.WebSocketPath)
	viper.SetDefault("log.level", def.Log.Level)
	viper.SetDefault("log.format", def.Log.Format)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.Warnf("Could not find home directory: %v", err)
			return
		}

		// Search config in home directory with name ".hostfs" (without extension)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".hostfs")
	}

	// If a config file is found, read it in
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && cfgFile != "" {
			logrus.Warnf("Could not read config file: %v", err)
		}
	}
}

// loadConfig merges defaults, config file, environment and flags.
func loadConfig() (*config.Config, error) {
	c := config.NewDefaultConfig()
	if err := viper.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyLogConfig sets the logrus level and formatter.
func applyLogConfig(lc config.LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// watchConfig re-applies the log level when the config file changes. Other
// settings take effect on the next start.
func watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level, err := logrus.ParseLevel(viper.GetString("log.level"))
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("Ignoring invalid log level from changed config")
			return
		}
		logrus.SetLevel(level)
		logrus.WithFields(logrus.Fields{
			"file":  e.Name,
			"level": level.String(),
		}).Info("Config file changed, log level applied")
	})
	viper.WatchConfig()
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nReceived interrupt signal, shutting down...")
		cancel()
	}()

	return ctx
}
