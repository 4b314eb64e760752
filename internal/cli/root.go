// Package cli wires the cobra command tree. Running lanlinkd without a
// subcommand starts the daemon in the foreground.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cmdpkg "github.com/lanlink/lanlinkd/internal/cli/cmd"
	"github.com/lanlink/lanlinkd/internal/common"
	"github.com/lanlink/lanlinkd/internal/config"
	"github.com/lanlink/lanlinkd/internal/daemon"
)

var (
	// Flags that apply to all commands
	dataDir  string
	logLevel string

	// The loaded configuration
	cfg *config.Config

	// Logger instance
	logger *zap.Logger

	// Version information - set by main
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "none"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "lanlinkd",
	Short: "lanlinkd connects your devices over the local network",
	Long: `lanlinkd discovers nearby devices, pairs with them over mutually
authenticated TLS and keeps encrypted sessions open for plugins such as
ping and payload transfer.

Running lanlinkd without any commands starts the daemon in the foreground.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(dataDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		logger, err = common.NewLogger(cfg)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		cmdpkg.Setup(cfg, logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
	SilenceUsage: true,
}

// runCmd runs the daemon in the foreground, same as the bare root
// command; it exists so scripts can be explicit.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	return d.Run(ctx)
}

// SetVersionInfo records build metadata for the version command.
func SetVersionInfo(version, buildTime, commit string) {
	Version = version
	BuildTime = buildTime
	Commit = commit
	cmdpkg.SetVersionInfo(version, buildTime, commit)
}

// Execute runs the root command.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "base directory (default is $HOME/.local/share/lanlink)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	RootCmd.AddCommand(runCmd)
	for _, c := range cmdpkg.GetCommands() {
		RootCmd.AddCommand(c)
	}
}
