// Package cmd holds the subcommands that talk to a running daemon over
// the control socket.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lanlink/lanlinkd/internal/config"
	"github.com/lanlink/lanlinkd/internal/ipc"
)

var (
	// Shared resources, set by the root command before any RunE fires.
	cfg    *config.Config
	logger *zap.Logger
)

// Setup hands the loaded configuration and logger to the subcommands.
func Setup(c *config.Config, l *zap.Logger) {
	cfg = c
	logger = l
}

// GetCommands returns every subcommand for root registration.
func GetCommands() []*cobra.Command {
	return []*cobra.Command{
		devicesCmd,
		pairCmd,
		unpairCmd,
		pingCmd,
		sendCmd,
		versionCmd,
	}
}

// send runs one control-socket request against the daemon.
func send(command string, args map[string]string) (*ipc.Response, error) {
	return ipc.SendRequest(ipc.SocketPath(cfg.SystemPaths.BaseDir), &ipc.Request{
		Command: command,
		Args:    args,
	})
}
