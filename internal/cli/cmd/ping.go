package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pingMessage string

// pingCmd sends a ping through the daemon to a connected device.
var pingCmd = &cobra.Command{
	Use:   "ping <device-id>",
	Short: "Send a ping to a connected device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pingArgs := map[string]string{"device": args[0]}
		if pingMessage != "" {
			pingArgs["message"] = pingMessage
		}
		resp, err := send("ping", pingArgs)
		if err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("%s", resp.Message)
		}
		fmt.Printf("Ping sent to %s.\n", args[0])
		return nil
	},
}

func init() {
	pingCmd.Flags().StringVarP(&pingMessage, "message", "m", "", "text to show on the peer")
}
