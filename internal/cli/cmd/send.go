package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sendBody string

// sendCmd delivers an arbitrary packet to a connected device.
var sendCmd = &cobra.Command{
	Use:   "send <device-id> <packet-type>",
	Short: "Send a packet of the given type to a connected device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sendArgs := map[string]string{
			"device": args[0],
			"type":   args[1],
		}
		if sendBody != "" {
			sendArgs["body"] = sendBody
		}
		resp, err := send("send", sendArgs)
		if err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("%s", resp.Message)
		}
		fmt.Printf("Packet %s sent to %s.\n", args[1], args[0])
		return nil
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendBody, "body", "b", "", "packet body as a JSON object")
}
