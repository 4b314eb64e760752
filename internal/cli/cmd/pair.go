package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	pairAccept bool
	pairReject bool
)

// pairCmd requests pairing with a device, or resolves a pending request
// the peer initiated.
var pairCmd = &cobra.Command{
	Use:   "pair <device-id>",
	Short: "Pair with a device, or confirm a pending request",
	Long: `Pair with a device for encrypted communication.

Examples:
  lanlinkd pair <device-id>            # request pairing
  lanlinkd pair --accept <device-id>   # accept a request the peer sent
  lanlinkd pair --reject <device-id>   # reject it`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID := args[0]
		if pairAccept && pairReject {
			return fmt.Errorf("--accept and --reject are mutually exclusive")
		}
		if pairAccept || pairReject {
			resp, err := send("confirm", map[string]string{
				"device": deviceID,
				"accept": fmt.Sprintf("%t", pairAccept),
			})
			if err != nil {
				return err
			}
			if resp.Status != "ok" {
				return fmt.Errorf("%s", resp.Message)
			}
			if pairAccept {
				fmt.Printf("Pairing with %s accepted.\n", deviceID)
			} else {
				fmt.Printf("Pairing with %s rejected.\n", deviceID)
			}
			return nil
		}
		resp, err := send("pair", map[string]string{"device": deviceID})
		if err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("%s", resp.Message)
		}
		fmt.Printf("Pairing requested; confirm on %s.\n", deviceID)
		return nil
	},
}

// unpairCmd revokes trust in both directions.
var unpairCmd = &cobra.Command{
	Use:   "unpair <device-id>",
	Short: "Remove a paired device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := send("unpair", map[string]string{"device": args[0]})
		if err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("%s", resp.Message)
		}
		fmt.Printf("Unpaired %s.\n", args[0])
		return nil
	},
}

func init() {
	pairCmd.Flags().BoolVar(&pairAccept, "accept", false, "accept a pending pairing request")
	pairCmd.Flags().BoolVar(&pairReject, "reject", false, "reject a pending pairing request")
}
