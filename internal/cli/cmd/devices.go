package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesJSON bool

// deviceRow mirrors the daemon's device summary shape.
type deviceRow struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Type            string `json:"type"`
	ConnectionState string `json:"connection_state"`
	PairStatus      string `json:"pair_status"`
	Trusted         bool   `json:"trusted"`
	Host            string `json:"host,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	LastSeen        string `json:"last_seen,omitempty"`
}

// devicesCmd lists every device the daemon knows about.
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List discovered and paired devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := send("devices", nil)
		if err != nil {
			return err
		}
		if resp.Status != "ok" {
			return fmt.Errorf("%s", resp.Message)
		}
		if devicesJSON {
			fmt.Println(string(resp.Data))
			return nil
		}
		var rows []deviceRow
		if err := json.Unmarshal(resp.Data, &rows); err != nil {
			return fmt.Errorf("decode device list: %w", err)
		}
		if len(rows) == 0 {
			fmt.Println("No devices found.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tPAIRING\tHOST")
		for _, r := range rows {
			pairing := r.PairStatus
			if r.Trusted {
				pairing = "paired"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.Name, r.Type, r.ConnectionState, pairing, r.Host)
		}
		return w.Flush()
	},
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "output in JSON format")
}
