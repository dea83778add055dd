package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dropwire/storage"
)

var historyLimit int
var historyPeer string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show past file transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.close()

		var transfers []storage.Transfer
		if historyPeer != "" {
			transfers, err = app.store.ListTransfersWithPeer(historyPeer, historyLimit)
		} else {
			transfers, err = app.store.ListTransfers(historyLimit)
		}
		if err != nil {
			return err
		}
		if len(transfers) == 0 {
			fmt.Println("No transfers recorded.")
			return nil
		}

		writer := tabwriter.NewWriter(cmdOut(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "WHEN\tFILE\tSIZE\tDIRECTION\tPEER\tSTATUS")
		for _, row := range transfers {
			peer := row.Receiver
			if row.Direction == "receive" {
				peer = row.Sender
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
				time.UnixMilli(row.CreatedAt).Format("2006-01-02 15:04"),
				row.FileName,
				formatBytes(row.FileSize),
				row.Direction,
				peer,
				row.Status,
			)
		}
		return writer.Flush()
	},
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of transfers to show (0 for all)")
	historyCmd.Flags().StringVar(&historyPeer, "peer", "", "Only show transfers involving this device id")
	rootCmd.AddCommand(historyCmd)
}
