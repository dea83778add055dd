package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dropwire/crypto"
	"dropwire/discovery"
)

var peersDiscover bool
var peersScanWindow time.Duration

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List known peers, or scan the LAN for live ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.close()

		if peersDiscover {
			return discoverPeers(app)
		}
		return listStoredPeers(app)
	},
}

func listStoredPeers(app *app) error {
	peers, err := app.store.ListPeers()
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		fmt.Println("No known peers. Run 'dropwire peers --discover' to scan the LAN.")
		return nil
	}

	writer := tabwriter.NewWriter(cmdOut(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "DEVICE ID\tNAME\tSTATUS\tFINGERPRINT\tLAST SEEN\tENDPOINT")
	for _, peer := range peers {
		lastSeen := "never"
		if peer.LastSeenTimestamp != nil {
			lastSeen = time.UnixMilli(*peer.LastSeenTimestamp).Format(time.RFC3339)
		}
		endpoint := ""
		if peer.Endpoint != nil {
			endpoint = *peer.Endpoint
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			peer.DeviceID,
			peer.DeviceName,
			peer.Status,
			crypto.FormatFingerprint(peer.KeyFingerprint),
			lastSeen,
			endpoint,
		)
	}
	return writer.Flush()
}

func discoverPeers(app *app) error {
	scanner, err := discovery.NewPeerScanner(discovery.Config{
		SelfDeviceID: app.cfg.DeviceID,
		ScanTimeout:  peersScanWindow,
	})
	if err != nil {
		return err
	}
	if err := scanner.Start(); err != nil {
		return err
	}
	defer scanner.Stop()

	fmt.Printf("Scanning for %s...\n", peersScanWindow)
	time.Sleep(peersScanWindow + 500*time.Millisecond)

	peers := scanner.ListPeers()
	if len(peers) == 0 {
		fmt.Println("No peers found on the LAN.")
		return nil
	}

	writer := tabwriter.NewWriter(cmdOut(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "DEVICE ID\tNAME\tFINGERPRINT\tENDPOINT")
	for _, peer := range peers {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n",
			peer.DeviceID,
			peer.DeviceName,
			crypto.FormatFingerprint(peer.KeyFingerprint),
			peer.Endpoint(),
		)
	}
	return writer.Flush()
}

func init() {
	peersCmd.Flags().BoolVar(&peersDiscover, "discover", false, "Scan the LAN via mDNS instead of listing stored peers")
	peersCmd.Flags().DurationVar(&peersScanWindow, "scan-window", 3*time.Second, "How long to scan when --discover is set")
	rootCmd.AddCommand(peersCmd)
}
