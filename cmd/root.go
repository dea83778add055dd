package cmd

import (
	"io"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dropwire",
	Short: "Encrypted LAN file transfer between paired devices",
	Long: `Dropwire moves files between devices on the local network over an
end-to-end encrypted channel. Devices find each other via mDNS, pair once
with key fingerprints, and transfer files in integrity-checked chunks with
optional forward error correction.`,
	SilenceUsage: true,
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func cmdOut() io.Writer {
	return os.Stdout
}
