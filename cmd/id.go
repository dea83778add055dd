package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"dropwire/crypto"
)

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Show this device's identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.close()

		fmt.Printf("Device ID:       %s\n", app.cfg.DeviceID)
		fmt.Printf("Device Name:     %s\n", app.cfg.DeviceName)
		fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(app.cfg.KeyFingerprint))
		fmt.Printf("Config File:     %s\n", app.cfgPath)
		fmt.Printf("Data Directory:  %s\n", app.dataDir)
		fmt.Printf("Download Dir:    %s\n", app.cfg.Transfer.DownloadDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(idCmd)
}
