package cmd

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"dropwire/network"
	"dropwire/storage"
	"dropwire/transfer"
)

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <address> <file>",
	Short: "Send a file to a peer at host:port",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.close()

		return sendFile(app, args[0], args[1])
	},
}

func sendFile(app *app, address, path string) error {
	source, err := transfer.OpenFileSource(path)
	if err != nil {
		return err
	}
	defer func() {
		_ = source.Close()
	}()

	knownKeys, err := app.store.KnownPeerKeys()
	if err != nil {
		return err
	}

	progress := newProgressTracker()
	done := make(chan transfer.TransferRecord, 1)
	var transferID string

	var registry *transfer.Registry

	manager, err := network.NewManager(network.ManagerOptions{
		Identity:      app.identity,
		ListenAddress: "127.0.0.1:0",
		KnownPeerKeys: knownKeys,
		OnPeerConnected: func(peerID, deviceName string) {
			registry.Connect(peerID)
		},
		OnPeerDisconnected: func(peerID string) {
			registry.Disconnect(peerID)
		},
		Logger:            app.log,
		ReconnectAttempts: -1,
	})
	if err != nil {
		return err
	}

	registry, err = transfer.NewRegistry(transfer.RegistryOptions{
		SelfID:           app.cfg.DeviceID,
		SelfName:         app.cfg.DeviceName,
		Transport:        manager,
		ChunkSize:        app.cfg.Transfer.ChunkSize,
		MinChunkSize:     app.cfg.Transfer.MinChunkSize,
		MaxChunkSize:     app.cfg.Transfer.MaxChunkSize,
		AdaptiveChunking: app.cfg.Transfer.AdaptiveChunking,
		UseFEC:           app.cfg.Transfer.UseFEC,
		FECParityRatio:   app.cfg.Transfer.FECParityRatio,
		Logger:           app.log,
		OnTransferUpdate: func(record transfer.TransferRecord) {
			progress.update(record)
			if record.ID == transferID && record.Status.Terminal() {
				select {
				case done <- record:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}

	manager.SetHandler(registry)
	if err := manager.Start(); err != nil {
		return err
	}
	defer func() {
		_ = manager.Close()
	}()

	peerID, err := manager.Connect(address)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", address, err)
	}

	// First contact requires pairing approval on the remote side.
	if _, err := app.store.GetPeer(peerID); errors.Is(err, storage.ErrNotFound) {
		fmt.Printf("Pairing with %s (%s)...\n", manager.PeerName(peerID), peerID)
		if err := manager.Pair(peerID); err != nil {
			return fmt.Errorf("pair with %s: %w", peerID, err)
		}
		fmt.Println("Paired.")
	}
	app.rememberPeer(peerID, manager.PeerName(peerID), manager.PeerKey(peerID), address)

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(path))

	meta, err := registry.SendFileRequest(peerID, source, name, mimeType)
	if err != nil {
		return err
	}
	transferID = meta.ID
	fmt.Printf("Offered %s (%s), waiting for the peer to accept...\n", name, formatBytes(meta.Size))

	var timeout <-chan time.Time
	if sendTimeout > 0 {
		timer := time.NewTimer(sendTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case record := <-done:
		app.saveTransferRecord(record)
		switch record.Status {
		case transfer.StatusCompleted:
			fmt.Printf("Sent %s (checksum %s)\n", record.FileName, record.Checksum)
			return nil
		case transfer.StatusRejected:
			return fmt.Errorf("peer declined the transfer")
		default:
			return fmt.Errorf("transfer ended with status %s", record.Status)
		}
	case <-timeout:
		_ = registry.CancelTransfer(transferID)
		return fmt.Errorf("transfer timed out after %s", sendTimeout)
	}
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 0, "Abort if the transfer has not finished in this long (0 waits forever)")
	rootCmd.AddCommand(sendCmd)
}
