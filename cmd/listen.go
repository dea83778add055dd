package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"dropwire/config"
	"dropwire/crypto"
	"dropwire/discovery"
	"dropwire/network"
	"dropwire/transfer"
)

var listenAutoAccept bool

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run the node: accept pairings and receive files",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp()
		if err != nil {
			return err
		}
		defer app.close()

		return runNode(app)
	},
}

func runNode(app *app) error {
	knownKeys, err := app.store.KnownPeerKeys()
	if err != nil {
		return err
	}

	listenAddr := "0.0.0.0:0"
	if app.cfg.PortMode == config.PortModeFixed {
		listenAddr = "0.0.0.0:" + strconv.Itoa(app.cfg.ListeningPort)
	}

	var (
		manager  *network.Manager
		registry *transfer.Registry
	)

	progress := newProgressTracker()

	// Open receive sinks land in the download dir under their offered name;
	// collisions get a numeric suffix.
	var sinkMu sync.Mutex
	sinks := make(map[string]*transfer.OsFileSink)

	manager, err = network.NewManager(network.ManagerOptions{
		Identity:      app.identity,
		ListenAddress: listenAddr,
		KnownPeerKeys: knownKeys,
		ApprovePairing: func(request network.PairRequest) bool {
			fmt.Printf("\nPairing request from %s (%s)\n", request.DeviceName, request.DeviceID)
			fmt.Printf("Fingerprint: %s\n", crypto.FormatFingerprint(request.Fingerprint))
			if !listenAutoAccept {
				fmt.Println("Rejecting (start with --accept to accept pairings).")
				return false
			}
			fmt.Println("Accepted.")
			return true
		},
		OnPeerConnected: func(peerID, deviceName string) {
			registry.Connect(peerID)
			app.rememberPeer(peerID, deviceName, manager.PeerKey(peerID), "")
			fmt.Printf("Peer connected: %s (%s)\n", deviceName, peerID)
		},
		OnPeerDisconnected: func(peerID string) {
			registry.Disconnect(peerID)
			app.markPeerOffline(peerID)
			fmt.Printf("Peer disconnected: %s\n", peerID)
		},
		Logger: app.log,
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
		MaxFileSize:      app.cfg.Transfer.MaxFileSize,
		Logger:           app.log,
		CreateSink: func(meta transfer.FileMetadata, fromPeer string) (transfer.FileSink, error) {
			path := availablePath(app.cfg.Transfer.DownloadDir, meta.Name)
			sink, err := transfer.CreateFileSink(path, meta.Size)
			if err != nil {
				return nil, err
			}
			sinkMu.Lock()
			sinks[meta.ID] = sink
			sinkMu.Unlock()
			return sink, nil
		},
		OnTransferRequest: func(peerID string, meta transfer.FileMetadata) {
			fmt.Printf("\nIncoming file from %s: %s (%s)\n", peerID, meta.Name, formatBytes(meta.Size))
			if err := registry.AcceptFileTransfer(peerID, meta); err != nil {
				app.log.WithError(err).WithField("transfer_id", meta.ID).Error("accepting transfer failed")
			}
		},
		OnTransferUpdate: func(record transfer.TransferRecord) {
			progress.update(record)

			if !record.Status.Terminal() {
				return
			}
			app.saveTransferRecord(record)

			sinkMu.Lock()
			sink := sinks[record.ID]
			delete(sinks, record.ID)
			sinkMu.Unlock()

			switch record.Status {
			case transfer.StatusCompleted:
				if sink != nil {
					if err := sink.Finalize(); err != nil {
						app.log.WithError(err).Error("finalizing received file failed")
						return
					}
					fmt.Printf("Received %s -> %s\n", record.FileName, sink.Path())
				}
			case transfer.StatusIntegrityError:
				if sink != nil {
					_ = sink.Close()
				}
				fmt.Printf("Transfer %s failed integrity verification; partial file kept\n", record.FileName)
			default:
				fmt.Printf("Transfer %s ended: %s\n", record.FileName, record.Status)
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

	port := listeningPort(manager.Addr())
	fmt.Printf("Listening on port %d as %s (%s)\n", port, app.cfg.DeviceName, app.cfg.DeviceID)
	fmt.Printf("Fingerprint: %s\n", crypto.FormatFingerprint(app.cfg.KeyFingerprint))

	discoveryService, err := discovery.Start(discovery.Config{
		SelfDeviceID:   app.cfg.DeviceID,
		DeviceName:     app.cfg.DeviceName,
		ListeningPort:  port,
		KeyFingerprint: app.cfg.KeyFingerprint,
	})
	if err != nil {
		app.log.WithError(err).Warn("mDNS discovery unavailable")
	} else {
		defer discoveryService.Stop()
	}

	go func() {
		for err := range manager.Errors() {
			app.log.WithError(err).Warn("network error")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println("Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("Shutting down.")
	return nil
}

func listeningPort(addr net.Addr) int {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return tcpAddr.Port
}

// availablePath returns dir/name, or dir/name (n) when the file already exists.
func availablePath(dir, name string) string {
	base := filepath.Join(dir, filepath.Base(name))
	if _, err := os.Stat(base); errors.Is(err, os.ErrNotExist) {
		return base
	}

	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, i, ext)
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate
		}
	}
}

func init() {
	listenCmd.Flags().BoolVar(&listenAutoAccept, "accept", false, "Accept incoming pairing requests")
	rootCmd.AddCommand(listenCmd)
}
