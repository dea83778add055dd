package cmd

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"dropwire/config"
	"dropwire/crypto"
	"dropwire/network"
	"dropwire/storage"
	"dropwire/transfer"
)

// app bundles the pieces every command needs: loaded config, local identity
// keys, and the peer/transfer database.
type app struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string

	identity network.LocalIdentity
	store    *storage.Store
	log      *logrus.Logger
}

func loadApp() (*app, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	dataDir := filepath.Dir(cfgPath)

	privateKey, publicKey, err := crypto.EnsureEd25519KeyPair(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare identity keypair: %w", err)
	}

	fingerprint := crypto.KeyFingerprint(publicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}

	storageKey, err := crypto.EnsureStorageKey(cfg.StorageKeyPath)
	if err != nil {
		return nil, fmt.Errorf("prepare storage key: %w", err)
	}

	store, _, err := storage.Open(dataDir, storageKey)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)

	return &app{
		cfg:     cfg,
		cfgPath: cfgPath,
		dataDir: dataDir,
		identity: network.LocalIdentity{
			DeviceID:          cfg.DeviceID,
			DeviceName:        cfg.DeviceName,
			Ed25519PrivateKey: privateKey,
			Ed25519PublicKey:  publicKey,
		},
		store: store,
		log:   log,
	}, nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.WithError(err).Warn("closing database failed")
		}
	}
}

// rememberPeer upserts a peer row from a live, authenticated connection.
func (a *app) rememberPeer(peerID, deviceName, publicKey, endpoint string) {
	if deviceName == "" {
		deviceName = peerID
	}

	_, err := a.store.GetPeer(peerID)
	switch err {
	case nil:
		if updateErr := a.store.UpdatePeerStatus(peerID, storage.PeerStatusOnline, nowMilli()); updateErr != nil {
			a.log.WithError(updateErr).WithField("peer", peerID).Warn("updating peer status failed")
		}
		if deviceName != "" {
			_ = a.store.UpdatePeerDeviceName(peerID, deviceName)
		}
	case storage.ErrNotFound:
		if publicKey == "" {
			return
		}
		fingerprint := fingerprintFromB64Key(publicKey)
		addErr := a.store.AddPeer(storage.Peer{
			DeviceID:         peerID,
			DeviceName:       deviceName,
			Ed25519PublicKey: publicKey,
			KeyFingerprint:   fingerprint,
			Status:           storage.PeerStatusOnline,
		})
		if addErr != nil {
			a.log.WithError(addErr).WithField("peer", peerID).Warn("persisting peer failed")
			return
		}
	default:
		a.log.WithError(err).WithField("peer", peerID).Warn("looking up peer failed")
		return
	}

	if endpoint != "" {
		_ = a.store.UpdatePeerEndpoint(peerID, endpoint)
	}
}

func (a *app) markPeerOffline(peerID string) {
	if err := a.store.UpdatePeerStatus(peerID, storage.PeerStatusOffline, nowMilli()); err != nil && err != storage.ErrNotFound {
		a.log.WithError(err).WithField("peer", peerID).Warn("marking peer offline failed")
	}
}

// saveTransferRecord mirrors an engine record into the history table.
func (a *app) saveTransferRecord(record transfer.TransferRecord) {
	row := storage.Transfer{
		ID:        record.ID,
		FileName:  record.FileName,
		FileSize:  record.FileSize,
		FileType:  record.FileType,
		Sender:    record.Sender,
		Receiver:  record.Receiver,
		Direction: string(record.Direction),
		Status:    string(record.Status),
		Checksum:  record.Checksum,
		ChunkSize: record.ChunkSize,
		UseFEC:    record.UseFEC,
	}
	if !record.CreatedAt.IsZero() {
		row.CreatedAt = record.CreatedAt.UnixMilli()
	}
	if err := a.store.SaveTransfer(row); err != nil {
		a.log.WithError(err).WithField("transfer_id", record.ID).Warn("persisting transfer failed")
	}
}

func fingerprintFromB64Key(b64 string) string {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return ""
	}
	return crypto.KeyFingerprint(ed25519.PublicKey(raw))
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
