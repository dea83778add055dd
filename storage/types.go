package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// PeerStatusOnline marks a peer with a live connection.
	PeerStatusOnline = "online"
	// PeerStatusOffline marks a known peer that is currently unreachable.
	PeerStatusOffline = "offline"
	// PeerStatusPending marks a peer seen but not yet paired.
	PeerStatusPending = "pending"
	// PeerStatusBlocked marks a peer the user refused.
	PeerStatusBlocked = "blocked"
)

const (
	transferDirectionSend    = "send"
	transferDirectionReceive = "receive"
)

const (
	transferStatusPending        = "pending"
	transferStatusTransferring   = "transferring"
	transferStatusVerifying      = "verifying"
	transferStatusCompleted      = "completed"
	transferStatusFailed         = "failed"
	transferStatusRejected       = "rejected"
	transferStatusIntegrityError = "integrity_error"
)

// Peer is the SQLite representation of a known remote device. DeviceName and
// Endpoint are sealed at rest when the store carries a storage key.
type Peer struct {
	DeviceID          string
	DeviceName        string
	Ed25519PublicKey  string
	KeyFingerprint    string
	Status            string
	AddedTimestamp    int64
	LastSeenTimestamp *int64
	Endpoint          *string
}

// Transfer is the SQLite representation of one finished or in-flight file
// transfer, mirroring what the engine reports per session.
type Transfer struct {
	ID        string
	FileName  string
	FileSize  int64
	FileType  string
	Sender    string
	Receiver  string
	Direction string
	Status    string
	Checksum  string
	ChunkSize int
	UseFEC    bool
	CreatedAt int64
}

func validatePeerStatus(status string) error {
	switch status {
	case PeerStatusOnline, PeerStatusOffline, PeerStatusPending, PeerStatusBlocked:
		return nil
	default:
		return fmt.Errorf("invalid peer status %q", status)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case transferDirectionSend, transferDirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case transferStatusPending, transferStatusTransferring, transferStatusVerifying,
		transferStatusCompleted, transferStatusFailed, transferStatusRejected,
		transferStatusIntegrityError:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
