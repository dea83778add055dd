package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// AddPeer inserts a new peer row. DeviceName and Endpoint are sealed before
// they are written.
func (s *Store) AddPeer(peer Peer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if peer.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if peer.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if peer.Status == "" {
		peer.Status = PeerStatusPending
	}
	if err := validatePeerStatus(peer.Status); err != nil {
		return err
	}
	if peer.AddedTimestamp == 0 {
		peer.AddedTimestamp = nowUnixMilli()
	}

	sealedName, err := s.sealField(peer.DeviceName)
	if err != nil {
		return err
	}
	sealedEndpoint, err := s.sealOptionalField(peer.Endpoint)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO peers (
			device_id,
			device_name,
			ed25519_public_key,
			key_fingerprint,
			status,
			added_timestamp,
			last_seen_timestamp,
			endpoint
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		peer.DeviceID,
		sealedName,
		peer.Ed25519PublicKey,
		peer.KeyFingerprint,
		peer.Status,
		peer.AddedTimestamp,
		nullInt64(peer.LastSeenTimestamp),
		sealedEndpoint,
	)
	if err != nil {
		return fmt.Errorf("insert peer %q: %w", peer.DeviceID, err)
	}

	return nil
}

// GetPeer fetches a peer by device ID.
func (s *Store) GetPeer(deviceID string) (*Peer, error) {
	row := s.db.QueryRow(
		`SELECT
			device_id,
			device_name,
			ed25519_public_key,
			key_fingerprint,
			status,
			added_timestamp,
			last_seen_timestamp,
			endpoint
		FROM peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := s.scanPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get peer %q: %w", deviceID, err)
	}

	return peer, nil
}

// ListPeers returns all peers sorted by device ID.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT
			device_id,
			device_name,
			ed25519_public_key,
			key_fingerprint,
			status,
			added_timestamp,
			last_seen_timestamp,
			endpoint
		FROM peers
		ORDER BY device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	peers := make([]Peer, 0)
	for rows.Next() {
		peer, err := s.scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, *peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// UpdatePeerStatus updates status and optionally last seen timestamp (when > 0).
func (s *Store) UpdatePeerStatus(deviceID, status string, lastSeenTimestamp int64) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if err := validatePeerStatus(status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE peers
		SET status = ?,
			last_seen_timestamp = CASE WHEN ? > 0 THEN ? ELSE last_seen_timestamp END
		WHERE device_id = ?`,
		status,
		lastSeenTimestamp,
		lastSeenTimestamp,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer status %q: %w", deviceID, err)
	}

	return requireRowAffected(res, deviceID)
}

// UpdatePeerEndpoint records the last address the peer was reached at.
func (s *Store) UpdatePeerEndpoint(deviceID, endpoint string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if endpoint == "" {
		return errors.New("endpoint is required")
	}

	sealed, err := s.sealField(endpoint)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE peers SET endpoint = ? WHERE device_id = ?`,
		sealed,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer endpoint %q: %w", deviceID, err)
	}

	return requireRowAffected(res, deviceID)
}

// UpdatePeerDeviceName renames a known peer.
func (s *Store) UpdatePeerDeviceName(deviceID, deviceName string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if deviceName == "" {
		return errors.New("device_name is required")
	}

	sealed, err := s.sealField(deviceName)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE peers SET device_name = ? WHERE device_id = ?`,
		sealed,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer device name %q: %w", deviceID, err)
	}

	return requireRowAffected(res, deviceID)
}

// UpdatePeerIdentity replaces a peer's public key and fingerprint after the
// user accepts a key change.
func (s *Store) UpdatePeerIdentity(deviceID, publicKey, fingerprint string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}
	if publicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if fingerprint == "" {
		return errors.New("key_fingerprint is required")
	}

	res, err := s.db.Exec(
		`UPDATE peers SET ed25519_public_key = ?, key_fingerprint = ? WHERE device_id = ?`,
		publicKey,
		fingerprint,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("update peer identity %q: %w", deviceID, err)
	}

	return requireRowAffected(res, deviceID)
}

// RemovePeer deletes a peer row.
func (s *Store) RemovePeer(deviceID string) error {
	if deviceID == "" {
		return errors.New("device_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove peer %q: %w", deviceID, err)
	}

	return requireRowAffected(res, deviceID)
}

// KnownPeerKeys returns device_id -> base64 Ed25519 public key for every
// stored peer, in the shape the handshake layer pins keys with.
func (s *Store) KnownPeerKeys() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT device_id, ed25519_public_key FROM peers`)
	if err != nil {
		return nil, fmt.Errorf("list peer keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var deviceID, publicKey string
		if err := rows.Scan(&deviceID, &publicKey); err != nil {
			return nil, fmt.Errorf("scan peer key row: %w", err)
		}
		keys[deviceID] = publicKey
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer key rows: %w", err)
	}

	return keys, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPeer(row scanner) (*Peer, error) {
	var (
		peer     Peer
		lastSeen sql.NullInt64
		endpoint sql.NullString
	)
	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.Status,
		&peer.AddedTimestamp,
		&lastSeen,
		&endpoint,
	); err != nil {
		return nil, err
	}

	name, err := s.openField(peer.DeviceName)
	if err != nil {
		return nil, err
	}
	peer.DeviceName = name

	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	if endpoint.Valid {
		opened, err := s.openField(endpoint.String)
		if err != nil {
			return nil, err
		}
		peer.Endpoint = &opened
	}

	return &peer, nil
}

func requireRowAffected(res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
