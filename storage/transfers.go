package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveTransfer upserts one transfer row. The engine emits the same record id
// repeatedly as a session advances, so later writes overwrite status,
// checksum, and chunk size in place.
func (s *Store) SaveTransfer(transfer Transfer) error {
	if transfer.ID == "" {
		return errors.New("transfer id is required")
	}
	if transfer.FileName == "" {
		return errors.New("file_name is required")
	}
	if transfer.FileSize <= 0 {
		return errors.New("file_size must be positive")
	}
	if err := validateTransferDirection(transfer.Direction); err != nil {
		return err
	}
	if err := validateTransferStatus(transfer.Status); err != nil {
		return err
	}
	if transfer.CreatedAt == 0 {
		transfer.CreatedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			id,
			file_name,
			file_size,
			file_type,
			sender,
			receiver,
			direction,
			status,
			checksum,
			chunk_size,
			use_fec,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			checksum = excluded.checksum,
			chunk_size = excluded.chunk_size`,
		transfer.ID,
		transfer.FileName,
		transfer.FileSize,
		transfer.FileType,
		transfer.Sender,
		transfer.Receiver,
		transfer.Direction,
		transfer.Status,
		transfer.Checksum,
		transfer.ChunkSize,
		transfer.UseFEC,
		transfer.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q: %w", transfer.ID, err)
	}

	return nil
}

// GetTransfer fetches one transfer by id.
func (s *Store) GetTransfer(id string) (*Transfer, error) {
	row := s.db.QueryRow(
		`SELECT
			id,
			file_name,
			file_size,
			file_type,
			sender,
			receiver,
			direction,
			status,
			checksum,
			chunk_size,
			use_fec,
			created_at
		FROM transfers
		WHERE id = ?`,
		id,
	)

	transfer, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q: %w", id, err)
	}

	return transfer, nil
}

// ListTransfers returns the most recent transfers, newest first. limit <= 0
// returns everything.
func (s *Store) ListTransfers(limit int) ([]Transfer, error) {
	query := `SELECT
			id,
			file_name,
			file_size,
			file_type,
			sender,
			receiver,
			direction,
			status,
			checksum,
			chunk_size,
			use_fec,
			created_at
		FROM transfers
		ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// ListTransfersWithPeer returns transfers where the peer was either side,
// newest first.
func (s *Store) ListTransfersWithPeer(deviceID string, limit int) ([]Transfer, error) {
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}

	query := `SELECT
			id,
			file_name,
			file_size,
			file_type,
			sender,
			receiver,
			direction,
			status,
			checksum,
			chunk_size,
			use_fec,
			created_at
		FROM transfers
		WHERE sender = ? OR receiver = ?
		ORDER BY created_at DESC, id`
	args := []any{deviceID, deviceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers with peer %q: %w", deviceID, err)
	}
	defer rows.Close()

	transfers := make([]Transfer, 0)
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		transfers = append(transfers, *transfer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfer rows: %w", err)
	}

	return transfers, nil
}

// RemoveTransfer deletes one transfer row.
func (s *Store) RemoveTransfer(id string) error {
	if id == "" {
		return errors.New("transfer id is required")
	}

	res, err := s.db.Exec(`DELETE FROM transfers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove transfer %q: %w", id, err)
	}

	return requireRowAffected(res, id)
}

func scanTransfer(row scanner) (*Transfer, error) {
	var transfer Transfer
	if err := row.Scan(
		&transfer.ID,
		&transfer.FileName,
		&transfer.FileSize,
		&transfer.FileType,
		&transfer.Sender,
		&transfer.Receiver,
		&transfer.Direction,
		&transfer.Status,
		&transfer.Checksum,
		&transfer.ChunkSize,
		&transfer.UseFEC,
		&transfer.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &transfer, nil
}
