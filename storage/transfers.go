package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"

	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// ErrNotFound indicates a missing transfer row.
var ErrNotFound = errors.New("storage: not found")

// TransferRecord is one finished transfer, kept for history listings.
type TransferRecord struct {
	ID           string
	Direction    string
	Peer         string
	RelativePath string
	SavedPath    string
	Size         int64
	SHA256Hex    string
	Status       string
	ResumedFrom  int64
	Timestamp    int64
}

func (r TransferRecord) validate() error {
	if r.ID == "" {
		return errors.New("transfer id is required")
	}
	if r.Direction != DirectionSend && r.Direction != DirectionReceive {
		return fmt.Errorf("invalid direction %q", r.Direction)
	}
	if r.RelativePath == "" {
		return errors.New("relative path is required")
	}
	if r.Status != StatusComplete && r.Status != StatusFailed {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	return nil
}

// SaveTransfer inserts one terminal transfer record.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if err := record.validate(); err != nil {
		return err
	}

	_, err := s.db.Exec(`
INSERT INTO transfers (id, direction, peer, relative_path, saved_path, size, sha256, status, resumed_from, timestamp)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.Direction, record.Peer, record.RelativePath, record.SavedPath,
		record.Size, record.SHA256Hex, record.Status, record.ResumedFrom, record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// GetTransfer loads one transfer by ID.
func (s *Store) GetTransfer(id string) (TransferRecord, error) {
	row := s.db.QueryRow(`
SELECT id, direction, peer, relative_path, saved_path, size, sha256, status, resumed_from, timestamp
FROM transfers WHERE id = ?`, id)

	var record TransferRecord
	err := row.Scan(&record.ID, &record.Direction, &record.Peer, &record.RelativePath,
		&record.SavedPath, &record.Size, &record.SHA256Hex, &record.Status,
		&record.ResumedFrom, &record.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return TransferRecord{}, ErrNotFound
	}
	if err != nil {
		return TransferRecord{}, fmt.Errorf("load transfer %q: %w", id, err)
	}
	return record, nil
}

// RecentTransfers lists the newest transfers first, up to limit.
func (s *Store) RecentTransfers(limit int) ([]TransferRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(`
SELECT id, direction, peer, relative_path, saved_path, size, sha256, status, resumed_from, timestamp
FROM transfers ORDER BY timestamp DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	records := make([]TransferRecord, 0, limit)
	for rows.Next() {
		var record TransferRecord
		if err := rows.Scan(&record.ID, &record.Direction, &record.Peer, &record.RelativePath,
			&record.SavedPath, &record.Size, &record.SHA256Hex, &record.Status,
			&record.ResumedFrom, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan transfer row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return records, nil
}
