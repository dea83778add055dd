package transfer

import "time"

// Status is the lifecycle state of one transfer session.
type Status string

const (
	StatusPending        Status = "pending"
	StatusTransferring   Status = "transferring"
	StatusVerifying      Status = "verifying"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusRejected       Status = "rejected"
	StatusIntegrityError Status = "integrity_error"
)

// Terminal reports whether a session in this status can no longer progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected, StatusIntegrityError:
		return true
	}
	return false
}

// FileMetadata describes one file offered for transfer. It is immutable once a
// transfer begins, except Checksum, which the sender fills in once after the
// full file has been hashed.
type FileMetadata struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Size           int64   `json:"size"`
	MimeType       string  `json:"mime_type,omitempty"`
	Checksum       string  `json:"checksum,omitempty"`
	UseFEC         bool    `json:"use_fec,omitempty"`
	FECParityRatio float64 `json:"fec_parity_ratio,omitempty"`
}

// Direction distinguishes the two sides of a session.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// TransferRecord is the externally visible state of one transfer. It is owned
// by exactly one session and mutated only by that session; callers receive
// copies.
type TransferRecord struct {
	ID            string
	FileName      string
	FileSize      int64
	FileType      string
	Sender        string
	Receiver      string
	Direction     Direction
	Progress      float64
	Status        Status
	CreatedAt     time.Time
	Checksum      string
	TransferSpeed float64
	ChunkSize     int
	UseFEC        bool
}
