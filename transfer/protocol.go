package transfer

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire message kinds. Dispatch in the registry is an exhaustive switch over
// these values; unknown kinds are logged and dropped.
const (
	KindFileRequest  = "file-request"
	KindFileAccept   = "file-accept"
	KindFileReject   = "file-reject"
	KindFileChunk    = "file-chunk"
	KindFileComplete = "file-complete"
)

var (
	// ErrInvalidMessageKind indicates the kind field is missing from a payload.
	ErrInvalidMessageKind = errors.New("transfer: invalid message kind")
)

// Envelope extracts the kind tag of a wire message.
type Envelope struct {
	Type string `json:"type"`
}

// PeerInfo identifies the originator of a file request.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// FileRequestMessage offers a file to a peer.
type FileRequestMessage struct {
	Type     string       `json:"type"`
	Metadata FileMetadata `json:"metadata"`
	From     PeerInfo     `json:"from"`
}

// FileAcceptMessage accepts an offered file.
type FileAcceptMessage struct {
	Type     string       `json:"type"`
	Metadata FileMetadata `json:"metadata"`
}

// FileRejectMessage declines an offered file.
type FileRejectMessage struct {
	Type     string       `json:"type"`
	Metadata FileMetadata `json:"metadata"`
	Reason   string       `json:"reason,omitempty"`
}

// FileChunkMessage carries one data or parity chunk. Instances are ephemeral:
// they are folded into the receiving session's block buffers and not retained.
//
// BlockOffset and BlockSize make each block self-describing so the receiver
// never depends on chunk sizes negotiated out of band. ChunkMap is cumulative
// on data chunks (all in-block indices emitted so far, this one included); on
// parity chunks it declares the exact data-chunk set the parity was computed
// over.
type FileChunkMessage struct {
	Type              string     `json:"type"`
	TransferID        string     `json:"transfer_id"`
	Index             int        `json:"index"`
	TotalChunks       int        `json:"total_chunks"`
	Payload           []byte     `json:"payload"`
	IsParityChunk     bool       `json:"is_parity_chunk,omitempty"`
	ParityIndex       int        `json:"parity_index,omitempty"`
	TotalParityChunks int        `json:"total_parity_chunks,omitempty"`
	ChunkMap          ChunkBitmap `json:"chunk_map,omitempty"`
	BlockOffset       int64      `json:"block_offset"`
	BlockSize         int        `json:"block_size"`
}

// FileCompleteMessage carries the sender's whole-file checksum after the last
// chunk and asks the receiver to verify.
type FileCompleteMessage struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Checksum   string `json:"checksum"`
}

// EncodeMessage marshals a protocol message to its wire form.
func EncodeMessage(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal transfer message: %w", err)
	}
	return payload, nil
}

// DecodeKind extracts the kind tag from a wire payload.
func DecodeKind(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode transfer envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageKind
	}
	return envelope.Type, nil
}

// ChunkBitmap is a little-endian bitset of in-block chunk indices.
type ChunkBitmap []uint64

// Set marks index i as present.
func (b *ChunkBitmap) Set(i int) {
	word := i / 64
	for len(*b) <= word {
		*b = append(*b, 0)
	}
	(*b)[word] |= 1 << uint(i%64)
}

// Has reports whether index i is marked present.
func (b ChunkBitmap) Has(i int) bool {
	word := i / 64
	if word >= len(b) {
		return false
	}
	return b[word]&(1<<uint(i%64)) != 0
}

// Count returns the number of marked indices.
func (b ChunkBitmap) Count() int {
	count := 0
	for _, word := range b {
		for ; word != 0; word &= word - 1 {
			count++
		}
	}
	return count
}

// Highest returns the largest marked index, or -1 for an empty bitmap.
func (b ChunkBitmap) Highest() int {
	for word := len(b) - 1; word >= 0; word-- {
		if b[word] == 0 {
			continue
		}
		for bit := 63; bit >= 0; bit-- {
			if b[word]&(1<<uint(bit)) != 0 {
				return word*64 + bit
			}
		}
	}
	return -1
}

// Clone returns an independent copy.
func (b ChunkBitmap) Clone() ChunkBitmap {
	if b == nil {
		return nil
	}
	return append(ChunkBitmap(nil), b...)
}
