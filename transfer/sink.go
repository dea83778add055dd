package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// FileSource supplies file bytes in slices. Reading is an external capability:
// the engine only orchestrates it and never touches the filesystem directly.
type FileSource interface {
	ReadSlice(offset int64, length int) ([]byte, error)
	Size() int64
}

// FileSink receives reassembled bytes at their final offsets and can digest
// the assembled content for verification.
type FileSink interface {
	io.WriterAt
	Sum() (string, error)
	Close() error
}

// OsFileSource adapts an on-disk file to the FileSource contract.
type OsFileSource struct {
	file *os.File
	size int64
}

// OpenFileSource opens path for slice reads.
func OpenFileSource(path string) (*OsFileSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, errors.New("source path must be a file")
	}
	return &OsFileSource{file: file, size: info.Size()}, nil
}

// ReadSlice reads length bytes at offset; the final slice may be short.
func (s *OsFileSource) ReadSlice(offset int64, length int) ([]byte, error) {
	buffer := make([]byte, length)
	n, err := s.file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read slice at offset %d: %w", offset, err)
	}
	if n == 0 {
		return nil, io.EOF
	}
	return buffer[:n], nil
}

// Size returns the file size in bytes.
func (s *OsFileSource) Size() int64 {
	return s.size
}

// Close releases the underlying file.
func (s *OsFileSource) Close() error {
	return s.file.Close()
}

// BytesSource serves an in-memory byte slice. Used by tests and small sends.
type BytesSource struct {
	data []byte
}

// NewBytesSource wraps data as a FileSource.
func NewBytesSource(data []byte) *BytesSource {
	return &BytesSource{data: data}
}

func (s *BytesSource) ReadSlice(offset int64, length int) ([]byte, error) {
	if offset < 0 || offset >= int64(len(s.data)) {
		return nil, io.EOF
	}
	end := offset + int64(length)
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	out := make([]byte, end-offset)
	copy(out, s.data[offset:end])
	return out, nil
}

func (s *BytesSource) Size() int64 {
	return int64(len(s.data))
}

// OsFileSink assembles an incoming file in a temp path and renames it into
// place only after verification. On integrity failure the partial payload is
// retained for inspection, never silently deleted.
type OsFileSink struct {
	file      *os.File
	tempPath  string
	finalPath string
}

// CreateFileSink creates finalPath+".part" pre-sized to size bytes.
func CreateFileSink(finalPath string, size int64) (*OsFileSink, error) {
	tempPath := finalPath + ".part"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create sink file: %w", err)
	}
	if err := file.Truncate(size); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("presize sink file: %w", err)
	}
	return &OsFileSink{file: file, tempPath: tempPath, finalPath: finalPath}, nil
}

func (s *OsFileSink) WriteAt(p []byte, off int64) (int, error) {
	return s.file.WriteAt(p, off)
}

// Sum returns the hex SHA-256 of the assembled content.
func (s *OsFileSink) Sum() (string, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind sink file: %w", err)
	}
	hasher := sha256.New()
	if _, err := io.Copy(hasher, s.file); err != nil {
		return "", fmt.Errorf("hash sink file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Finalize moves the verified payload to its final path.
func (s *OsFileSink) Finalize() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close sink file: %w", err)
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		return fmt.Errorf("finalize sink file: %w", err)
	}
	return nil
}

// Close releases the file handle without renaming.
func (s *OsFileSink) Close() error {
	return s.file.Close()
}

// Path returns the destination path of the sink.
func (s *OsFileSink) Path() string {
	return s.finalPath
}

// MemorySink assembles an incoming file in memory. Used by tests.
type MemorySink struct {
	data []byte
}

// NewMemorySink allocates an in-memory sink of the given size.
func NewMemorySink(size int64) *MemorySink {
	return &MemorySink{data: make([]byte, size)}
}

func (s *MemorySink) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(s.data)) {
		return 0, fmt.Errorf("memory sink write out of range: offset %d length %d", off, len(p))
	}
	copy(s.data[off:], p)
	return len(p), nil
}

func (s *MemorySink) Sum() (string, error) {
	digest := sha256.Sum256(s.data)
	return hex.EncodeToString(digest[:]), nil
}

func (s *MemorySink) Close() error { return nil }

// Bytes exposes the assembled content.
func (s *MemorySink) Bytes() []byte { return s.data }
