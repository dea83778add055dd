package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const speedSmoothing = 0.3

// Session owns the state machine of exactly one file transfer, sender or
// receiver side. All mutable transfer state lives here; the registry only
// routes messages to it. Callers never receive the session itself, only
// snapshots of its TransferRecord.
type Session struct {
	registry  *Registry
	log       *logrus.Entry
	peerID    string
	direction Direction

	cancelled atomic.Bool

	mu     sync.Mutex
	meta   FileMetadata
	record TransferRecord

	// sender side
	source FileSource

	// receiver side
	asm  *Assembler
	sink FileSink

	lastProgressAt time.Time
	lastBytes      int64
}

func newSession(r *Registry, peerID string, meta FileMetadata, direction Direction) *Session {
	sender, receiver := r.options.SelfID, peerID
	if direction == DirectionReceive {
		sender, receiver = peerID, r.options.SelfID
	}
	return &Session{
		registry:  r,
		log:       r.log.WithField("transfer_id", meta.ID).WithField("peer", peerID),
		peerID:    peerID,
		direction: direction,
		meta:      meta,
		record: TransferRecord{
			ID:        meta.ID,
			FileName:  meta.Name,
			FileSize:  meta.Size,
			FileType:  meta.MimeType,
			Sender:    sender,
			Receiver:  receiver,
			Direction: direction,
			Status:    StatusPending,
			CreatedAt: time.Now(),
			UseFEC:    meta.UseFEC,
		},
	}
}

// Record returns a snapshot of the transfer record.
func (s *Session) Record() TransferRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

// sliceReader reads file slices on a background goroutine so large-file
// slicing never blocks the caller's event flow. Communication is pure message
// passing; the reader owns the source for its lifetime.
type sliceReader struct {
	requests chan sliceRequest
	results  chan sliceResult
	stopOnce sync.Once
}

type sliceRequest struct {
	offset int64
	length int
}

type sliceResult struct {
	data []byte
	err  error
}

func newSliceReader(source FileSource) *sliceReader {
	r := &sliceReader{
		requests: make(chan sliceRequest),
		results:  make(chan sliceResult),
	}
	go func() {
		for req := range r.requests {
			data, err := source.ReadSlice(req.offset, req.length)
			r.results <- sliceResult{data: data, err: err}
		}
		close(r.results)
	}()
	return r
}

func (r *sliceReader) read(offset int64, length int) ([]byte, error) {
	r.requests <- sliceRequest{offset: offset, length: length}
	res := <-r.results
	return res.data, res.err
}

func (r *sliceReader) stop() {
	r.stopOnce.Do(func() {
		close(r.requests)
	})
}

// runSender streams the file as ordered chunk messages, parity trailing per
// block, then sends file-complete carrying the whole-file checksum. Chunk size
// adjustments from the rate controller take effect at block boundaries so
// every block stays self-describing on the wire.
func (s *Session) runSender(rate *RateController, chunkSize int) {
	reader := newSliceReader(s.source)
	defer reader.stop()

	s.transition(StatusTransferring)

	parityRatio := 0.0
	if s.meta.UseFEC {
		parityRatio = s.meta.FECParityRatio
	}
	width := DataChunksPerBlock(parityRatio)

	size := s.meta.Size
	if rate != nil {
		chunkSize = rate.NextChunkSize()
	}
	s.setChunkSize(chunkSize)
	// Advisory once sizing is adaptive; exact when the chunk size is fixed.
	totalChunks := int((size + int64(chunkSize) - 1) / int64(chunkSize))

	hasher := sha256.New()
	offset := int64(0)
	index := 0
	var sent int64

	for offset < size {
		stride := chunkSize
		if rate != nil {
			stride = rate.NextChunkSize()
			s.setChunkSize(stride)
		}

		remaining := size - offset
		chunksLeft := int((remaining + int64(stride) - 1) / int64(stride))
		blockData := width
		if chunksLeft < blockData {
			blockData = chunksLeft
		}
		parityCount := 0
		if parityRatio > 0 {
			parityCount = int(float64(blockData)*parityRatio + 0.999999)
			if parityCount < 1 {
				parityCount = 1
			}
		}

		blockOffset := offset
		var parityBuf []byte
		if parityCount > 0 {
			parityBuf = make([]byte, stride)
		}
		var chunkMap ChunkBitmap

		for p := 0; p < blockData && offset < size; p++ {
			if s.cancelled.Load() {
				s.fail("transfer cancelled")
				return
			}

			length := stride
			if rest := size - offset; rest < int64(length) {
				length = int(rest)
			}
			payload, err := reader.read(offset, length)
			if err != nil {
				s.log.WithError(err).Error("reading source slice failed")
				s.fail("source read failed")
				return
			}

			hasher.Write(payload)
			if parityBuf != nil {
				xorInto(parityBuf, payload)
			}
			chunkMap.Set(p)

			start := time.Now()
			ok := s.registry.send(s.peerID, &FileChunkMessage{
				Type:        KindFileChunk,
				TransferID:  s.meta.ID,
				Index:       index,
				TotalChunks: totalChunks,
				Payload:     payload,
				ChunkMap:    chunkMap.Clone(),
				BlockOffset: blockOffset,
				BlockSize:   blockData,
			})
			if !ok {
				s.fail("peer unreachable")
				return
			}
			if rate != nil {
				rate.Observe(len(payload), time.Since(start))
			}

			offset += int64(len(payload))
			sent += int64(len(payload))
			index++
			s.updateProgress(sent)
		}

		for pi := 0; pi < parityCount; pi++ {
			if s.cancelled.Load() {
				s.fail("transfer cancelled")
				return
			}
			ok := s.registry.send(s.peerID, &FileChunkMessage{
				Type:              KindFileChunk,
				TransferID:        s.meta.ID,
				Index:             index,
				TotalChunks:       totalChunks,
				Payload:           append([]byte(nil), parityBuf...),
				IsParityChunk:     true,
				ParityIndex:       pi,
				TotalParityChunks: parityCount,
				ChunkMap:          chunkMap.Clone(),
				BlockOffset:       blockOffset,
				BlockSize:         blockData,
			})
			if !ok {
				s.fail("peer unreachable")
				return
			}
			index++
		}
	}

	checksum := hex.EncodeToString(hasher.Sum(nil))
	s.mu.Lock()
	s.meta.Checksum = checksum
	s.record.Checksum = checksum
	s.mu.Unlock()

	if !s.registry.send(s.peerID, &FileCompleteMessage{
		Type:       KindFileComplete,
		TransferID: s.meta.ID,
		Checksum:   checksum,
	}) {
		s.fail("peer unreachable")
		return
	}

	if s.cancelled.Load() {
		return
	}
	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.record.Progress = 100
	s.record.Status = StatusCompleted
	snapshot := s.record
	s.mu.Unlock()
	s.log.WithField("chunks", index).Info("file sent")
	s.registry.emitUpdate(snapshot)
}

// handleChunk folds one inbound chunk into the assembler. Malformed chunks are
// logged and dropped without disturbing the session.
func (s *Session) handleChunk(msg *FileChunkMessage) {
	if s.cancelled.Load() {
		return
	}

	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	transitioned := false
	if s.record.Status == StatusPending {
		s.record.Status = StatusTransferring
		transitioned = true
	}

	confirmed, err := s.asm.Absorb(msg)
	if err != nil {
		s.mu.Unlock()
		s.log.WithError(err).Warn("dropping malformed chunk")
		return
	}

	var snapshot TransferRecord
	emit := transitioned
	if confirmed > 0 {
		total := s.asm.BytesConfirmed()
		progress := float64(total) / float64(s.meta.Size) * 100
		if progress > s.record.Progress {
			s.record.Progress = progress
		}
		s.observeSpeed(total)
		emit = true
	}
	snapshot = s.record
	s.mu.Unlock()

	if emit {
		s.registry.emitUpdate(snapshot)
	}
}

// handleComplete runs verification: every block must have been flushed (or
// reconstructed) and the assembled digest must match the sender's checksum.
func (s *Session) handleComplete(msg *FileCompleteMessage) {
	if s.cancelled.Load() {
		return
	}

	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.record.Status = StatusVerifying
	s.meta.Checksum = msg.Checksum
	verifying := s.record
	s.mu.Unlock()
	s.registry.emitUpdate(verifying)

	if err := s.asm.Finalize(); err != nil {
		s.log.WithError(err).Warn("block assembly incomplete")
		s.integrityError()
		return
	}

	sum, err := s.sink.Sum()
	if err != nil {
		s.log.WithError(err).Error("hashing assembled file failed")
		s.fail("checksum computation failed")
		return
	}
	if !strings.EqualFold(sum, msg.Checksum) {
		s.log.WithFields(logrus.Fields{"got": sum, "want": msg.Checksum}).Warn("checksum mismatch")
		s.integrityError()
		return
	}

	s.mu.Lock()
	s.record.Progress = 100
	s.record.Status = StatusCompleted
	s.record.Checksum = sum
	snapshot := s.record
	s.mu.Unlock()
	s.log.Info("file received and verified")
	s.registry.emitUpdate(snapshot)
}

// cancel moves a non-terminal session straight to failed and releases its
// buffers. The flag is observed before each chunk is sent or accepted.
func (s *Session) cancel() {
	s.cancelled.Store(true)
	s.terminate(StatusFailed, "transfer cancelled")
}

func (s *Session) fail(reason string) {
	s.terminate(StatusFailed, reason)
}

func (s *Session) reject() {
	s.terminate(StatusRejected, "rejected by peer")
}

func (s *Session) integrityError() {
	// The assembled payload is retained for inspection, not auto-deleted.
	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.record.Status = StatusIntegrityError
	snapshot := s.record
	s.mu.Unlock()
	s.registry.emitUpdate(snapshot)
}

func (s *Session) terminate(status Status, reason string) {
	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.record.Status = status
	if s.asm != nil {
		s.asm.Release()
	}
	if s.sink != nil {
		_ = s.sink.Close()
	}
	snapshot := s.record
	s.mu.Unlock()
	s.log.WithField("reason", reason).WithField("status", status).Info("transfer ended")
	s.registry.emitUpdate(snapshot)
}

func (s *Session) transition(status Status) {
	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.record.Status = status
	snapshot := s.record
	s.mu.Unlock()
	s.registry.emitUpdate(snapshot)
}

func (s *Session) setChunkSize(size int) {
	s.mu.Lock()
	s.record.ChunkSize = size
	s.mu.Unlock()
}

// updateProgress is the sender-side progress path. Progress never decreases,
// and terminal sessions stop emitting.
func (s *Session) updateProgress(sent int64) {
	s.mu.Lock()
	if s.record.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	progress := float64(sent) / float64(s.meta.Size) * 100
	if progress > s.record.Progress {
		s.record.Progress = progress
	}
	s.observeSpeed(sent)
	snapshot := s.record
	s.mu.Unlock()
	s.registry.emitUpdate(snapshot)
}

// observeSpeed maintains an exponentially smoothed bytes/sec estimate.
// Callers hold s.mu.
func (s *Session) observeSpeed(totalBytes int64) {
	now := time.Now()
	if s.lastProgressAt.IsZero() {
		s.lastProgressAt = now
		s.lastBytes = totalBytes
		return
	}
	elapsed := now.Sub(s.lastProgressAt).Seconds()
	if elapsed <= 0 {
		return
	}
	instant := float64(totalBytes-s.lastBytes) / elapsed
	if s.record.TransferSpeed == 0 {
		s.record.TransferSpeed = instant
	} else {
		s.record.TransferSpeed = s.record.TransferSpeed*(1-speedSmoothing) + instant*speedSmoothing
	}
	s.lastProgressAt = now
	s.lastBytes = totalBytes
}
