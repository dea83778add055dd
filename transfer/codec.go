package transfer

import (
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrBlockUnrecoverable indicates a block is missing more chunks than its
	// received parity can reconstruct.
	ErrBlockUnrecoverable = errors.New("transfer: block losses exceed parity coverage")
	// ErrShortFile indicates fewer bytes were assembled than the metadata declared.
	ErrShortFile = errors.New("transfer: assembled bytes short of declared size")
	// ErrChunkOutOfRange indicates a chunk position outside its block geometry.
	ErrChunkOutOfRange = errors.New("transfer: chunk position out of range")
)

// BlockPlan describes one block of consecutive data chunks sharing a parity set.
type BlockPlan struct {
	Index        int
	Offset       int64
	Stride       int
	DataChunks   int
	ParityChunks int
	Length       int64
}

// Plan is the deterministic partition of a byte range into blocks and chunks.
type Plan struct {
	FileSize          int64
	ChunkSize         int
	ParityRatio       float64
	Blocks            []BlockPlan
	TotalDataChunks   int
	TotalParityChunks int
}

// DataChunksPerBlock returns the block width for a parity ratio: ceil(1/ratio)
// data chunks share one parity set, so each block earns exactly
// ceil(ratio*width) parity chunks. A ratio of zero disables blocking: every
// chunk is its own single-slot block.
func DataChunksPerBlock(parityRatio float64) int {
	if parityRatio <= 0 {
		return 1
	}
	width := int(math.Ceil(1 / parityRatio))
	if width < 1 {
		width = 1
	}
	return width
}

// BuildPlan partitions [0, fileSize) into consecutive blocks of chunkSize-byte
// data chunks. With parityRatio > 0 each block additionally yields
// ceil(parityRatio*dataChunksInBlock) parity chunks, each the byte-wise XOR of
// the block's data chunks. The last chunk, and therefore the last block, may be
// short; byte bookkeeping always uses fileSize, never chunk arithmetic.
func BuildPlan(fileSize int64, chunkSize int, parityRatio float64) (*Plan, error) {
	if fileSize <= 0 {
		return nil, fmt.Errorf("build plan: file size must be positive, got %d", fileSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("build plan: chunk size must be positive, got %d", chunkSize)
	}
	if parityRatio < 0 || parityRatio > 1 {
		return nil, fmt.Errorf("build plan: parity ratio out of range: %v", parityRatio)
	}

	plan := &Plan{
		FileSize:    fileSize,
		ChunkSize:   chunkSize,
		ParityRatio: parityRatio,
	}

	width := DataChunksPerBlock(parityRatio)
	offset := int64(0)
	for block := 0; offset < fileSize; block++ {
		remaining := fileSize - offset
		chunksLeft := int((remaining + int64(chunkSize) - 1) / int64(chunkSize))
		dataChunks := width
		if chunksLeft < dataChunks {
			dataChunks = chunksLeft
		}

		length := int64(dataChunks) * int64(chunkSize)
		if length > remaining {
			length = remaining
		}

		parityChunks := 0
		if parityRatio > 0 {
			parityChunks = int(math.Ceil(parityRatio * float64(dataChunks)))
		}

		plan.Blocks = append(plan.Blocks, BlockPlan{
			Index:        block,
			Offset:       offset,
			Stride:       chunkSize,
			DataChunks:   dataChunks,
			ParityChunks: parityChunks,
			Length:       length,
		})
		plan.TotalDataChunks += dataChunks
		plan.TotalParityChunks += parityChunks
		offset += length
	}

	return plan, nil
}

// ChunkLength returns the byte length of the data chunk at position p of a block.
func (b BlockPlan) ChunkLength(p int) int {
	start := int64(p) * int64(b.Stride)
	remaining := b.Length - start
	if remaining <= 0 {
		return 0
	}
	if remaining < int64(b.Stride) {
		return int(remaining)
	}
	return b.Stride
}

// xorInto folds src into dst byte-wise. Short sources are treated as
// zero-padded to len(dst).
func xorInto(dst, src []byte) {
	n := len(src)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= src[i]
	}
}

// blockAssembly is the receive-side state of one block.
type blockAssembly struct {
	offset    int64
	slots     int
	stride    int
	data      [][]byte
	have      ChunkBitmap
	haveCount int
	parity    [][]byte
	flushed   bool
}

// Assembler reassembles a file from chunk messages, reconstructing single
// losses per block from XOR parity. All bytes land in the sink at their final
// offsets; BytesConfirmed only advances when a whole block has been flushed.
type Assembler struct {
	fileSize       int64
	sink           io.WriterAt
	blocks         map[int64]*blockAssembly
	bytesConfirmed int64
}

// NewAssembler creates an assembler writing reassembled blocks into sink.
func NewAssembler(fileSize int64, sink io.WriterAt) *Assembler {
	return &Assembler{
		fileSize: fileSize,
		sink:     sink,
		blocks:   make(map[int64]*blockAssembly),
	}
}

// BytesConfirmed returns the number of bytes flushed to the sink so far.
func (a *Assembler) BytesConfirmed() int64 {
	return a.bytesConfirmed
}

// Absorb folds one chunk message into its block's assembly buffer and flushes
// the block when it is complete or reconstructable. It returns the number of
// newly confirmed bytes (zero while the block is still open).
func (a *Assembler) Absorb(msg *FileChunkMessage) (int64, error) {
	if msg.BlockSize <= 0 || msg.BlockOffset < 0 || msg.BlockOffset >= a.fileSize {
		return 0, fmt.Errorf("%w: block offset %d size %d", ErrChunkOutOfRange, msg.BlockOffset, msg.BlockSize)
	}

	block, ok := a.blocks[msg.BlockOffset]
	if !ok {
		block = &blockAssembly{
			offset: msg.BlockOffset,
			slots:  msg.BlockSize,
			data:   make([][]byte, msg.BlockSize),
		}
		a.blocks[msg.BlockOffset] = block
	}
	if block.flushed {
		return 0, nil
	}

	if msg.IsParityChunk {
		block.parity = append(block.parity, msg.Payload)
		if block.stride == 0 {
			// Parity is always padded to the block's chunk stride.
			block.stride = len(msg.Payload)
		}
	} else {
		position := msg.ChunkMap.Highest()
		if position < 0 {
			position = block.haveCount
		}
		if position >= block.slots {
			return 0, fmt.Errorf("%w: position %d of %d", ErrChunkOutOfRange, position, block.slots)
		}
		if block.have.Has(position) {
			return 0, nil
		}
		block.data[position] = msg.Payload
		block.have.Set(position)
		block.haveCount++

		// Every data chunk but the file's final one is exactly one stride long.
		end := msg.BlockOffset + int64(position+1)*int64(len(msg.Payload))
		if block.stride == 0 && (position < block.slots-1 || end < a.fileSize || block.slots == 1) {
			block.stride = len(msg.Payload)
		}
	}

	return a.tryFlush(block)
}

// tryFlush writes the block to the sink once all data slots are present, or
// once exactly one slot is missing and a parity chunk can reconstruct it.
func (a *Assembler) tryFlush(block *blockAssembly) (int64, error) {
	if block.flushed {
		return 0, nil
	}

	missing := block.slots - block.haveCount
	if missing > 0 {
		if missing > len(block.parity) || missing > 1 {
			return 0, nil
		}
		if !a.reconstruct(block) {
			return 0, nil
		}
	}

	if block.slots > 1 && block.stride == 0 {
		return 0, nil
	}

	var confirmed int64
	for p := 0; p < block.slots; p++ {
		payload := block.data[p]
		offset := block.offset + int64(p)*int64(block.stride)
		if _, err := a.sink.WriteAt(payload, offset); err != nil {
			return confirmed, fmt.Errorf("write block at %d: %w", offset, err)
		}
		confirmed += int64(len(payload))
	}

	block.flushed = true
	block.data = nil
	block.parity = nil
	a.bytesConfirmed += confirmed
	return confirmed, nil
}

// reconstruct rebuilds the single missing data chunk of a block by XORing the
// parity chunk with every present data chunk. Chunk-local losses recovered
// here are resolved silently; anything beyond one missing slot per parity is
// left for Finalize to escalate.
func (a *Assembler) reconstruct(block *blockAssembly) bool {
	if block.stride == 0 || len(block.parity) == 0 {
		return false
	}

	hole := -1
	for p := 0; p < block.slots; p++ {
		if !block.have.Has(p) {
			hole = p
			break
		}
	}
	if hole < 0 {
		return false
	}

	rebuilt := make([]byte, block.stride)
	copy(rebuilt, block.parity[0])
	for p := 0; p < block.slots; p++ {
		if block.have.Has(p) {
			xorInto(rebuilt, block.data[p])
		}
	}

	length := int64(block.stride)
	if tail := a.fileSize - (block.offset + int64(hole)*int64(block.stride)); tail < length {
		length = tail
	}
	if length <= 0 {
		return false
	}

	block.data[hole] = rebuilt[:length]
	block.have.Set(hole)
	block.haveCount++
	return true
}

// Finalize verifies that every block was flushed and the full byte count
// reached the sink. Unflushed blocks at this point are unrecoverable: more
// chunks were lost than the parity present could cover.
func (a *Assembler) Finalize() error {
	for _, block := range a.blocks {
		if !block.flushed {
			return fmt.Errorf("%w: block at offset %d has %d of %d chunks",
				ErrBlockUnrecoverable, block.offset, block.haveCount, block.slots)
		}
	}
	if a.bytesConfirmed != a.fileSize {
		return fmt.Errorf("%w: confirmed %d of %d bytes", ErrShortFile, a.bytesConfirmed, a.fileSize)
	}
	return nil
}

// Release drops all block buffers. Used on cancellation and terminal failures.
func (a *Assembler) Release() {
	a.blocks = make(map[int64]*blockAssembly)
}
