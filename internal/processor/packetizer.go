// Package processor turns file streams into ordered transfer chunks and back.
package processor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"hostfs/internal/codec"
	"hostfs/pkg/protocol"
)

// MaxChunkSize bounds the raw size of a single chunk on both sides.
const MaxChunkSize = 4 << 20

var (
	// ErrNoMoreChunks is returned by NextChunk after the last chunk was produced.
	ErrNoMoreChunks = errors.New("no more chunks")
	// ErrInvalidChunkSize is returned for chunk sizes outside 1..MaxChunkSize.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// Packetizer reads a source stream sequentially and produces bounded chunks,
// each compressed when that makes it smaller.
type Packetizer struct {
	src        *bufio.Reader
	chunkSize  int
	compressor codec.Compressor

	raw     []byte
	scratch []byte
	packed  bytes.Buffer

	done           bool
	bytesRead      int64
	chunksProduced int
}

// NewPacketizer creates a packetizer over src. A nil compressor sends every
// chunk raw.
func NewPacketizer(src io.Reader, chunkSize int, compressor codec.Compressor) (*Packetizer, error) {
	if chunkSize <= 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, chunkSize)
	}
	if compressor != nil {
		compressor.Reset()
	}

	return &Packetizer{
		src:        bufio.NewReaderSize(src, chunkSize),
		chunkSize:  chunkSize,
		compressor: compressor,
		raw:        make([]byte, chunkSize),
		scratch:    make([]byte, 32*1024),
	}, nil
}

// HasMore reports whether NextChunk will produce another chunk.
func (p *Packetizer) HasMore() bool {
	return !p.done
}

// NextChunk reads up to chunkSize bytes and packs them into a chunk. IsLast is
// set exactly on the chunk after which HasMore returns false.
func (p *Packetizer) NextChunk() (protocol.Chunk, error) {
	if p.done {
		return protocol.Chunk{}, ErrNoMoreChunks
	}

	n, err := io.ReadFull(p.src, p.raw)
	last := false
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		last = true
	case err != nil:
		return protocol.Chunk{}, fmt.Errorf("failed to read source: %w", err)
	default:
		// Full read: peek to learn whether the source ends here.
		if _, err := p.src.Peek(1); errors.Is(err, io.EOF) {
			last = true
		} else if err != nil {
			return protocol.Chunk{}, fmt.Errorf("failed to read source: %w", err)
		}
	}

	data := p.raw[:n]
	chunk := protocol.Chunk{
		IsLast: last,
		Size:   uint32(n),
		CRC32:  crc32.ChecksumIEEE(data),
	}

	payload, compressed, err := p.pack(data, last)
	if err != nil {
		return protocol.Chunk{}, err
	}
	chunk.Payload = payload
	chunk.Compressed = compressed

	p.bytesRead += int64(n)
	p.chunksProduced++
	p.done = last
	return chunk, nil
}

// pack returns the payload for data and whether it is compressed.
func (p *Packetizer) pack(data []byte, last bool) ([]byte, bool, error) {
	if p.compressor == nil || len(data) == 0 {
		return bytes.Clone(data), false, nil
	}

	mode := codec.SyncFlush
	if last {
		mode = codec.Finish
	}

	p.packed.Reset()
	input := data
	for {
		consumed, written, err := p.compressor.Process(input, p.scratch, mode)
		if err != nil {
			return nil, false, fmt.Errorf("failed to compress chunk: %w", err)
		}
		input = input[consumed:]
		p.packed.Write(p.scratch[:written])
		if len(input) == 0 && written < len(p.scratch) {
			break
		}
	}

	if p.packed.Len() >= len(data) {
		// Not worth it. The receiver restarts its stream on raw chunks.
		p.compressor.Reset()
		return bytes.Clone(data), false, nil
	}
	return bytes.Clone(p.packed.Bytes()), true, nil
}

// BytesRead returns the raw bytes consumed from the source so far.
func (p *Packetizer) BytesRead() int64 {
	return p.bytesRead
}

// ChunksProduced returns the number of chunks returned by NextChunk.
func (p *Packetizer) ChunksProduced() int {
	return p.chunksProduced
}
