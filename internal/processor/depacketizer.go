package processor

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"hostfs/internal/codec"
	"hostfs/pkg/protocol"
)

// ApplyResult is the outcome of applying one chunk.
type ApplyResult int

const (
	// Continue means the chunk was written and more are expected.
	Continue ApplyResult = iota
	// Complete means the last chunk was written and the transfer is done.
	Complete
	// Corrupted means the chunk failed decoding or verification.
	Corrupted
	// WriteFailed means the destination rejected the data.
	WriteFailed
)

// String returns the string representation of ApplyResult
func (r ApplyResult) String() string {
	switch r {
	case Continue:
		return "Continue"
	case Complete:
		return "Complete"
	case Corrupted:
		return "Corrupted"
	case WriteFailed:
		return "WriteFailed"
	default:
		return "Unknown"
	}
}

var (
	// ErrTransferFinished is returned for chunks applied after the transfer ended.
	ErrTransferFinished = errors.New("transfer already finished")
	// ErrSizeMismatch indicates a chunk that does not decode to its declared size.
	ErrSizeMismatch = errors.New("chunk size mismatch")
	// ErrChecksumMismatch indicates a chunk whose CRC-32 does not match.
	ErrChecksumMismatch = errors.New("chunk checksum mismatch")
	// ErrDeclaredSize indicates the transfer length disagrees with the declared size.
	ErrDeclaredSize = errors.New("transfer does not match declared size")
	// ErrChunkTooLarge indicates a chunk above MaxChunkSize.
	ErrChunkTooLarge = errors.New("chunk too large")
)

// Depacketizer applies chunks in order to a destination stream.
type Depacketizer struct {
	dst          io.Writer
	declaredSize *int64
	decompressor codec.Decompressor

	buf          []byte
	bytesWritten int64
	finished     bool
}

// NewDepacketizer creates a depacketizer writing to dst. declaredSize may be
// nil when the sender did not announce a length.
func NewDepacketizer(dst io.Writer, declaredSize *int64, decompressor codec.Decompressor) *Depacketizer {
	if decompressor != nil {
		decompressor.Reset()
	}
	return &Depacketizer{
		dst:          dst,
		declaredSize: declaredSize,
		decompressor: decompressor,
	}
}

// ApplyChunk decodes, verifies and writes one chunk. Any result other than
// Continue ends the transfer; later chunks are rejected.
func (d *Depacketizer) ApplyChunk(chunk protocol.Chunk) (ApplyResult, error) {
	if d.finished {
		return Corrupted, ErrTransferFinished
	}

	result, err := d.apply(chunk)
	if result != Continue {
		d.finished = true
	}
	return result, err
}

func (d *Depacketizer) apply(chunk protocol.Chunk) (ApplyResult, error) {
	if chunk.Size > MaxChunkSize {
		return Corrupted, fmt.Errorf("%w: %d bytes", ErrChunkTooLarge, chunk.Size)
	}

	data, err := d.decode(chunk)
	if err != nil {
		return Corrupted, err
	}
	if crc32.ChecksumIEEE(data) != chunk.CRC32 {
		return Corrupted, fmt.Errorf("%w at offset %d", ErrChecksumMismatch, d.bytesWritten)
	}

	total := d.bytesWritten + int64(len(data))
	if d.declaredSize != nil && total > *d.declaredSize {
		return Corrupted, fmt.Errorf("%w: received %d of %d bytes", ErrDeclaredSize, total, *d.declaredSize)
	}

	if _, err := d.dst.Write(data); err != nil {
		return WriteFailed, fmt.Errorf("failed to write data: %w", err)
	}
	d.bytesWritten = total

	if !chunk.IsLast {
		return Continue, nil
	}
	if d.declaredSize != nil && d.bytesWritten != *d.declaredSize {
		return Corrupted, fmt.Errorf("%w: received %d of %d bytes", ErrDeclaredSize, d.bytesWritten, *d.declaredSize)
	}
	return Complete, nil
}

// decode returns the raw bytes of chunk.
func (d *Depacketizer) decode(chunk protocol.Chunk) ([]byte, error) {
	if !chunk.Compressed {
		if len(chunk.Payload) != int(chunk.Size) {
			return nil, fmt.Errorf("%w: raw payload is %d bytes, expected %d", ErrSizeMismatch, len(chunk.Payload), chunk.Size)
		}
		// The sender restarts its compressed stream after a raw chunk.
		if d.decompressor != nil {
			d.decompressor.Reset()
		}
		return chunk.Payload, nil
	}

	if d.decompressor == nil {
		return nil, fmt.Errorf("%w: compressed chunk without a decompressor", codec.ErrCorrupted)
	}

	size := int(chunk.Size)
	if cap(d.buf) < size {
		d.buf = make([]byte, size)
	}
	out := d.buf[:size]

	_, written, err := d.decompressor.Process(chunk.Payload, out)
	ended := errors.Is(err, io.EOF)
	if err != nil && !ended {
		return nil, err
	}
	if written != size {
		return nil, fmt.Errorf("%w: decoded %d bytes, expected %d", ErrSizeMismatch, written, size)
	}

	switch {
	case ended && !chunk.IsLast:
		return nil, fmt.Errorf("%w: stream ended before the last chunk", codec.ErrCorrupted)
	case !ended && chunk.IsLast:
		// The trailer has not been read yet; anything but a clean end is corruption.
		var probe [1]byte
		_, n, err := d.decompressor.Process(nil, probe[:])
		if !errors.Is(err, io.EOF) {
			if err == nil {
				return nil, fmt.Errorf("%w: %d trailing bytes after the last chunk", codec.ErrCorrupted, n)
			}
			return nil, err
		}
	}
	return out, nil
}

// BytesWritten returns the raw bytes written to the destination so far.
func (d *Depacketizer) BytesWritten() int64 {
	return d.bytesWritten
}
