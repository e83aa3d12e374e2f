package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// DefaultCompressionLevel is zlib's speed/ratio compromise.
const DefaultCompressionLevel = zlib.DefaultCompression

// ZlibCompressor implements Compressor on a zlib stream.
type ZlibCompressor struct {
	level int
	w     *zlib.Writer
	out   bytes.Buffer // compressed bytes not yet handed to the caller

	flushed  bool // no input arrived since the last flush point
	finished bool
}

// NewZlibCompressor creates a compressor at the given zlib level (-1..9).
func NewZlibCompressor(level int) (*ZlibCompressor, error) {
	c := &ZlibCompressor{level: level}
	w, err := zlib.NewWriterLevel(&c.out, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib writer: %w", err)
	}
	c.w = w
	return c, nil
}

// Process implements Compressor.
func (c *ZlibCompressor) Process(input, output []byte, mode FlushMode) (int, int, error) {
	consumed := 0
	if len(input) > 0 {
		if c.finished {
			return 0, 0, ErrStreamFinished
		}
		n, err := c.w.Write(input)
		consumed = n
		if err != nil {
			return consumed, 0, fmt.Errorf("failed to compress data: %w", err)
		}
		c.flushed = false
	}

	switch mode {
	case SyncFlush:
		if !c.flushed && !c.finished {
			if err := c.w.Flush(); err != nil {
				return consumed, 0, fmt.Errorf("failed to flush compressor: %w", err)
			}
			c.flushed = true
		}
	case Finish:
		if !c.finished {
			if err := c.w.Close(); err != nil {
				return consumed, 0, fmt.Errorf("failed to finish compressor: %w", err)
			}
			c.flushed = true
			c.finished = true
		}
	}

	written := copy(output, c.out.Next(len(output)))
	return consumed, written, nil
}

// Pending returns the number of compressed bytes waiting to be drained.
func (c *ZlibCompressor) Pending() int {
	return c.out.Len()
}

// Reset implements Compressor.
func (c *ZlibCompressor) Reset() {
	c.out.Reset()
	c.w.Reset(&c.out)
	c.flushed = false
	c.finished = false
}

// ZlibDecompressor implements Decompressor on a zlib stream.
//
// The inflater reads from an internal buffer that only ever holds what the
// caller fed; reading past it fails the stream, hence the output bound on
// Process.
type ZlibDecompressor struct {
	in  bytes.Buffer
	r   io.ReadCloser
	err error
}

// NewZlibDecompressor creates a decompressor awaiting a new zlib stream.
func NewZlibDecompressor() *ZlibDecompressor {
	return &ZlibDecompressor{}
}

// Process implements Decompressor.
func (d *ZlibDecompressor) Process(input, output []byte) (int, int, error) {
	if d.err != nil {
		return 0, 0, d.err
	}
	d.in.Write(input)
	if len(output) == 0 {
		return len(input), 0, nil
	}

	if d.r == nil {
		// The zlib header is parsed eagerly by the reader.
		if d.in.Len() < 2 {
			return len(input), 0, nil
		}
		r, err := zlib.NewReader(&d.in)
		if err != nil {
			d.err = fmt.Errorf("%w: %v", ErrCorrupted, err)
			return len(input), 0, d.err
		}
		d.r = r
	}

	written := 0
	for written < len(output) {
		n, err := d.r.Read(output[written:])
		written += n
		if errors.Is(err, io.EOF) {
			d.err = io.EOF
			return len(input), written, io.EOF
		}
		if err != nil {
			d.err = fmt.Errorf("%w: %v", ErrCorrupted, err)
			return len(input), written, d.err
		}
		if n == 0 {
			break
		}
	}
	return len(input), written, nil
}

// Reset implements Decompressor.
func (d *ZlibDecompressor) Reset() {
	if d.r != nil {
		d.r.Close()
		d.r = nil
	}
	d.in.Reset()
	d.err = nil
}
