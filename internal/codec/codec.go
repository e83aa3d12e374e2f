// Package codec provides streaming compressor and decompressor primitives
// with explicit flush control, used to compress file chunks in flight.
package codec

import "errors"

var (
	// ErrCorrupted indicates an invalid or truncated compressed stream. It is
	// fatal for the current transfer only.
	ErrCorrupted = errors.New("compressed stream is corrupted")
	// ErrStreamFinished indicates input was offered after Finish without a Reset.
	ErrStreamFinished = errors.New("compressed stream already finished")
)

// FlushMode controls how much buffered compressed data a Process call emits.
type FlushMode int

const (
	// NoFlush lets the compressor buffer; it may consume input and emit nothing.
	NoFlush FlushMode = iota
	// SyncFlush emits everything buffered, aligned so the decompressor can
	// produce all of it without seeing further input.
	SyncFlush
	// Finish terminates the stream and writes its trailer.
	Finish
)

// String returns the string representation of FlushMode
func (m FlushMode) String() string {
	switch m {
	case NoFlush:
		return "NoFlush"
	case SyncFlush:
		return "SyncFlush"
	case Finish:
		return "Finish"
	default:
		return "Unknown"
	}
}

// Compressor turns raw bytes into a compressed stream incrementally.
//
// Process consumes input and copies at most len(output) compressed bytes into
// output. When written == len(output) more output may be pending and the
// caller should call Process again with no input to drain it.
type Compressor interface {
	Process(input, output []byte, mode FlushMode) (consumed, written int, err error)
	// Reset discards all history so the next Process starts a new stream.
	Reset()
}

// Decompressor turns a compressed stream back into raw bytes incrementally.
//
// Process appends input to the pending stream and produces at most
// len(output) raw bytes. Callers must not request more output than the input
// fed so far encodes. At the end of a finished stream Process returns io.EOF.
type Decompressor interface {
	Process(input, output []byte) (consumed, written int, err error)
	Reset()
}
