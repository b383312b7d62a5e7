// Package buffer holds the bytes of a single transfer: a loaded file sliced
// into blocks on the sending side, or received blocks accumulated into a file
// on the receiving side.
package buffer

import (
	"iter"

	"github.com/pkg/errors"
)

const (
	// MaxSize caps every transfer at 32 MiB.
	MaxSize = 32 << 20

	// DefaultChunkSize matches the protocol block size.
	DefaultChunkSize = 512
)

type Option func(*Buffer)

// WithMaxSize lowers (or raises) the cap. Non-positive values are ignored.
func WithMaxSize(n int) Option {
	return func(b *Buffer) {
		if n > 0 {
			b.max = n
		}
	}
}

// Buffer is owned by one session at a time and is not safe for concurrent use.
type Buffer struct {
	fs   Filesystem
	max  int
	data []byte
}

func New(fs Filesystem, opts ...Option) *Buffer {
	if fs == nil {
		fs = Local
	}
	b := &Buffer{fs: fs, max: MaxSize}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Load replaces the buffer contents with the named file.
func (b *Buffer) Load(name string) error {
	data, err := b.fs.ReadAll(name)
	if err != nil {
		return err
	}
	if len(data) > b.max {
		return errors.WithMessagef(ErrTooLarge, "%s is %d bytes, limit %d", name, len(data), b.max)
	}
	b.data = data
	return nil
}

// Append adds payload to the accumulator. On ErrCapacityExceeded the
// accumulator is left as it was.
func (b *Buffer) Append(payload []byte) error {
	if len(b.data)+len(payload) > b.max {
		return errors.WithMessagef(ErrCapacityExceeded, "%d + %d bytes exceeds %d", len(b.data), len(payload), b.max)
	}
	b.data = append(b.data, payload...)
	return nil
}

// Chunks yields (block, payload) pairs numbered from 1. Every payload is at
// most size bytes; when the length is a multiple of size (zero included) a
// final empty chunk follows. Block numbers wrap modulo 65536. Each range over
// the sequence starts again from block 1. Payloads alias the buffer.
func (b *Buffer) Chunks(size int) iter.Seq2[uint16, []byte] {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return func(yield func(uint16, []byte) bool) {
		data := b.data
		block := uint16(0)
		for {
			block++
			n := min(size, len(data))
			if !yield(block, data[:n:n]) {
				return
			}
			if n < size {
				return
			}
			data = data[n:]
		}
	}
}

// ChunkCount is the number of chunks Chunks yields for n bytes.
func ChunkCount(n, size int) int {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return n/size + 1
}

func (b *Buffer) Save(name string) error {
	return b.fs.WriteAll(name, b.data)
}

func (b *Buffer) Reset() {
	b.data = nil
}

func (b *Buffer) Len() int { return len(b.data) }
