package protocol

import (
	"fmt"
	"sync"
)

// Buffer is a fixed-capacity frame buffer. Its logical length is tracked
// apart from its capacity and nothing past the logical length is ever
// observable: Byte and Slice report ErrOutOfBounds instead.
type Buffer struct {
	data [MaxFrameSize]byte
	n    int
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.n }

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Bytes returns the valid bytes. The slice is capped so appends never write
// into the buffer.
func (b *Buffer) Bytes() []byte { return b.data[:b.n:b.n] }

// Byte returns the byte at i.
func (b *Buffer) Byte(i int) (byte, error) {
	if i < 0 || i >= b.n {
		return 0, fmt.Errorf("%w: index %d, length %d", ErrOutOfBounds, i, b.n)
	}
	return b.data[i], nil
}

// Slice returns bytes [i, j).
func (b *Buffer) Slice(i, j int) ([]byte, error) {
	if i < 0 || j < i || j > b.n {
		return nil, fmt.Errorf("%w: range [%d:%d], length %d", ErrOutOfBounds, i, j, b.n)
	}
	return b.data[i:j:j], nil
}

// Reset drops the logical contents.
func (b *Buffer) Reset() { b.n = 0 }

// window returns the writable region between the logical length and limit.
func (b *Buffer) window(limit int) []byte { return b.data[b.n:limit] }

func (b *Buffer) advance(n int) { b.n += n }

// Frame is one complete frame read off the wire. It owns its buffer until
// Release is called.
type Frame struct {
	buf    Buffer
	typ    Type
	length int
}

var framePool = sync.Pool{New: func() any { return new(Frame) }}

func acquireFrame() *Frame {
	f := framePool.Get().(*Frame)
	f.buf.Reset()
	f.typ = 0
	f.length = 0
	return f
}

// NewFrame copies one encoded frame into a pooled Frame.
func NewFrame(encoded []byte) (*Frame, error) {
	if _, err := Decode(encoded); err != nil {
		return nil, err
	}
	f := acquireFrame()
	f.buf.advance(copy(f.buf.window(len(encoded)), encoded))
	f.length, f.typ, _ = CheckPreamble(encoded)
	return f, nil
}

// Type returns the frame's type byte.
func (f *Frame) Type() Type { return f.typ }

// Len returns the declared length (type byte plus payload).
func (f *Frame) Len() int { return f.length }

// Bytes returns the whole frame, length prefix included.
func (f *Frame) Bytes() []byte { return f.buf.Bytes() }

// Buffer exposes the bounds-checked backing buffer.
func (f *Frame) Buffer() *Buffer { return &f.buf }

// Message decodes the frame. The result aliases the frame's buffer and is
// valid until Release.
func (f *Frame) Message() (Message, error) { return Decode(f.buf.Bytes()) }

// Release returns the frame to the pool. The frame must not be used after.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.buf.Reset()
	framePool.Put(f)
}
