package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// Reader assembles frames from a byte stream that may deliver them in
// arbitrary pieces.
//
// Invariants:
//   - Each call to Next issues at most one Read, directly into the position
//     after the bytes already accumulated for the current frame.
//   - Reads are bounded by the current frame: the preamble first, then exactly
//     the declared payload. No byte of the next frame is ever consumed, so
//     nothing carries over between frames.
//   - A completed Frame is handed to the caller; the Reader keeps no
//     reference to it.
//   - A framing error is sticky. The stream is unusable after it.
type Reader struct {
	r     io.Reader
	frame *Frame
	want  int // total frame size once the preamble is known, 0 before
	err   error
}

// NewReader returns a Reader over r. Wrapping a connection in a bufio.Reader
// first keeps small frames from costing one syscall per field.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next attempts to complete one frame.
//
// It returns the frame once all of its bytes have arrived. Otherwise it
// returns ErrWouldBlock when the stream had nothing (or not enough) to give,
// io.EOF when the stream ended on a frame boundary, io.ErrUnexpectedEOF when
// it ended mid-frame, or an error wrapping ErrFraming for an invalid preamble.
// Callers that receive ErrWouldBlock must wait for the stream to become
// readable again instead of spinning.
func (r *Reader) Next() (*Frame, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.frame == nil {
		r.frame = acquireFrame()
	}
	f := r.frame

	limit := PreambleSize
	if r.want > 0 {
		limit = r.want
	}
	n, rerr := r.r.Read(f.buf.window(limit))
	f.buf.advance(n)

	if r.want == 0 && f.buf.Len() == PreambleSize {
		length, typ, err := CheckPreamble(f.buf.Bytes())
		if err != nil {
			r.fail(err)
			return nil, err
		}
		r.want = LengthPrefixSize + length
		f.typ = typ
		f.length = length
	}
	if r.want > 0 && f.buf.Len() == r.want {
		r.frame = nil
		r.want = 0
		return f, nil
	}

	switch {
	case rerr == nil:
		return nil, ErrWouldBlock
	case errors.Is(rerr, io.EOF):
		if f.buf.Len() == 0 {
			r.fail(io.EOF)
			return nil, io.EOF
		}
		r.fail(io.ErrUnexpectedEOF)
		return nil, io.ErrUnexpectedEOF
	case isTimeout(rerr):
		return nil, ErrWouldBlock
	default:
		err := fmt.Errorf("protocol: read: %w", rerr)
		r.fail(err)
		return nil, err
	}
}

// Partial reports whether some bytes of a frame have been accumulated.
func (r *Reader) Partial() bool {
	return r.frame != nil && r.frame.buf.Len() > 0
}

// Close releases any partially assembled frame.
func (r *Reader) Close() {
	r.frame.Release()
	r.frame = nil
	r.want = 0
}

func (r *Reader) fail(err error) {
	r.err = err
	r.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
