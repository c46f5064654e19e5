package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrFraming is wrapped by every error that means the byte stream can no
	// longer be trusted. The connection is the unit of failure.
	ErrFraming = errors.New("protocol: framing error")

	// ErrInvalidLength is returned for a declared length of zero or one that
	// exceeds MaxPayloadSize.
	ErrInvalidLength = fmt.Errorf("%w: invalid length", ErrFraming)

	// ErrUnknownType is returned for a type byte outside the known range.
	ErrUnknownType = fmt.Errorf("%w: unknown type", ErrFraming)

	// ErrTopicOverflow is returned when topic_len+1 exceeds the payload.
	ErrTopicOverflow = fmt.Errorf("%w: topic overflows payload", ErrFraming)

	// ErrShortFrame is returned when a buffer does not hold exactly one frame.
	ErrShortFrame = fmt.Errorf("%w: short frame", ErrFraming)

	// ErrTopicTooLong is returned by encoders for topics over MaxTopicSize.
	ErrTopicTooLong = errors.New("protocol: topic too long")

	// ErrPayloadTooLarge is returned by encoders when topic and body exceed
	// MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("protocol: payload too large")

	// ErrOutOfBounds is returned when reading a Buffer past its logical length.
	ErrOutOfBounds = errors.New("protocol: read beyond buffer length")

	// ErrWouldBlock means no complete frame is available yet; retry once the
	// stream is readable again.
	ErrWouldBlock = errors.New("protocol: would block")
)
