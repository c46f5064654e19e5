package protocol_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subnetmarco/rqueue/protocol"
)

func TestSubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, size := range []int{0, 1, 7, 128, protocol.MaxTopicSize} {
		topic := bytes.Repeat([]byte{'t'}, size)
		frame, err := protocol.Subscribe(topic)
		require.NoError(t, err)

		msg, err := protocol.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, protocol.TypeSubscribe, msg.Type)
		assert.Equal(t, topic, append([]byte{}, msg.Topic...))
		assert.Empty(t, msg.Body)
	}
}

func TestNotifyRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		topic []byte
		body  []byte
	}{
		{"small", []byte("orders"), []byte{1, 2, 3}},
		{"empty body", []byte("orders"), nil},
		{"empty topic", nil, []byte("payload")},
		{"binary topic", []byte{0, 255, 10, 13}, []byte{0}},
		{"largest body", []byte("x"), bytes.Repeat([]byte{9}, protocol.MaxPayloadSize-2)},
		{"largest topic", bytes.Repeat([]byte{'a'}, protocol.MaxTopicSize), bytes.Repeat([]byte{'b'}, protocol.MaxPayloadSize-1-protocol.MaxTopicSize)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			frame, err := protocol.Notify(tc.topic, tc.body)
			require.NoError(t, err)
			assert.Len(t, frame, protocol.PreambleSize+1+len(tc.topic)+len(tc.body))

			msg, err := protocol.Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, protocol.TypeNotification, msg.Type)
			assert.Equal(t, string(tc.topic), string(msg.Topic))
			assert.Equal(t, string(tc.body), string(msg.Body))
		})
	}
}

func TestEncodingLayout(t *testing.T) {
	t.Parallel()

	frame, err := protocol.Notify([]byte("ab"), []byte{1, 2, 3})
	require.NoError(t, err)
	// length = type + topic_len + topic + body = 1 + 1 + 2 + 3
	assert.Equal(t, []byte{0, 7, 7, 2, 'a', 'b', 1, 2, 3}, frame)

	frame, err = protocol.Unsubscribe([]byte("ab"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 4, byte(protocol.TypeRemove), 2, 'a', 'b'}, frame)

	assert.Equal(t, []byte{0, 2, byte(protocol.TypeDeregister), 0}, protocol.Deregister())

	msg, err := protocol.Decode(protocol.Deregister())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeDeregister, msg.Type)
	assert.Empty(t, msg.Topic)
}

func TestEncodeLimits(t *testing.T) {
	t.Parallel()

	_, err := protocol.Subscribe(bytes.Repeat([]byte{'t'}, protocol.MaxTopicSize+1))
	require.ErrorIs(t, err, protocol.ErrTopicTooLong)

	_, err = protocol.Notify([]byte("x"), bytes.Repeat([]byte{0}, protocol.MaxPayloadSize))
	require.ErrorIs(t, err, protocol.ErrPayloadTooLarge)

	dst := []byte("keep")
	out, err := protocol.AppendFrame(dst, protocol.TypeNotification, nil, bytes.Repeat([]byte{0}, protocol.MaxPayloadSize))
	require.Error(t, err)
	assert.Equal(t, "keep", string(out))
}

func TestDecodeFramingErrors(t *testing.T) {
	t.Parallel()

	frameWith := func(length uint16, typ byte, rest ...byte) []byte {
		b := make([]byte, 2, 3+len(rest))
		binary.BigEndian.PutUint16(b, length)
		b = append(b, typ)
		return append(b, rest...)
	}

	cases := []struct {
		name  string
		frame []byte
		want  error
	}{
		{"zero length", frameWith(0, 7), protocol.ErrInvalidLength},
		{"oversized length", frameWith(protocol.MaxPayloadSize+2, 7), protocol.ErrInvalidLength},
		{"unknown type", frameWith(2, 42, 0), protocol.ErrUnknownType},
		{"type zero", frameWith(2, 0, 0), protocol.ErrUnknownType},
		{"missing topic length", frameWith(1, 1), protocol.ErrTopicOverflow},
		{"topic overflow", frameWith(3, 1, 5, 'a'), protocol.ErrTopicOverflow},
		{"truncated", frameWith(5, 1, 1, 'a'), protocol.ErrShortFrame},
		{"trailing bytes", frameWith(2, 1, 0, 9), protocol.ErrShortFrame},
		{"short preamble", []byte{0, 2}, protocol.ErrShortFrame},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := protocol.Decode(tc.frame)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, protocol.ErrFraming)
		})
	}
}

func TestTypeRetagging(t *testing.T) {
	t.Parallel()

	cases := map[protocol.Type]protocol.Type{
		protocol.TypeSubscribe:  protocol.TypeSubscribeOnce,
		protocol.TypeRemove:     protocol.TypeRemoveOnce,
		protocol.TypeDeregister: protocol.TypeDeregisterOnce,
	}
	for typ, once := range cases {
		got, ok := typ.Once()
		assert.True(t, ok, typ.String())
		assert.Equal(t, once, got)
		assert.True(t, typ.Broadcast())

		_, ok = once.Once()
		assert.False(t, ok, "%s must be terminal", once)
		assert.False(t, once.Broadcast())
	}
	assert.False(t, protocol.TypeNotification.Broadcast())
	assert.Equal(t, protocol.TypeNotification, protocol.TypePublish)
	assert.False(t, protocol.Type(0).Valid())
	assert.False(t, protocol.Type(8).Valid())
	assert.Equal(t, "Type(8)", protocol.Type(8).String())
}

func TestBufferBounds(t *testing.T) {
	t.Parallel()

	encoded, err := protocol.Notify([]byte("t"), []byte{1, 2})
	require.NoError(t, err)
	f, err := protocol.NewFrame(encoded)
	require.NoError(t, err)
	defer f.Release()

	buf := f.Buffer()
	assert.Equal(t, len(encoded), buf.Len())
	assert.Equal(t, protocol.MaxFrameSize, buf.Cap())

	b, err := buf.Byte(len(encoded) - 1)
	require.NoError(t, err)
	assert.Equal(t, byte(2), b)

	_, err = buf.Byte(len(encoded))
	require.ErrorIs(t, err, protocol.ErrOutOfBounds)
	_, err = buf.Byte(-1)
	require.ErrorIs(t, err, protocol.ErrOutOfBounds)

	s, err := buf.Slice(protocol.PreambleSize, len(encoded))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 't', 1, 2}, s)

	_, err = buf.Slice(0, len(encoded)+1)
	require.ErrorIs(t, err, protocol.ErrOutOfBounds)
	_, err = buf.Slice(3, 2)
	require.ErrorIs(t, err, protocol.ErrOutOfBounds)

	assert.Equal(t, protocol.TypeNotification, f.Type())
	assert.Equal(t, len(encoded)-protocol.LengthPrefixSize, f.Len())
}

func TestNewFrameRejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := protocol.NewFrame([]byte{0, 1, 9})
	require.ErrorIs(t, err, protocol.ErrFraming)
}
