// Package protocol implements the rqueue wire format.
//
// Every message travels as one frame:
//
//	[length: 2 bytes, big-endian][type: 1 byte][payload: length-1 bytes]
//	payload = [topic_len: 1 byte][topic: topic_len bytes][body: remaining bytes]
//
// The length counts the type byte plus the payload, never the prefix itself.
// The payload may not exceed MaxPayloadSize bytes. Every encoder and decoder in
// the module uses the same 2-byte prefix; clients that assume a wider prefix
// speak a different protocol version.
//
// The codec does no I/O. Reader drives a byte stream and hands back one
// complete Frame at a time.
package protocol

import (
	"encoding/binary"
	"fmt"
)

const (
	// LengthPrefixSize is the width of the big-endian length field.
	LengthPrefixSize = 2
	// PreambleSize is the length prefix plus the type byte.
	PreambleSize = LengthPrefixSize + 1
	// MaxPayloadSize bounds the bytes following the type byte.
	MaxPayloadSize = 2048
	// MaxFrameSize is the largest frame on the wire, prefix included.
	MaxFrameSize = PreambleSize + MaxPayloadSize
	// MaxTopicSize is the largest topic a one-byte topic_len can describe.
	MaxTopicSize = 255
	// MaxBodySize is the largest body that fits next to an empty topic.
	MaxBodySize = MaxPayloadSize - 1
)

// Type identifies what a frame asks the broker to do.
type Type uint8

const (
	// TypeSubscribe subscribes the sender to a topic and is broadcast to every worker.
	TypeSubscribe Type = 1
	// TypeRemove drops the sender's interest in a topic and is broadcast.
	TypeRemove Type = 2
	// TypeSubscribeOnce is TypeSubscribe applied locally without rebroadcast.
	TypeSubscribeOnce Type = 3
	// TypeRemoveOnce is TypeRemove applied locally without rebroadcast.
	TypeRemoveOnce Type = 4
	// TypeDeregister purges every subscription of the sender and is broadcast.
	TypeDeregister Type = 5
	// TypeDeregisterOnce is TypeDeregister applied locally without rebroadcast.
	TypeDeregisterOnce Type = 6
	// TypeNotification carries a body for a topic; the broker forwards it to
	// every subscriber of that topic.
	TypeNotification Type = 7

	// TypePublish is the client-side name for a notification.
	TypePublish = TypeNotification
)

// Valid reports whether t is one of the known frame types.
func (t Type) Valid() bool {
	return t >= TypeSubscribe && t <= TypeNotification
}

// Once returns the no-rebroadcast form of a broadcast-worthy type.
func (t Type) Once() (Type, bool) {
	switch t {
	case TypeSubscribe:
		return TypeSubscribeOnce, true
	case TypeRemove:
		return TypeRemoveOnce, true
	case TypeDeregister:
		return TypeDeregisterOnce, true
	default:
		return t, false
	}
}

// Broadcast reports whether a worker must replicate t to its siblings.
func (t Type) Broadcast() bool {
	_, ok := t.Once()
	return ok
}

func (t Type) String() string {
	switch t {
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeRemove:
		return "REMOVE"
	case TypeSubscribeOnce:
		return "SUBSCRIBE_ONCE"
	case TypeRemoveOnce:
		return "REMOVE_ONCE"
	case TypeDeregister:
		return "DEREGISTER"
	case TypeDeregisterOnce:
		return "DEREGISTER_ONCE"
	case TypeNotification:
		return "NOTIFICATION"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// Message is a decoded frame. Topic and Body alias the buffer the frame was
// decoded from; callers that keep them past the buffer's lifetime must copy.
type Message struct {
	Type  Type
	Topic []byte
	Body  []byte
}

// ---------- Encoding ----------

// AppendFrame appends one encoded frame to dst.
func AppendFrame(dst []byte, typ Type, topic, body []byte) ([]byte, error) {
	if len(topic) > MaxTopicSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrTopicTooLong, len(topic))
	}
	payload := 1 + len(topic) + len(body)
	if payload > MaxPayloadSize {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, payload, MaxPayloadSize)
	}
	var pre [PreambleSize + 1]byte
	binary.BigEndian.PutUint16(pre[:LengthPrefixSize], uint16(1+payload))
	pre[LengthPrefixSize] = byte(typ)
	pre[PreambleSize] = byte(len(topic))
	dst = append(dst, pre[:]...)
	dst = append(dst, topic...)
	dst = append(dst, body...)
	return dst, nil
}

// Encode returns the frame for m.
func Encode(m Message) ([]byte, error) {
	return AppendFrame(make([]byte, 0, PreambleSize+1+len(m.Topic)+len(m.Body)), m.Type, m.Topic, m.Body)
}

// Notify encodes a notification of body on topic.
func Notify(topic, body []byte) ([]byte, error) {
	return Encode(Message{Type: TypeNotification, Topic: topic, Body: body})
}

// Subscribe encodes a subscription request for topic.
func Subscribe(topic []byte) ([]byte, error) {
	return Encode(Message{Type: TypeSubscribe, Topic: topic})
}

// Unsubscribe encodes a REMOVE request for topic.
func Unsubscribe(topic []byte) ([]byte, error) {
	return Encode(Message{Type: TypeRemove, Topic: topic})
}

// Deregister encodes a request to drop every subscription of the sender.
// The payload is a single zero topic_len byte.
func Deregister() []byte {
	b, _ := Encode(Message{Type: TypeDeregister})
	return b
}

// ---------- Decoding ----------

// DeclaredLength reads the length prefix of a preamble.
func DeclaredLength(preamble []byte) int {
	return int(binary.BigEndian.Uint16(preamble[:LengthPrefixSize]))
}

// CheckPreamble validates the length prefix and type byte of a frame.
func CheckPreamble(preamble []byte) (length int, typ Type, err error) {
	if len(preamble) < PreambleSize {
		return 0, 0, fmt.Errorf("%w: %d byte preamble", ErrShortFrame, len(preamble))
	}
	length = DeclaredLength(preamble)
	if length < 1 || length-1 > MaxPayloadSize {
		return 0, 0, fmt.Errorf("%w: declared %d", ErrInvalidLength, length)
	}
	typ = Type(preamble[LengthPrefixSize])
	if !typ.Valid() {
		return 0, 0, fmt.Errorf("%w: %d", ErrUnknownType, uint8(typ))
	}
	return length, typ, nil
}

// Decode extracts the message held by exactly one frame. It does not
// allocate: the returned Topic and Body alias frame.
func Decode(frame []byte) (Message, error) {
	length, typ, err := CheckPreamble(frame)
	if err != nil {
		return Message{}, err
	}
	if len(frame) != LengthPrefixSize+length {
		return Message{}, fmt.Errorf("%w: have %d bytes, declared %d", ErrShortFrame, len(frame)-LengthPrefixSize, length)
	}
	return decodePayload(typ, frame[PreambleSize:])
}

func decodePayload(typ Type, payload []byte) (Message, error) {
	if len(payload) < 1 {
		return Message{}, fmt.Errorf("%w: missing topic length", ErrTopicOverflow)
	}
	topicLen := int(payload[0])
	if topicLen+1 > len(payload) {
		return Message{}, fmt.Errorf("%w: topic_len %d, payload %d", ErrTopicOverflow, topicLen, len(payload))
	}
	return Message{
		Type:  typ,
		Topic: payload[1 : 1+topicLen : 1+topicLen],
		Body:  payload[1+topicLen:],
	}, nil
}
