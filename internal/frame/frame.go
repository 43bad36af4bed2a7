// Package frame implements the CloudPin wire codec: packing and unpacking
// the (topic, message, extra) triple that crosses the WebSocket link.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the fixed 8-byte header: two little-endian uint32 lengths.
const HeaderSize = 8

// ErrMalformed is returned by Unpack when the header is inconsistent with
// the payload length.
var ErrMalformed = errors.New("frame: malformed payload")

// ErrOversized is returned by Pack when the assembled payload would exceed
// MaxPayloadLen.
var ErrOversized = errors.New("frame: payload exceeds maximum size")

// Frame is the on-wire unit: an opaque topic, a serialized application
// message body, and an opaque trailing extra blob.
type Frame struct {
	Topic []byte
	Body  []byte
	Extra []byte
}

// Pack writes the 8-byte header followed by topic, body and extra. The
// caller supplies body already serialized; frame is agnostic to the
// message's own wire format.
//
// maxPayloadLen bounds the assembled payload; extra is otherwise unbounded
// and could evict messages from bounded queues downstream. A value <= 0
// disables the cap.
func Pack(topic, body, extra []byte, maxPayloadLen int) ([]byte, error) {
	total := HeaderSize + len(topic) + len(body) + len(extra)
	if maxPayloadLen > 0 && total > maxPayloadLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversized, total, maxPayloadLen)
	}

	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(topic)))
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(body)))
	n := HeaderSize
	n += copy(out[n:], topic)
	n += copy(out[n:], body)
	copy(out[n:], extra)
	return out, nil
}

// Unpack reverses Pack. It slices topic, body and extra directly out of
// payload without copying; callers that retain a Frame beyond the lifetime
// of the WebSocket read buffer must copy the slices themselves.
func Unpack(payload []byte) (Frame, error) {
	if len(payload) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: payload shorter than header", ErrMalformed)
	}

	topicLen := binary.LittleEndian.Uint32(payload[0:4])
	bodyLen := binary.LittleEndian.Uint32(payload[4:8])

	topicEnd := uint64(HeaderSize) + uint64(topicLen)
	bodyEnd := topicEnd + uint64(bodyLen)
	if bodyEnd > uint64(len(payload)) {
		return Frame{}, fmt.Errorf("%w: topic_len=%d body_len=%d payload_len=%d",
			ErrMalformed, topicLen, bodyLen, len(payload))
	}

	return Frame{
		Topic: payload[HeaderSize:topicEnd],
		Body:  payload[topicEnd:bodyEnd],
		Extra: payload[bodyEnd:],
	}, nil
}
