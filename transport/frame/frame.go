// Package frame encodes a Watermill message plus its topic into a compact
// protobuf-wire record. Backends that move raw bytes (udp, shm-segment) use it
// as their on-the-wire format.
package frame

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldTopic    protowire.Number = 1
	fieldUUID     protowire.Number = 2
	fieldMetadata protowire.Number = 3
	fieldPayload  protowire.Number = 4

	fieldKey   protowire.Number = 1
	fieldValue protowire.Number = 2
)

// ErrMalformed is returned when a frame cannot be decoded.
var ErrMalformed = errors.New("frame: malformed record")

// Encode serializes topic and msg. Metadata keys are written in sorted order.
func Encode(topic string, msg *message.Message) []byte {
	size := len(topic) + len(msg.UUID) + len(msg.Payload) + 16
	b := make([]byte, 0, size)

	b = protowire.AppendTag(b, fieldTopic, protowire.BytesType)
	b = protowire.AppendString(b, topic)
	b = protowire.AppendTag(b, fieldUUID, protowire.BytesType)
	b = protowire.AppendString(b, msg.UUID)

	keys := make([]string, 0, len(msg.Metadata))
	for k := range msg.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldValue, protowire.BytesType)
		entry = protowire.AppendString(entry, msg.Metadata[k])

		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, msg.Payload)
	return b
}

// Decode parses a frame produced by Encode. Unknown fields are skipped.
func Decode(b []byte) (string, *message.Message, error) {
	var (
		topic    string
		uuid     string
		payload  []byte
		metadata = message.Metadata{}
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}

		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fieldTopic:
			topic = string(v)
		case fieldUUID:
			uuid = string(v)
		case fieldMetadata:
			k, val, err := decodeEntry(v)
			if err != nil {
				return "", nil, err
			}
			metadata[k] = val
		case fieldPayload:
			payload = append([]byte(nil), v...)
		}
	}

	if topic == "" {
		return "", nil, fmt.Errorf("%w: missing topic", ErrMalformed)
	}

	msg := message.NewMessage(uuid, payload)
	msg.Metadata = metadata
	return topic, msg, nil
}

func decodeEntry(b []byte) (string, string, error) {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 || typ != protowire.BytesType {
			return "", "", fmt.Errorf("%w: bad metadata entry", ErrMalformed)
		}
		b = b[n:]
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return "", "", fmt.Errorf("%w: bad metadata entry", ErrMalformed)
		}
		b = b[n:]
		switch num {
		case fieldKey:
			key = string(v)
		case fieldValue:
			value = string(v)
		}
	}
	return key, value, nil
}
