// Package envelope encodes the sample record exchanged between writers and
// readers: a sequence index, a capture timestamp in microseconds since the
// Unix epoch and an opaque payload.
package envelope

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldIndex     protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldPayload   protowire.Number = 3
)

// Metadata keys carried next to the encoded envelope on the transport message.
const (
	MetadataKeyWriter        = "lp_writer"
	MetadataKeyIndex         = "lp_index"
	MetadataKeyKind          = "lp_kind"
	MetadataKeyTarget        = "lp_target"
	MetadataKeyFragmentID    = "lp_frag_id"
	MetadataKeyFragmentIndex = "lp_frag_index"
	MetadataKeyFragmentCount = "lp_frag_count"
)

// Sample kinds.
const (
	KindData    = "data"
	KindDispose = "dispose"
)

// ErrMalformed is returned when a buffer is not a valid envelope.
var ErrMalformed = errors.New("envelope: malformed message")

// Message is one timestamped sample.
type Message struct {
	Index     uint64
	Timestamp int64
	Payload   []byte
}

// Now returns the current wall clock in envelope units.
func Now() int64 {
	return Micros(time.Now())
}

// Micros converts t to envelope units.
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

// Size returns the encoded length of m.
func (m Message) Size() int {
	n := protowire.SizeTag(fieldIndex) + protowire.SizeVarint(m.Index)
	n += protowire.SizeTag(fieldTimestamp) + protowire.SizeVarint(protowire.EncodeZigZag(m.Timestamp))
	n += protowire.SizeTag(fieldPayload) + protowire.SizeBytes(len(m.Payload))
	return n
}

// Marshal encodes m. All three fields are always written so a zero index or
// an empty payload survives the round trip.
func (m Message) Marshal() []byte {
	b := make([]byte, 0, m.Size())
	b = protowire.AppendTag(b, fieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Index)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.Timestamp))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

// Unmarshal decodes b. The returned payload aliases b unless copyPayload is set.
func Unmarshal(b []byte, copyPayload bool) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldIndex && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: index: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Index = v
			b = b[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: timestamp: %v", ErrMalformed, protowire.ParseError(n))
			}
			m.Timestamp = protowire.DecodeZigZag(v)
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: payload: %v", ErrMalformed, protowire.ParseError(n))
			}
			if copyPayload {
				m.Payload = append([]byte(nil), v...)
			} else {
				m.Payload = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}
