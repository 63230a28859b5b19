// Package jsoncodec is the JSON codec used for discovery announcements and
// status documents.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// Announcements are produced and consumed by this package only, so they skip
// HTML escaping and key sorting.
var (
	std  = sonic.ConfigStd
	wire = sonic.Config{NoValidateJSONMarshaler: true, CopyString: true}.Froze()
)

func Marshal(v any) ([]byte, error) {
	return std.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return std.Unmarshal(data, v)
}

// MarshalWire encodes an internal wire document.
func MarshalWire(v any) ([]byte, error) {
	return wire.Marshal(v)
}

// UnmarshalWire decodes data produced by MarshalWire. Strings are copied so
// the result does not alias the transport buffer.
func UnmarshalWire(data []byte, v any) error {
	return wire.Unmarshal(data, v)
}

// Encode writes v followed by a newline. A non-empty indent pretty-prints it.
func Encode(w io.Writer, v any, indent string) error {
	enc := std.NewEncoder(w)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(v)
}
