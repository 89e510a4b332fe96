package codec

import (
	"io"

	"github.com/bytedance/sonic"
)

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}

// Convert re-decodes a loosely typed value (typically a payload map that went
// through a JSON round trip) into T.
func Convert[T any](v any) (T, error) {
	var out T
	data, err := Marshal(v)
	if err != nil {
		return out, err
	}
	if err := Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
