package cel

import (
	"github.com/google/cel-go/common/types/ref"
)

// native unwraps CEL list and map values into plain Go values so results can
// be written back into an envelope payload.
func native(v interface{}) interface{} {
	switch val := v.(type) {
	case ref.Val:
		return native(val.Value())
	case map[ref.Val]ref.Val:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if s, ok := k.Value().(string); ok {
				out[s] = native(item)
			}
		}
		return out
	case []ref.Val:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = native(item)
		}
		return out
	default:
		return v
	}
}
