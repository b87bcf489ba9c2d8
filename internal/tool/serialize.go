package tool

import (
	"encoding/json"
	"fmt"
	"strings"
)

// maxToolOutput bounds the serialized result of any tool call before it
// enters memory; longer payloads keep head and tail.
const maxToolOutput = 30000

// Serialize normalizes a tool return value into the string sent back to
// the model. Strings that already look like JSON pass through; maps,
// slices, and structs are JSON-encoded; errors become {"error": ...};
// everything is length-bounded.
func Serialize(v any) string {
	return Truncate(serialize(v), maxToolOutput)
}

func serialize(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case error:
		data, _ := json.Marshal(map[string]string{"error": val.Error()})
		return string(data)
	case json.RawMessage:
		return string(val)
	case []byte:
		return string(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// Truncate shortens content longer than maxLen bytes to its first and last
// maxLen/2 bytes around a marker, so both the beginning and the latest state
// survive. The result exceeds maxLen by the length of the marker.
func Truncate(content string, maxLen int) string {
	if len(content) <= maxLen {
		return content
	}
	half := maxLen / 2
	return content[:half] +
		fmt.Sprintf("\n..._Content truncated to stay below %d characters_...\n", maxLen) +
		content[len(content)-half:]
}

// SerializeJSON marshals v with stable key order for hashing and diffing.
func SerializeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize: %w", err)
	}
	return string(data), nil
}

// looksLikeJSON reports whether s starts like a JSON document.
func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}
