package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Encode returns the compact JSON encoding of v as the daemon expects it:
// no HTML escaping (host origins may carry '&' or '<') and no trailing newline.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
