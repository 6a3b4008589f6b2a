// internal/ble/protocol/hex.go
package protocol

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// EncodeHex renders binary payloads the way they cross the outward boundary:
// lowercase, no separators.
func EncodeHex(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeHex accepts either case. An empty string decodes to an empty payload.
func DecodeHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return nil, fmt.Errorf("protocol: decode hex %q: %w", s, err)
	}
	return b, nil
}
