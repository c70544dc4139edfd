// Package checksum fingerprints cached record payloads.
package checksum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Payload returns the digest of a JSON payload with insignificant whitespace
// removed, so the same document always fingerprints the same. Invalid JSON is
// hashed as-is.
func Payload(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return Sum(raw)
	}
	return Sum(buf.Bytes())
}
