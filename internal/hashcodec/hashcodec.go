// Package hashcodec computes content addresses for uploaded blobs and
// encodes/decodes the small binary payloads the cache stores inline.
package hashcodec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Sum reads r to EOF and returns the lower-case hex SHA-256 digest.
// Used for upload coalescing: identical content always yields the same
// cache key regardless of how many times it is uploaded.
func Sum(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("hashcodec: hashing content: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumBytes is Sum for an in-memory buffer, skipping the io.Reader indirection.
func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// EncodeBase64 standard-encodes b for storage inside a JSON cache payload.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("hashcodec: decoding base64 payload: %w", err)
	}

	return b, nil
}
