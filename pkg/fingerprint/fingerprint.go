package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Canonical serializes v with encoding/json and returns the SHA256 hex
// digest alongside the serialized bytes. Struct fields keep declaration
// order and map keys are sorted, so the same value always produces the
// same digest.
func Canonical(v any) (hexDigest string, canonical []byte, err error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

func SumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
