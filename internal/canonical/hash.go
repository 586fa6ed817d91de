package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash returns the lowercase hex SHA-256 digest of v's canonical JSON form,
// and the canonical bytes themselves. Formula: SHA256(JCS(normalize(v))).
func Hash(v any) (digest string, canonicalJSON []byte, err error) {
	b, err := Marshal(v)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// HashBytes hashes raw bytes directly, without canonicalization. Used for
// PayloadStore content addressing, where the input is already a byte
// string rather than a JSON-shaped value.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Equal reports whether two values hash identically, i.e. whether their
// canonical JSON forms are byte-identical. Key order and map insertion
// order never affect the result.
func Equal(a, b any) (bool, error) {
	ha, _, err := Hash(a)
	if err != nil {
		return false, err
	}
	hb, _, err := Hash(b)
	if err != nil {
		return false, err
	}
	return ha == hb, nil
}
