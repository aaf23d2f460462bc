package identity

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashIdentity returns the non-reversible hex-encoded SHA-256 digest of a raw
// identity. It indexes records for "show me my own history" lookups and is
// deliberately distinct from the reversible correlation token: history works
// even for records stored without consent, because nothing reversible is
// derivable from this hash.
func HashIdentity(rawIdentity string) string {
	sum := sha256.Sum256([]byte(rawIdentity))
	return hex.EncodeToString(sum[:])
}
