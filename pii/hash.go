package pii

import (
	"encoding/hex"
	"strings"

	"github.com/zeebo/blake3"
)

const hashPrefixBytes = 8

// Hash returns a short BLAKE3 digest of a personal identifier (service number,
// actor id) so log lines can be correlated without carrying the raw value.
func Hash(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(value))
	return hex.EncodeToString(sum[:hashPrefixBytes])
}
