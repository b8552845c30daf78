package router

import (
	"encoding/binary"

	blake3 "lukechampine.com/blake3"
)

// PrefixHash hashes the leading pfxLen bytes of key. Keys sharing a
// prefix hash identically regardless of what follows, so routing
// decisions stay stable across the keys of one prefix. pfxLen <= 0 or
// beyond the key hashes the whole key.
func PrefixHash(key []byte, pfxLen int) uint64 {
	if pfxLen <= 0 || pfxLen > len(key) {
		pfxLen = len(key)
	}
	sum := blake3.Sum256(key[:pfxLen])
	return binary.LittleEndian.Uint64(sum[:8])
}
