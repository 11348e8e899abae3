package crypto

import (
	"crypto/sha256"
)

// SHA256 returns the SHA256 digest of data.
func SHA256(data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// SimpleHashFromTwoHashes hashes the concatenation of left and right. It is
// the node function of every Merkle fold in this codebase.
func SimpleHashFromTwoHashes(left []byte, right []byte) []byte {
	hasher := sha256.New()
	hasher.Write(left)
	hasher.Write(right)
	return hasher.Sum(nil)
}
