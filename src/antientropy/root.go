package antientropy

import (
	"encoding/hex"
	"sort"

	"github.com/veritas-net/veritas/src/crypto"
)

// Entry is one item of a synchronized store, reduced to an identity and its
// canonical encoding. Roots are computed over sorted entries, so two stores
// holding the same logical content produce the same root regardless of the
// order in which they ingested it.
type Entry struct {
	ID   string
	Data []byte
}

// ComputeRoot reduces a set of entries to a single hex-encoded root. Entries
// are sorted by ID, hashed individually, then folded pairwise up to a single
// hash. An odd node at any level is carried up unchanged.
func ComputeRoot(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})

	level := make([][]byte, len(sorted))
	for i, e := range sorted {
		level[i] = crypto.SHA256(append([]byte(e.ID), e.Data...))
	}

	if len(level) == 0 {
		return hex.EncodeToString(crypto.SHA256([]byte{}))
	}

	for len(level) > 1 {
		next := [][]byte{}
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, crypto.SimpleHashFromTwoHashes(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	return hex.EncodeToString(level[0])
}
