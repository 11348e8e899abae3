// Package membership implements the append-only Merkle accumulator of
// identity commitments. The tree gives every commitment a stable leaf index:
// removal replaces a leaf with a zero sentinel instead of compacting, so all
// other indices and historical proofs keep their meaning. The root history is
// what anti-entropy exchanges negotiate over.
package membership

import (
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	cm "github.com/veritas-net/veritas/src/common"
	"github.com/veritas-net/veritas/src/crypto"
)

// zeroLeaf is the sentinel hash of an empty or removed slot.
var zeroLeaf = crypto.SHA256([]byte{})

// Proof is the sibling path from a leaf to a root. Verification recomputes
// the root bottom-up and compares it with the accumulator's current root;
// proofs generated against a stale root are rejected, never silently
// accepted.
type Proof struct {
	Commitment string
	Index      int
	Siblings   []string //sibling hashes, bottom-up, hex
	Root       string   //root the proof was generated against, hex
}

// Accumulator is the in-memory Merkle tree of commitments.
type Accumulator struct {
	mu          sync.RWMutex
	leaves      [][]byte //leaf hashes; zeroLeaf marks removed or padding-free slots
	commitments []string //raw commitments, "" when removed
	index       map[string]int
	rootHistory []string

	logger *logrus.Entry
}

// NewAccumulator ...
func NewAccumulator(logger *logrus.Entry) *Accumulator {
	a := &Accumulator{
		index:  make(map[string]int),
		logger: logger.WithField("prefix", "membership"),
	}
	a.rootHistory = append(a.rootHistory, a.computeRoot())
	return a
}

// Reset drops every leaf and restarts the root history from the empty root.
// It is used when the projection is rebuilt over a replaced operation log.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.leaves = nil
	a.commitments = nil
	a.index = make(map[string]int)
	a.rootHistory = []string{a.computeRoot()}
}

// AddMember appends a commitment as a new leaf and returns its index and the
// updated root. Commitments are unique; adding a known one fails.
func (a *Accumulator) AddMember(commitment string) (int, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.index[commitment]; ok {
		return -1, "", cm.NewStoreErr("Commitment", cm.KeyAlreadyExists, commitment)
	}

	index := len(a.leaves)
	a.leaves = append(a.leaves, crypto.SHA256([]byte(commitment)))
	a.commitments = append(a.commitments, commitment)
	a.index[commitment] = index

	root := a.computeRoot()
	a.rootHistory = append(a.rootHistory, root)

	a.logger.WithFields(logrus.Fields{
		"index": index,
		"root":  root,
	}).Debug("Added member")

	return index, root, nil
}

// RemoveMember zeroes the leaf at index without shifting any other leaf, and
// returns the updated root.
func (a *Accumulator) RemoveMember(index int) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= len(a.leaves) {
		return "", cm.NewStoreErr("Leaf", cm.KeyNotFound, strconv.Itoa(index))
	}
	if a.commitments[index] == "" {
		return "", cm.NewStoreErr("Leaf", cm.KeyNotFound, strconv.Itoa(index))
	}

	delete(a.index, a.commitments[index])
	a.commitments[index] = ""
	a.leaves[index] = zeroLeaf

	root := a.computeRoot()
	a.rootHistory = append(a.rootHistory, root)

	return root, nil
}

// Contains reports whether a commitment is a live member.
func (a *Accumulator) Contains(commitment string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.index[commitment]
	return ok
}

// Size returns the number of leaf slots, including zeroed ones.
func (a *Accumulator) Size() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.leaves)
}

// Root returns the current root.
func (a *Accumulator) Root() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rootHistory[len(a.rootHistory)-1]
}

// RootHistory returns the last n roots, oldest first. n <= 0 returns the
// whole history.
func (a *Accumulator) RootHistory(n int) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	start := 0
	if n > 0 && len(a.rootHistory) > n {
		start = len(a.rootHistory) - n
	}

	return append([]string{}, a.rootHistory[start:]...)
}

// GenerateProof returns the sibling path from the leaf at index to the
// current root.
func (a *Accumulator) GenerateProof(leafIndex int) (*Proof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if leafIndex < 0 || leafIndex >= len(a.leaves) {
		return nil, cm.NewStoreErr("Leaf", cm.KeyNotFound, strconv.Itoa(leafIndex))
	}
	if a.commitments[leafIndex] == "" {
		return nil, cm.NewStoreErr("Leaf", cm.KeyNotFound, strconv.Itoa(leafIndex))
	}

	level := a.paddedLeaves()
	siblings := []string{}
	pos := leafIndex

	for len(level) > 1 {
		sibling := pos ^ 1
		siblings = append(siblings, hex.EncodeToString(level[sibling]))

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.SimpleHashFromTwoHashes(level[i], level[i+1])
		}
		level = next
		pos /= 2
	}

	return &Proof{
		Commitment: a.commitments[leafIndex],
		Index:      leafIndex,
		Siblings:   siblings,
		Root:       hex.EncodeToString(level[0]),
	}, nil
}

// VerifyProof recomputes the root from the proof's leaf and sibling path and
// compares it with the accumulator's current root. A proof generated before
// a mutation fails here, even if it was valid against the root it embeds.
func (a *Accumulator) VerifyProof(proof *Proof) bool {
	recomputed, err := RecomputeRoot(proof)
	if err != nil {
		return false
	}
	return recomputed == a.Root()
}

// RecomputeRoot folds a proof's sibling path into the root it implies.
func RecomputeRoot(proof *Proof) (string, error) {
	hash := crypto.SHA256([]byte(proof.Commitment))
	pos := proof.Index

	for _, siblingHex := range proof.Siblings {
		sibling, err := hex.DecodeString(siblingHex)
		if err != nil {
			return "", err
		}
		if pos%2 == 0 {
			hash = crypto.SimpleHashFromTwoHashes(hash, sibling)
		} else {
			hash = crypto.SimpleHashFromTwoHashes(sibling, hash)
		}
		pos /= 2
	}

	return hex.EncodeToString(hash), nil
}

// paddedLeaves returns the leaf hashes padded with zero sentinels to the next
// power of two. Callers hold the lock.
func (a *Accumulator) paddedLeaves() [][]byte {
	size := 1
	for size < len(a.leaves) {
		size *= 2
	}

	padded := make([][]byte, size)
	copy(padded, a.leaves)
	for i := len(a.leaves); i < size; i++ {
		padded[i] = zeroLeaf
	}

	return padded
}

// computeRoot hashes the padded leaf level pairwise up to a single root.
// Callers hold the lock.
func (a *Accumulator) computeRoot() string {
	level := a.paddedLeaves()

	if len(level) == 0 {
		return hex.EncodeToString(zeroLeaf)
	}

	for len(level) > 1 {
		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next[i/2] = crypto.SimpleHashFromTwoHashes(level[i], level[i+1])
		}
		level = next
	}

	return hex.EncodeToString(level[0])
}
