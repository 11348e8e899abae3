package peers

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/veritas-net/veritas/src/crypto"
)

// PeerSet is the set of peers a node gossips with.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`

	// cached values
	hash []byte
	hex  string
}

// NewPeerSet creates a new PeerSet from a list of Peers. The list is sorted
// by public key so that the set's hash does not depend on input order.
func NewPeerSet(peers []*Peer) *PeerSet {
	sorted := make([]*Peer, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].PubKeyHex < sorted[j].PubKeyHex
	})

	peerSet := &PeerSet{
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for _, peer := range sorted {
		peerSet.ByPubKey[peer.PubKeyHex] = peer
		peerSet.ByID[peer.ID()] = peer
	}

	peerSet.Peers = sorted

	return peerSet
}

// WithNewPeer returns a new PeerSet with a list of peers including the new
// one.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := peerSet.Peers

	// don't add it if it already exists
	if _, ok := peerSet.ByID[peer.ID()]; !ok {
		peers = append(peers, peer)
	}

	return NewPeerSet(peers)
}

// WithRemovedPeer returns a new PeerSet with a list of peers excluding the
// provided one.
func (peerSet *PeerSet) WithRemovedPeer(peer *Peer) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.PubKeyHex != peer.PubKeyHex {
			peers = append(peers, p)
		}
	}
	return NewPeerSet(peers)
}

// Len returns the number of Peers in the PeerSet.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.ByPubKey)
}

// Hash uniquely identifies a PeerSet. It is computed by hashing (SHA256) the
// peers' public keys together, one by one, in sorted order.
func (peerSet *PeerSet) Hash() []byte {
	if len(peerSet.hash) == 0 {
		hash := []byte{}
		for _, p := range peerSet.Peers {
			hash = crypto.SimpleHashFromTwoHashes(hash, p.PubKeyBytes())
		}
		peerSet.hash = hash
	}
	return peerSet.hash
}

// Hex is the hexadecimal representation of Hash.
func (peerSet *PeerSet) Hex() string {
	if len(peerSet.hex) == 0 {
		peerSet.hex = hex.EncodeToString(peerSet.Hash())
	}
	return peerSet.hex
}

// Marshal marshals the peer list.
func (peerSet *PeerSet) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(peerSet.Peers); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
