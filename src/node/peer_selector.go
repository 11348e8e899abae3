package node

import (
	"math/rand"

	"github.com/veritas-net/veritas/src/peers"
)

//PeerSelector defines an interface for Peer Selectors
type PeerSelector interface {
	Peers() *peers.PeerSet
	UpdateLast(peer uint32)
	Next() *peers.Peer
}

//RandomPeerSelector selects peers at random, avoiding the peer it picked
//last time round.
type RandomPeerSelector struct {
	peers           *peers.PeerSet
	selfID          uint32
	selectablePeers []*peers.Peer
	last            uint32
}

//NewRandomPeerSelector is a factory method that returns a new instance of
//RandomPeerSelector
func NewRandomPeerSelector(peerSet *peers.PeerSet, selfID uint32) *RandomPeerSelector {
	selectablePeers := []*peers.Peer{}
	for _, p := range peerSet.Peers {
		if p.ID() != selfID {
			selectablePeers = append(selectablePeers, p)
		}
	}

	return &RandomPeerSelector{
		peers:           peerSet,
		selfID:          selfID,
		selectablePeers: selectablePeers,
	}
}

//Peers returns the full peer set
func (ps *RandomPeerSelector) Peers() *peers.PeerSet {
	return ps.peers
}

//UpdateLast sets the last peer
func (ps *RandomPeerSelector) UpdateLast(peer uint32) {
	ps.last = peer
}

//Next returns the next peer
func (ps *RandomPeerSelector) Next() *peers.Peer {
	selectablePeers := ps.selectablePeers

	if len(selectablePeers) == 0 {
		return nil
	}

	if len(selectablePeers) > 1 {
		filtered := []*peers.Peer{}
		for _, p := range selectablePeers {
			if p.ID() != ps.last {
				filtered = append(filtered, p)
			}
		}
		selectablePeers = filtered
	}

	return selectablePeers[rand.Intn(len(selectablePeers))]
}
