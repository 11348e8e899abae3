package peers

import (
	"encoding/hex"

	"github.com/veritas-net/veritas/src/crypto/keys"
)

// Peer is a participant in the gossip network.
type Peer struct {
	NetAddr   string
	PubKeyHex string
	Moniker   string

	id uint32
}

// NewPeer ...
func NewPeer(pubKeyHex, netAddr, moniker string) *Peer {
	return &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
	}
}

// ID returns a deterministic numeric identifier derived from the peer's
// public key.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		p.id = keys.PublicKeyID(p.PubKeyBytes())
	}
	return p.id
}

// PubKeyBytes returns the decoded public key. A malformed hex string yields
// an empty slice.
func (p *Peer) PubKeyBytes() []byte {
	raw, err := hex.DecodeString(p.PubKeyHex)
	if err != nil {
		return []byte{}
	}
	return raw
}
