package node

import (
	"crypto/ecdsa"
	"encoding/hex"

	"github.com/veritas-net/veritas/src/crypto"
	"github.com/veritas-net/veritas/src/crypto/keys"
)

// Validator holds the cryptographic identity of a node. The nullifier and
// commitment that identify it in the operation log are derived
// deterministically from the public key, standing in for the values an
// external identity layer would provide.
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	id         uint32
	pubBytes   []byte
	pubHex     string
	nullifier  string
	commitment string
}

// NewValidator is a factory method for a Validator
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

// ID returns an ID for the validator
func (v *Validator) ID() uint32 {
	if v.id == 0 {
		v.id = keys.PublicKeyID(v.PublicKeyBytes())
	}
	return v.id
}

// PublicKeyBytes returns the validator's public key as a byte array
func (v *Validator) PublicKeyBytes() []byte {
	if len(v.pubBytes) == 0 {
		v.pubBytes = keys.FromPublicKey(&v.Key.PublicKey)
	}
	return v.pubBytes
}

// PublicKeyHex returns the validator's public key as a hex string
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(&v.Key.PublicKey)
	}
	return v.pubHex
}

// Nullifier returns the validator's pseudonymous identity in the operation
// log.
func (v *Validator) Nullifier() string {
	if len(v.nullifier) == 0 {
		v.nullifier = hex.EncodeToString(crypto.SHA256(v.PublicKeyBytes()))
	}
	return v.nullifier
}

// Commitment returns the membership commitment registered in the
// accumulator when the validator joins.
func (v *Validator) Commitment() string {
	if len(v.commitment) == 0 {
		v.commitment = hex.EncodeToString(crypto.SHA256([]byte(v.Nullifier())))
	}
	return v.commitment
}
