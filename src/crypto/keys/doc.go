// Package keys implements the public key cryptography used by the identity
// boundary of a Veritas node.
//
// Every participant owns an ECDSA key-pair. The public key is bound to a
// membership commitment when a JOIN operation is ingested, and is used by
// other nodes to verify that subsequent operations were signed by the owner
// of the corresponding private key. Veritas uses the secp256k1 curve so that
// Bitcoin and Ethereum keys can be reused.
package keys
