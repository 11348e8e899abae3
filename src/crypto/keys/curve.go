package keys

import (
	"crypto/elliptic"
	"math/big"

	"github.com/btcsuite/btcd/btcec"
)

// Parameters of the secp256k1 curve. They are used by other functions to
// verify that a private key is valid.
var (
	secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
)

// Curve returns an elliptic.Curve. We use btcsuite's golang implementation of
// secp256k1, the curve used by Bitcoin and Ethereum, so existing wallet keys
// can be reused as Veritas identity keys.
func Curve() elliptic.Curve {
	return btcec.S256() //secp256k1
}
