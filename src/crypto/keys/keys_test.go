package keys

import (
	"io/ioutil"
	"os"
	"path"
	"reflect"
	"testing"

	bcrypto "github.com/veritas-net/veritas/src/crypto"
)

func TestSimpleKeyfile(t *testing.T) {
	dir, err := ioutil.TempDir("", "veritas")
	if err != nil {
		t.Fatalf("err: %v ", err)
	}
	defer os.RemoveAll(dir)

	keyfile := path.Join(dir, "priv_key")

	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	simpleKeyfile := NewSimpleKeyfile(keyfile)

	if err := simpleKeyfile.WriteKey(key); err != nil {
		t.Fatalf("err: %v", err)
	}

	key2, err := simpleKeyfile.ReadKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if !reflect.DeepEqual(key, key2) {
		t.Fatal("keys defer after write/read cycle")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	msg := bcrypto.SHA256([]byte("veritas signature test"))

	r, s, err := Sign(key, msg)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	sig := EncodeSignature(r, s)

	if !VerifyEncoded(&key.PublicKey, msg, sig) {
		t.Fatal("signature should verify against the signing key")
	}

	other, _ := GenerateECDSAKey()
	if VerifyEncoded(&other.PublicKey, msg, sig) {
		t.Fatal("signature should not verify against another key")
	}

	if VerifyEncoded(&key.PublicKey, msg, "garbage") {
		t.Fatal("malformed signature should not verify")
	}
}

func TestPublicKeyHexRoundTrip(t *testing.T) {
	key, err := GenerateECDSAKey()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	h := PublicKeyHex(&key.PublicKey)

	pub := ParsePublicKeyHex(h)
	if pub == nil {
		t.Fatal("ParsePublicKeyHex returned nil")
	}

	if !reflect.DeepEqual(&key.PublicKey, pub) {
		t.Fatal("public keys differ after hex round-trip")
	}
}
