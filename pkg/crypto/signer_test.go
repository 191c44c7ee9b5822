package crypto

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	id, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	// Compressed secp256k1 key: 33 bytes -> 66 hex chars
	if len(id.PublicKey()) != 66 {
		t.Errorf("public key hex length = %d, want 66", len(id.PublicKey()))
	}
	if len(id.PrivateKeyHex()) != 64 {
		t.Errorf("private key hex length = %d, want 64", len(id.PrivateKeyHex()))
	}
	if _, err := ParsePubKey(string(id.PublicKey())); err != nil {
		t.Errorf("generated public key does not parse: %v", err)
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	id1, _ := GenerateKey()

	for _, in := range []string{id1.PrivateKeyHex(), "0x" + id1.PrivateKeyHex()} {
		id2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key: %v", err)
		}
		if id2.PublicKey() != id1.PublicKey() {
			t.Errorf("public key = %s, want %s", id2.PublicKey(), id1.PublicKey())
		}
		if id2.Address() != id1.Address() {
			t.Errorf("address = %s, want %s", id2.Address().Hex(), id1.Address().Hex())
		}
	}
}

func TestInvalidKey(t *testing.T) {
	cases := []string{"", "zz", "1234", "0x" + string(bytes.Repeat([]byte("f"), 64))}
	for _, in := range cases {
		if _, err := FromPrivateKeyHex(in); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("FromPrivateKeyHex(%q) err = %v, want ErrInvalidKey", in, err)
		}
	}

	if _, err := ParsePubKey("02abcd"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("ParsePubKey(short) err = %v, want ErrInvalidKey", err)
	}
}

func TestSignAndVerify(t *testing.T) {
	id, _ := GenerateKey()
	other, _ := GenerateKey()

	payload := []byte(`[0,"pk",1,"order",{}]`)
	sig, err := id.Sign(payload)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(sig) != SignatureLength {
		t.Fatalf("signature length = %d, want %d", len(sig), SignatureLength)
	}

	if !Verify(payload, sig, id.PublicKey()) {
		t.Error("signature verification failed for signer")
	}
	if Verify(payload, sig, other.PublicKey()) {
		t.Error("signature verified against wrong signer")
	}
	if Verify(append([]byte{}, payload[:len(payload)-1]...), sig, id.PublicKey()) {
		t.Error("signature verified against altered payload")
	}
	if Verify(payload, sig[:63], id.PublicKey()) {
		t.Error("truncated signature verified")
	}
	if Verify(payload, sig, PubKey("not-a-key")) {
		t.Error("verification succeeded for malformed claimed key")
	}

	// Cross-check against go-ethereum's recovery path.
	full, _ := eth_crypto.Sign(eth_crypto.Keccak256(payload), id.privateKey)
	recovered, err := eth_crypto.SigToPub(eth_crypto.Keccak256(payload), full)
	if err != nil {
		t.Fatalf("failed to recover: %v", err)
	}
	if eth_crypto.PubkeyToAddress(*recovered) != id.Address() {
		t.Error("recovered address mismatch")
	}
}

func TestSealOpen(t *testing.T) {
	alice, _ := GenerateKey()
	bob, _ := GenerateKey()

	msg := []byte("trade details for bob only")
	ct, err := Seal(bob.PublicKey(), msg)
	if err != nil {
		t.Fatalf("failed to seal: %v", err)
	}
	if bytes.Contains(ct, msg) {
		t.Error("ciphertext contains plaintext")
	}

	pt, err := bob.Open(ct)
	if err != nil {
		t.Fatalf("failed to open: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Errorf("plaintext = %q, want %q", pt, msg)
	}

	if _, err := alice.Open(ct); err == nil {
		t.Error("non-recipient opened sealed message")
	}
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "id.key")

	id, created, err := LoadOrCreateKeyFile(path)
	if err != nil {
		t.Fatalf("failed to create key file: %v", err)
	}
	if !created {
		t.Error("created = false for missing file")
	}

	again, created, err := LoadOrCreateKeyFile(path)
	if err != nil {
		t.Fatalf("failed to reload key file: %v", err)
	}
	if created {
		t.Error("created = true for existing file")
	}
	if again.PublicKey() != id.PublicKey() {
		t.Errorf("reloaded key = %s, want %s", again.PublicKey(), id.PublicKey())
	}
}
