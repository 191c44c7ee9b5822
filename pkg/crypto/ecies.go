package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto/ecies"
)

// Seal encrypts plaintext so only recipient can read it.
func Seal(recipient PubKey, plaintext []byte) ([]byte, error) {
	pub, err := recipient.ECDSA()
	if err != nil {
		return nil, err
	}
	ct, err := ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), plaintext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to seal: %w", err)
	}
	return ct, nil
}

// Open decrypts a ciphertext produced by Seal for this identity.
func (id *Identity) Open(ciphertext []byte) ([]byte, error) {
	pt, err := ecies.ImportECDSA(id.privateKey).Decrypt(ciphertext, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open: %w", err)
	}
	return pt, nil
}
