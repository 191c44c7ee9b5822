package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidKey is returned when configured key material cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// SignatureLength is the size of an envelope signature: R || S without the
// recovery byte.
const SignatureLength = 64

// PubKey is the durable actor identifier used across the protocol:
// lowercase hex of the 33-byte compressed secp256k1 public key.
type PubKey string

// ParsePubKey validates s as a compressed secp256k1 public key.
func ParsePubKey(s string) (PubKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: public key is not hex: %v", ErrInvalidKey, err)
	}
	if len(raw) != 33 {
		return "", fmt.Errorf("%w: public key length = %d, want 33", ErrInvalidKey, len(raw))
	}
	if _, err := crypto.DecompressPubkey(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return PubKey(hex.EncodeToString(raw)), nil
}

func (p PubKey) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(string(p))
	if err != nil || len(raw) != 33 {
		return nil, fmt.Errorf("%w: malformed public key %q", ErrInvalidKey, p)
	}
	return raw, nil
}

func (p PubKey) ECDSA() (*ecdsa.PublicKey, error) {
	raw, err := p.Bytes()
	if err != nil {
		return nil, err
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

// Short is a log-friendly prefix of the key.
func (p PubKey) Short() string {
	if len(p) <= 12 {
		return string(p)
	}
	return string(p[:12])
}

func (p PubKey) String() string { return string(p) }

// Identity holds the process keypair. It is immutable after construction
// and safe for concurrent use by every session.
type Identity struct {
	privateKey *ecdsa.PrivateKey
	publicKey  PubKey
	address    common.Address
}

func newIdentity(privateKey *ecdsa.PrivateKey) *Identity {
	return &Identity{
		privateKey: privateKey,
		publicKey:  PubKey(hex.EncodeToString(crypto.CompressPubkey(&privateKey.PublicKey))),
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// GenerateKey creates a new random secp256k1 identity
func GenerateKey() (*Identity, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newIdentity(privateKey), nil
}

// FromPrivateKeyHex creates an Identity from a hex-encoded private key
// Format: "0x1234..." or "1234..." (64 hex chars)
func FromPrivateKeyHex(hexKey string) (*Identity, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse private key: %v", ErrInvalidKey, err)
	}
	return newIdentity(privateKey), nil
}

func (id *Identity) PublicKey() PubKey { return id.publicKey }

// Address returns the Ethereum-style address of the key, handy for trade
// engines that settle on EVM chains.
func (id *Identity) Address() common.Address { return id.address }

// PrivateKeyHex returns the private key as hex string (WITHOUT 0x prefix)
// WARNING: Keep this secret! Never expose to users or logs
func (id *Identity) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(id.privateKey))
}

// Sign hashes payload with Keccak256 and signs the digest.
// Returns a 64-byte [R || S] signature.
func (id *Identity) Sign(payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(payload), id.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig[:SignatureLength], nil
}

// Verify reports whether sig is claimed's signature over payload.
// Verification failure is an ordinary false result, never an error.
func Verify(payload, sig []byte, claimed PubKey) bool {
	if len(sig) != SignatureLength {
		return false
	}
	pub, err := claimed.Bytes()
	if err != nil {
		return false
	}
	return crypto.VerifySignature(pub, crypto.Keccak256(payload), sig)
}
