package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LoadKeyFile reads a hex private key from path.
func LoadKeyFile(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return FromPrivateKeyHex(strings.TrimSpace(string(data)))
}

// SaveKeyFile writes the private key to path with owner-only permissions.
func SaveKeyFile(path string, id *Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.PrivateKeyHex()+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadOrCreateKeyFile loads the key at path, generating and saving a fresh
// one when the file does not exist yet.
func LoadOrCreateKeyFile(path string) (*Identity, bool, error) {
	id, err := LoadKeyFile(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}
	if id, err = GenerateKey(); err != nil {
		return nil, false, err
	}
	if err := SaveKeyFile(path, id); err != nil {
		return nil, false, err
	}
	return id, true, nil
}
