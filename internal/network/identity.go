package network

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// IdentityFile is the node key file name inside the data directory
const IdentityFile = "identity.key"

// LoadOrCreateIdentity reads the node key at path, generating and saving
// an Ed25519 key if the file does not exist
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := crypto.ConfigDecodeKey(string(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode identity: %w", err)
		}
		priv, err := crypto.UnmarshalPrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
		}
		return priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity: %w", err)
	}

	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(crypto.ConfigEncodeKey(raw)), 0600); err != nil {
		return nil, fmt.Errorf("failed to write identity: %w", err)
	}
	return priv, nil
}
