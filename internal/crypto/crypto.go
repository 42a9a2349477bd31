// Package crypto encrypts block payloads at rest.
//
// Payloads are sealed with XChaCha20-Poly1305 under a master key. The
// block's CID is bound as associated data, so a ciphertext moved to another
// row fails to open. The master key itself is wrapped with an Argon2id key
// derived from a passphrase.
package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = 32
	NonceSize = chacha20poly1305.NonceSizeX
	SaltSize  = 16
)

var (
	ErrInvalidKey = errors.New("invalid key size")
	ErrDecrypt    = errors.New("decryption failed")
)

// Key is a 32-byte symmetric key
type Key [KeySize]byte

// KDFParams are the Argon2id cost parameters
type KDFParams struct {
	Memory      uint32 `json:"mem"`
	Iterations  uint32 `json:"time"`
	Parallelism uint8  `json:"threads"`
}

// DefaultKDFParams returns 64 MiB, 3 passes, 2 lanes
func DefaultKDFParams() KDFParams {
	return KDFParams{Memory: 64 * 1024, Iterations: 3, Parallelism: 2}
}

// GenerateKey creates a random key
func GenerateKey() (Key, error) {
	var k Key
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return k, err
	}
	return k, nil
}

// GenerateSalt creates a random salt
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveKey derives a key from a passphrase with Argon2id
func DeriveKey(passphrase, salt []byte, p KDFParams) Key {
	var k Key
	copy(k[:], argon2.IDKey(passphrase, salt, p.Iterations, p.Memory, p.Parallelism, KeySize))
	return k
}

// Encrypt seals plaintext. Output is nonce || ciphertext || tag.
func Encrypt(key Key, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens a value produced by Encrypt with the same aad
func Decrypt(key Key, ciphertext, aad []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrDecrypt
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	plaintext, err := aead.Open(nil, ciphertext[:NonceSize], ciphertext[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// SealBlock encrypts a block payload bound to its CID
func SealBlock(key Key, c cid.Cid, data []byte) ([]byte, error) {
	return Encrypt(key, data, c.Bytes())
}

// OpenBlock decrypts a payload sealed by SealBlock for the same CID
func OpenBlock(key Key, c cid.Cid, sealed []byte) ([]byte, error) {
	return Decrypt(key, sealed, c.Bytes())
}
