package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// KeyFileName is the key file inside a keystore directory
const KeyFileName = "keys.json"

var (
	ErrAlreadyInitialized = errors.New("keystore already initialized")
	ErrWrongPassphrase    = errors.New("incorrect passphrase or corrupted key file")
)

// KeyStore holds the master key that encrypts stored blocks
type KeyStore interface {
	// Initialize creates a master key wrapped with passphrase.
	// Returns ErrAlreadyInitialized if a key file exists.
	Initialize(passphrase []byte) (Key, error)

	// Unlock unwraps the master key
	Unlock(passphrase []byte) (Key, error)

	// IsInitialized checks if a key file exists
	IsInitialized() bool
}

// FileKeyStore keeps the wrapped key as JSON in a directory
type FileKeyStore struct {
	dir    string
	params KDFParams
	mu     sync.RWMutex
}

type keyFile struct {
	Salt       string    `json:"salt"`
	Ciphertext string    `json:"data"`
	Params     KDFParams `json:"params"`
}

// NewFileKeyStore creates a keystore at <dir>/keys.json
func NewFileKeyStore(dir string) *FileKeyStore {
	return &FileKeyStore{dir: dir, params: DefaultKDFParams()}
}

// WithParams overrides the KDF cost for keys created by Initialize
func (s *FileKeyStore) WithParams(p KDFParams) *FileKeyStore {
	s.params = p
	return s
}

func (s *FileKeyStore) path() string {
	return filepath.Join(s.dir, KeyFileName)
}

func (s *FileKeyStore) Initialize(passphrase []byte) (Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exists() {
		return Key{}, ErrAlreadyInitialized
	}

	master, err := GenerateKey()
	if err != nil {
		return Key{}, err
	}
	salt, err := GenerateSalt()
	if err != nil {
		return Key{}, err
	}

	// The directory name is bound so a key file copied elsewhere won't open
	wrapped, err := Encrypt(DeriveKey(passphrase, salt, s.params), master[:], []byte(filepath.Base(s.dir)))
	if err != nil {
		return Key{}, err
	}

	data, err := json.MarshalIndent(keyFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Ciphertext: base64.StdEncoding.EncodeToString(wrapped),
		Params:     s.params,
	}, "", "  ")
	if err != nil {
		return Key{}, err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return Key{}, err
	}
	if err := os.WriteFile(s.path(), data, 0600); err != nil {
		return Key{}, fmt.Errorf("failed to write key file: %w", err)
	}
	return master, nil
}

func (s *FileKeyStore) Unlock(passphrase []byte) (Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var k Key
	data, err := os.ReadFile(s.path())
	if err != nil {
		return k, err
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return k, fmt.Errorf("failed to parse key file: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return k, err
	}
	wrapped, err := base64.StdEncoding.DecodeString(kf.Ciphertext)
	if err != nil {
		return k, err
	}

	plaintext, err := Decrypt(DeriveKey(passphrase, salt, kf.Params), wrapped, []byte(filepath.Base(s.dir)))
	if err != nil {
		return k, ErrWrongPassphrase
	}
	if len(plaintext) != KeySize {
		return k, ErrInvalidKey
	}
	copy(k[:], plaintext)
	return k, nil
}

func (s *FileKeyStore) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exists()
}

func (s *FileKeyStore) exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}
