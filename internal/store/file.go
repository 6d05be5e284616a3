package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/hkdf"
)

const masterKeyFile = "master.key"

// FileStore implements Store with one file per key, each value sealed with
// AES-256-GCM. The data key is derived with HKDF-SHA256 from a random master
// key generated on first use and kept at mode 0600 in the data directory.
type FileStore struct {
	dir  string
	aead cipher.AEAD
}

// NewFileStore opens (or initializes) the encrypted store under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	master, err := loadOrCreateMasterKey(filepath.Join(dataDir, masterKeyFile))
	if err != nil {
		return nil, err
	}

	key, err := deriveStoreKey(master)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	dir := filepath.Join(dataDir, "secure")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	return &FileStore{dir: dir, aead: aead}, nil
}

// Get decrypts and returns the value stored under key.
func (s *FileStore) Get(key string) (string, error) {
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read %q: %w", key, err)
	}

	nonceSize := s.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("read %q: sealed value too short", key)
	}

	plain, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], []byte(key))
	if err != nil {
		return "", fmt.Errorf("unseal %q: %w", key, err)
	}
	return string(plain), nil
}

// Set seals value and writes it atomically under key.
func (s *FileStore) Set(key, value string) error {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, []byte(value), []byte(key))

	path := s.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key; absent keys are a no-op.
func (s *FileStore) Delete(key string) error {
	if err := os.Remove(s.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) path(key string) string {
	name := base64.RawURLEncoding.EncodeToString([]byte(key))
	return filepath.Join(s.dir, name+".bin")
}

// deriveStoreKey derives the 32-byte sealing key from the master key using
// HKDF-SHA256.
func deriveStoreKey(master []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, master, nil, []byte("doorwai-secure-store"))
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	return out, nil
}

func loadOrCreateMasterKey(path string) ([]byte, error) {
	master, err := os.ReadFile(path)
	if err == nil {
		if len(master) != 32 {
			return nil, fmt.Errorf("master key at %s has unexpected length %d", path, len(master))
		}
		return master, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	master = make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.WriteFile(path, master, 0o600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}
	return master, nil
}
