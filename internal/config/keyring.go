package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Key sources for sealing stored secrets.
const (
	SecretKeyEnv         = "KB_SECRET_KEY"          // current passphrase
	PreviousSecretKeyEnv = "KB_SECRET_KEY_PREVIOUS" // retired passphrases, comma separated
	secretKeyFile        = "secret.key"
)

const (
	sealVersion  = "v1"
	legacyPrefix = "enc:" // unversioned values, no key id or scope
)

// ErrUnknownKey is returned by Open when no key in the ring sealed the value.
var ErrUnknownKey = errors.New("sealed with an unknown key")

// Keyring seals stored secrets with AES-256-GCM. A sealed value reads
// "v1:<key id>:<base64(nonce|ciphertext)>". The key id selects the key that
// opens it and the scope, the name of the setting, is bound as additional
// data. Only the current key seals; previous keys still open, so values can
// be sealed again after a rotation.
type Keyring struct {
	current  ringKey
	previous []ringKey
}

type ringKey struct {
	id   string
	aead cipher.AEAD
}

// LoadKeyring builds the ring from the environment and the key file in dir
// (~/.quickloan-kb when empty). When KB_SECRET_KEY is set it is the current
// key and an existing key file is kept as a previous key. Otherwise the key
// file is current and is generated on first use.
func LoadKeyring(dir string) (*Keyring, error) {
	if dir == "" {
		dir = filepath.Join(homeDir(), ".quickloan-kb")
	}
	keyPath := filepath.Join(dir, secretKeyFile)

	var raws [][]byte
	if pass := os.Getenv(SecretKeyEnv); pass != "" {
		raws = append(raws, passphraseKey(pass))
		if data, err := os.ReadFile(keyPath); err == nil && len(data) >= 32 {
			raws = append(raws, data[:32])
		}
	} else {
		key, err := loadOrCreateKeyFile(keyPath)
		if err != nil {
			return nil, err
		}
		raws = append(raws, key)
	}
	for _, pass := range strings.Split(os.Getenv(PreviousSecretKeyEnv), ",") {
		if pass = strings.TrimSpace(pass); pass != "" {
			raws = append(raws, passphraseKey(pass))
		}
	}

	ring := &Keyring{}
	for i, raw := range raws {
		k, err := newRingKey(raw)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			ring.current = k
		} else if k.id != ring.current.id {
			ring.previous = append(ring.previous, k)
		}
	}
	return ring, nil
}

// KeyID identifies the sealing key without revealing it.
func (k *Keyring) KeyID() string { return k.current.id }

// Seal encrypts plaintext for scope with the current key. An empty plaintext
// stays empty.
func (k *Keyring) Seal(scope, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, k.current.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := k.current.aead.Seal(nonce, nonce, []byte(plaintext), []byte(scope))
	return sealVersion + ":" + k.current.id + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value sealed for scope. stale reports that the value should
// be sealed again: it was stored as plaintext, in the unversioned "enc:"
// format, or under a previous key.
func (k *Keyring) Open(scope, value string) (plaintext string, stale bool, err error) {
	switch {
	case value == "":
		return "", false, nil
	case strings.HasPrefix(value, legacyPrefix):
		return k.openLegacy(strings.TrimPrefix(value, legacyPrefix))
	case !strings.HasPrefix(value, sealVersion+":"):
		return value, true, nil
	}

	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return "", false, errors.New("malformed sealed value")
	}
	data, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", false, fmt.Errorf("base64 decode: %w", err)
	}
	for i, key := range k.keys() {
		if key.id != parts[1] {
			continue
		}
		out, err := openWith(key.aead, data, []byte(scope))
		if err != nil {
			return "", false, err
		}
		return out, i > 0, nil
	}
	return "", false, fmt.Errorf("key %s: %w", parts[1], ErrUnknownKey)
}

func (k *Keyring) openLegacy(payload string) (string, bool, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", false, fmt.Errorf("base64 decode: %w", err)
	}
	for _, key := range k.keys() {
		if out, err := openWith(key.aead, data, nil); err == nil {
			return out, true, nil
		}
	}
	return "", false, fmt.Errorf("unversioned value: %w", ErrUnknownKey)
}

func (k *Keyring) keys() []ringKey {
	return append([]ringKey{k.current}, k.previous...)
}

func openWith(aead cipher.AEAD, data, additional []byte) (string, error) {
	n := aead.NonceSize()
	if len(data) < n {
		return "", errors.New("ciphertext too short")
	}
	out, err := aead.Open(nil, data[:n], data[n:], additional)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(out), nil
}

func newRingKey(raw []byte) (ringKey, error) {
	block, err := aes.NewCipher(raw)
	if err != nil {
		return ringKey{}, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return ringKey{}, fmt.Errorf("gcm: %w", err)
	}
	sum := sha256.Sum256(raw)
	return ringKey{id: hex.EncodeToString(sum[:4]), aead: aead}, nil
}

func passphraseKey(pass string) []byte {
	sum := sha256.Sum256([]byte(pass))
	return sum[:]
}

func loadOrCreateKeyFile(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) >= 32 {
		return data[:32], nil
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write secret key: %w", err)
	}
	return key, nil
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return os.TempDir()
}
