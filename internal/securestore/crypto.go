package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	// keySize is the AES-256 key length in bytes.
	keySize = 32

	// keyringUser identifies the device key entry within the keyring service.
	keyringUser = "device-key"
)

// cipherBox seals and opens record envelopes with AES-256-GCM.
// The random nonce is prepended to the ciphertext.
type cipherBox struct {
	aead cipher.AEAD
}

func newCipherBox(key []byte) (*cipherBox, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", keySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &cipherBox{aead: aead}, nil
}

func (b *cipherBox) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *cipherBox) open(blob []byte) ([]byte, error) {
	if len(blob) < b.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ciphertext := blob[:b.aead.NonceSize()], blob[b.aead.NonceSize():]
	return b.aead.Open(nil, nonce, ciphertext, nil)
}

// deriveKey stretches a configured passphrase into an AES-256 key with
// argon2id. The salt is not secret and is persisted next to the records.
func deriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, keySize)
}

// deviceKey returns the per-device random key, generating and parking it in
// the OS keyring on first use. The keyring entry survives app data wipes as
// long as the platform keystore does.
func deviceKey(service string) ([]byte, error) {
	encoded, err := keyring.Get(service, keyringUser)
	if err == nil {
		key, decodeErr := base64.StdEncoding.DecodeString(encoded)
		if decodeErr != nil || len(key) != keySize {
			return nil, fmt.Errorf("malformed device key in keyring for service %s", service)
		}
		return key, nil
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := keyring.Set(service, keyringUser, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, err
	}
	return key, nil
}
