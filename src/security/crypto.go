package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

var ErrDecryptFailed = errors.New("decryption failed")

// DecodeKey parses the base64 cache key from the environment.
func DecodeKey(encoded string) (*[keySize]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode cache key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("cache key must be %d bytes, got %d", keySize, len(raw))
	}

	var key [keySize]byte
	copy(key[:], raw)
	return &key, nil
}

// Encrypt seals plaintext with a random nonce prepended to the box.
func Encrypt(plaintext []byte, key *[keySize]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// Decrypt opens a box produced by Encrypt.
func Decrypt(ciphertext []byte, key *[keySize]byte) ([]byte, error) {
	if len(ciphertext) < 24 {
		return nil, ErrDecryptFailed
	}

	var nonce [24]byte
	copy(nonce[:], ciphertext[:24])

	plaintext, ok := secretbox.Open(nil, ciphertext[24:], &nonce, key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}
