package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// KeyLen is the byte length of data keys and the key-encryption key.
	KeyLen = 32
	// NonceLen is the AES-GCM nonce length.
	NonceLen = 12
	// TagLen is the AES-GCM authentication tag length.
	TagLen = 16
)

// ErrAuthFailed is returned when GCM authentication fails on Open. Callers
// should treat it as corruption, not as a missing-key condition.
var ErrAuthFailed = errors.New("crypto: authentication failed")

// Seal encrypts plaintext with a raw 32-byte key using AES-256-GCM and a
// fresh random nonce. The authentication tag is returned separately so the
// capsule store can persist ciphertext, nonce, and tag as distinct columns.
func Seal(plaintext, key []byte) (ciphertext, nonce, tag []byte, err error) {
	if len(key) != KeyLen {
		return nil, nil, nil, fmt.Errorf("seal: key must be %d bytes, got %d", KeyLen, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce = make([]byte, NonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext = sealed[:len(sealed)-TagLen]
	// Detach the tag from sealed's backing array: the returned ciphertext
	// keeps capacity over the tag bytes, and callers that grow it in place
	// (e.g. Reed-Solomon padding) would otherwise clobber the tag.
	tag = append([]byte(nil), sealed[len(sealed)-TagLen:]...)
	return ciphertext, nonce, tag, nil
}

// Open decrypts ciphertext produced by Seal, authenticating it against tag.
func Open(ciphertext, nonce, tag, key []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, fmt.Errorf("open: key must be %d bytes, got %d", KeyLen, len(key))
	}
	if len(tag) != TagLen {
		return nil, fmt.Errorf("open: tag must be %d bytes, got %d", TagLen, len(tag))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+TagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}
