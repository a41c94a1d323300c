package crypto

import (
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // 64 MB
	argonThreads = 4
	saltLen      = 32
)

// DeriveMasterKey stretches the operator master secret into the 32-byte
// key-encryption key used to wrap per-subject data keys at rest.
func DeriveMasterKey(secret string, salt []byte) []byte {
	return argon2.IDKey([]byte(secret), salt, argonTime, argonMemory, argonThreads, KeyLen)
}

// GenerateSalt returns a fresh 32-byte random salt.
func GenerateSalt() []byte {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return salt
}

// LoadOrGenerateSalt loads the KEK derivation salt from path, or generates
// and saves a new one if the file doesn't exist.
func LoadOrGenerateSalt(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != saltLen {
			return nil, fmt.Errorf("invalid salt file: expected %d bytes, got %d", saltLen, len(data))
		}
		return data, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt file: %w", err)
	}

	salt := GenerateSalt()
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("write salt file: %w", err)
	}
	return salt, nil
}

// NewDataKey generates a random 32-byte per-subject data key.
func NewDataKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Zero overwrites b with zero bytes. Used when key material leaves scope
// during destruction.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
