// Package capsule converts sensitive payloads into encrypted, hash-committed
// capsules. The hash proof is computed over the plaintext before encryption
// and stored apart from the ciphertext, so it keeps verifying long after the
// subject's key — and with it the ciphertext — is gone.
package capsule

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/storage"
)

const (
	// MaxPayloadLen caps capsule plaintext at 16 MiB.
	MaxPayloadLen = 16 << 20

	defaultDataShards   = 4
	defaultParityShards = 2

	appendAttempts = 5
)

var (
	// ErrPayloadTooLarge is returned when the plaintext exceeds MaxPayloadLen.
	ErrPayloadTooLarge = errors.New("capsule: payload too large")
	// ErrEmptyPayload is returned for zero-length plaintexts, which have
	// nothing to commit to.
	ErrEmptyPayload = errors.New("capsule: empty payload")
	// ErrUnrecoverable is returned by Materialize once the subject's key has
	// been destroyed. It is the expected post-erasure terminal state, not a
	// fault.
	ErrUnrecoverable = errors.New("capsule: unrecoverable")
	// ErrCapsuleNotFound is returned for unknown capsule IDs.
	ErrCapsuleNotFound = errors.New("capsule: not found")
)

// Manager owns the capsule store. Every capsule it creates is backed by a
// referencing ledger record; a capsule whose record fails to commit is
// unwound, so the store never holds orphans.
type Manager struct {
	db           *storage.DB
	keys         *keystore.Store
	chain        *ledger.Ledger
	dataShards   int
	parityShards int
}

// NewManager creates a capsule manager over the given stores.
func NewManager(db *storage.DB, keys *keystore.Store, chain *ledger.Ledger) *Manager {
	return &Manager{
		db:           db,
		keys:         keys,
		chain:        chain,
		dataShards:   defaultDataShards,
		parityShards: defaultParityShards,
	}
}

// Create encrypts payload under the subject's key and commits the capsule:
// hash proof over the plaintext first, AES-GCM seal, Reed-Solomon sharded
// ciphertext, then the referencing audit record on the ledger. Deriving a
// key for a subject that never had one is implicit; a destroyed subject is
// refused.
func (m *Manager) Create(payload []byte, meta map[string]string, subjectID string) (*storage.Capsule, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), MaxPayloadLen)
	}

	hashProof := crypto.ContentHash(payload)

	key, err := m.keys.GetOrDerive(subjectID)
	if err != nil {
		return nil, fmt.Errorf("subject key: %w", err)
	}

	ciphertext, nonce, tag, err := crypto.Seal(payload, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt payload: %w", err)
	}

	shards, err := shardCiphertext(ciphertext, m.dataShards, m.parityShards)
	if err != nil {
		return nil, fmt.Errorf("shard ciphertext: %w", err)
	}

	c := &storage.Capsule{
		ID:           uuid.NewString(),
		SubjectID:    subjectID,
		HashProof:    hashProof,
		Nonce:        nonce,
		Tag:          tag,
		Metadata:     meta,
		CipherLen:    int64(len(ciphertext)),
		DataShards:   m.dataShards,
		ParityShards: m.parityShards,
		CreatedAt:    time.Now().Unix(),
	}
	if err := m.db.CreateCapsule(c, shards); err != nil {
		return nil, fmt.Errorf("store capsule: %w", err)
	}

	record, err := m.appendCreated(c)
	if err != nil {
		// Unwind: a capsule without a ledger record must not exist.
		if delErr := m.db.DeleteCapsule(c.ID); delErr != nil {
			return nil, fmt.Errorf("append capsule record: %v (unwind failed: %w)", err, delErr)
		}
		return nil, fmt.Errorf("append capsule record: %w", err)
	}

	if err := m.db.SetCapsuleRecord(c.ID, record.ID); err != nil {
		return nil, fmt.Errorf("link capsule record: %w", err)
	}
	c.RecordID = record.ID
	return c, nil
}

// appendCreated commits the audit record referencing the new capsule,
// retrying the bounded number of times on append contention.
func (m *Manager) appendCreated(c *storage.Capsule) (*storage.Record, error) {
	payload := &ledger.Payload{
		Op:         "capsule-created",
		SubjectID:  c.SubjectID,
		CapsuleIDs: []string{c.ID},
		Meta:       map[string]string{"hash_proof": hex.EncodeToString(c.HashProof)},
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		record, err := m.chain.Append(ledger.KindAudit, payload)
		if err == nil {
			return record, nil
		}
		if !errors.Is(err, ledger.ErrConcurrentAppend) {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * time.Millisecond)
	}
	return nil, lastErr
}

// Get returns the capsule's non-sensitive half: hash proof and metadata.
func (m *Manager) Get(capsuleID string) (*storage.Capsule, error) {
	c, err := m.db.GetCapsule(capsuleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCapsuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Materialize decrypts the capsule on demand. The plaintext is computed
// fresh on every call and never cached, so a destroyed key is observed
// immediately as ErrUnrecoverable — the normal state of an erased capsule.
func (m *Manager) Materialize(capsuleID string) ([]byte, error) {
	c, err := m.Get(capsuleID)
	if err != nil {
		return nil, err
	}

	key, err := m.keys.Get(c.SubjectID)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: subject %s key destroyed or absent", ErrUnrecoverable, c.SubjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("subject key: %w", err)
	}

	shards, err := m.db.GetCapsuleShards(c.ID, c.DataShards+c.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("load ciphertext shards: %w", err)
	}
	ciphertext, err := reassembleCiphertext(shards, c.DataShards, c.ParityShards, c.CipherLen)
	if err != nil {
		return nil, fmt.Errorf("reassemble ciphertext: %w", err)
	}

	plaintext, err := crypto.Open(ciphertext, c.Nonce, c.Tag, key)
	if err != nil {
		return nil, fmt.Errorf("decrypt capsule: %w", err)
	}
	return plaintext, nil
}

// VerifyIntegrity recomputes the hash proof over candidate and compares it to
// the stored proof. It needs neither the key nor the ciphertext, so it keeps
// working after erasure.
func (m *Manager) VerifyIntegrity(capsuleID string, candidate []byte) (bool, error) {
	c, err := m.Get(capsuleID)
	if err != nil {
		return false, err
	}
	return bytes.Equal(crypto.ContentHash(candidate), c.HashProof), nil
}

// ListBySubject returns the capsules owned by a subject.
func (m *Manager) ListBySubject(subjectID string) ([]storage.Capsule, error) {
	return m.db.ListCapsulesBySubject(subjectID)
}

// DropShard removes one ciphertext shard. Storage repair tooling and
// durability tests use it; losing up to the parity count is survivable.
func (m *Manager) DropShard(capsuleID string, index int) error {
	return m.db.DeleteCapsuleShard(capsuleID, index)
}
