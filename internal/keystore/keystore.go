// Package keystore owns the per-subject data keys and is the only component
// with erasure authority: destroying a subject's key is what makes every
// capsule encrypted under it permanently unreadable.
package keystore

import (
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/storage"
)

var (
	// ErrKeyExists is returned by Derive when a live key already exists and
	// overwrite was not requested.
	ErrKeyExists = errors.New("keystore: key already exists")
	// ErrKeyNotFound is returned by Get for unknown or destroyed subjects.
	// After a legitimate erasure this is the expected terminal state, not a
	// failure.
	ErrKeyNotFound = errors.New("keystore: key not found")
	// ErrKeyDestroyed is returned by Derive for a tombstoned subject. A
	// destroyed subject never gets a fresh key; erasure is a one-way latch.
	ErrKeyDestroyed = errors.New("keystore: key destroyed")
)

// DestructionProof attests that a subject's key material was irreversibly
// removed. Proof is the SHA3-256 digest of the canonical destruction
// attestation and goes into the compliance ledger record.
type DestructionProof struct {
	SubjectID   string `json:"subject_id"`
	DestroyedAt int64  `json:"destroyed_at"`
	Proof       []byte `json:"proof"`
}

// Store manages wrapped subject keys. Keys are wrapped at rest with the
// operator KEK; destruction drops the wrapped material and leaves a tombstone
// carrying the proof. The RWMutex makes destruction a barrier: once Destroy
// holds the write lock, every later Get observes ErrKeyNotFound.
type Store struct {
	mu  sync.RWMutex
	db  *storage.DB
	kek []byte
}

// New creates a Store over db using the given 32-byte key-encryption key.
func New(db *storage.DB, kek []byte) (*Store, error) {
	if len(kek) != crypto.KeyLen {
		return nil, fmt.Errorf("keystore: kek must be %d bytes, got %d", crypto.KeyLen, len(kek))
	}
	return &Store{db: db, kek: kek}, nil
}

// Derive creates a fresh random data key for subjectID, wraps it, and stores
// it. With overwrite it replaces a live key; it never resurrects a destroyed
// one.
func (s *Store) Derive(subjectID string, overwrite bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.db.GetSubjectKey(subjectID)
	switch {
	case err == nil && existing.Destroyed():
		return nil, ErrKeyDestroyed
	case err == nil && !overwrite:
		return nil, ErrKeyExists
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("lookup subject key: %w", err)
	}

	key, err := crypto.NewDataKey()
	if err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	wrapped, nonce, tag, err := crypto.Seal(key, s.kek)
	if err != nil {
		return nil, fmt.Errorf("wrap data key: %w", err)
	}

	row := &storage.SubjectKey{
		SubjectID:  subjectID,
		WrappedKey: wrapped,
		WrapNonce:  nonce,
		WrapTag:    tag,
		CreatedAt:  time.Now().Unix(),
	}
	if existing != nil {
		err = s.db.ReplaceSubjectKey(row)
	} else {
		err = s.db.CreateSubjectKey(row)
	}
	if err != nil {
		return nil, fmt.Errorf("store subject key: %w", err)
	}
	return key, nil
}

// Get unwraps and returns the subject's data key. It returns ErrKeyNotFound
// both for subjects that never had a key and for destroyed ones — callers
// cannot distinguish the two through this method, which is what makes the
// erasure signal uniform.
func (s *Store) Get(subjectID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(subjectID)
}

// GetOrDerive returns the subject's live key, creating one if the subject has
// never had a key. A destroyed subject yields ErrKeyDestroyed.
func (s *Store) GetOrDerive(subjectID string) ([]byte, error) {
	s.mu.RLock()
	key, err := s.getLocked(subjectID)
	s.mu.RUnlock()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		return nil, err
	}

	key, err = s.Derive(subjectID, false)
	if errors.Is(err, ErrKeyExists) {
		// Lost the race to a concurrent Derive for the same subject.
		return s.Get(subjectID)
	}
	return key, err
}

func (s *Store) getLocked(subjectID string) ([]byte, error) {
	row, err := s.db.GetSubjectKey(subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subject key: %w", err)
	}
	if row.Destroyed() {
		return nil, ErrKeyNotFound
	}

	key, err := crypto.Open(row.WrappedKey, row.WrapNonce, row.WrapTag, s.kek)
	if err != nil {
		return nil, fmt.Errorf("unwrap subject key: %w", err)
	}
	return key, nil
}

// Destroy irreversibly removes the subject's key material and returns the
// destruction proof. Destroying an already-destroyed key returns the stored
// proof rather than erroring. Destroying a never-derived key is
// ErrKeyNotFound.
func (s *Store) Destroy(subjectID string) (*DestructionProof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, err := s.db.GetSubjectKey(subjectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup subject key: %w", err)
	}
	if row.Destroyed() {
		return &DestructionProof{
			SubjectID:   row.SubjectID,
			DestroyedAt: row.DestroyedAt,
			Proof:       row.DestructionProof,
		}, nil
	}

	destroyedAt := time.Now().UnixNano()
	proof := attestDestruction(subjectID, row.WrappedKey, destroyedAt)

	if err := s.db.TombstoneSubjectKey(subjectID, destroyedAt, proof); err != nil {
		return nil, fmt.Errorf("tombstone subject key: %w", err)
	}
	crypto.Zero(row.WrappedKey)

	return &DestructionProof{
		SubjectID:   subjectID,
		DestroyedAt: destroyedAt,
		Proof:       proof,
	}, nil
}

// attestDestruction hashes the canonical destruction attestation: a domain
// tag, the subject, the fingerprint of the wrapped key being destroyed, and
// the destruction time.
func attestDestruction(subjectID string, wrappedKey []byte, destroyedAt int64) []byte {
	h := crypto.NewHasher()
	h.Write([]byte("provenant-key-destroyed"))
	h.Write([]byte(subjectID))
	h.Write(crypto.ContentHash(wrappedKey))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(destroyedAt))
	h.Write(ts[:])
	return h.Sum()
}
