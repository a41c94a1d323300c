// Package ledger is the append-only, hash-chained record store. Every fact
// the system commits to — capsule creation, lifecycle events, compliance
// actions — becomes one immutable record whose hash covers the previous
// record, so any mutation anywhere breaks verification from that point on.
package ledger

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/storage"
)

var (
	// ErrConcurrentAppend is returned when another append committed between
	// snapshotting the tail and committing. The ledger never retries itself;
	// callers retry with backoff.
	ErrConcurrentAppend = errors.New("ledger: concurrent append conflict")
	// ErrRecordNotFound is returned for unknown record IDs.
	ErrRecordNotFound = errors.New("ledger: record not found")
	// ErrInvalidKind is returned for record kinds outside the schema.
	ErrInvalidKind = errors.New("ledger: invalid record kind")
)

// GenesisHash seeds the chain: the previous-hash of the first record.
var GenesisHash = crypto.ContentHash([]byte("provenant-genesis"))

// IntegrityError reports the exact record where chain verification failed.
// It is never produced by contention or absence; it means corruption or
// tampering, and trust in the range from Seq onward must halt.
type IntegrityError struct {
	RecordID string
	Seq      int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity failure at record %s (seq %d): %s", e.RecordID, e.Seq, e.Reason)
}

// Ledger is the single serialization point for appends. Concurrent readers
// need no coordination since committed records never change.
type Ledger struct {
	db *storage.DB

	mu       sync.Mutex
	tailSeq  int64
	tailHash []byte
}

// New opens the ledger over db, recovering the chain tail from storage.
func New(db *storage.DB) (*Ledger, error) {
	l := &Ledger{db: db, tailHash: GenesisHash}

	tail, err := db.TailRecord()
	if errors.Is(err, sql.ErrNoRows) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("recover tail: %w", err)
	}
	l.tailSeq = tail.Seq
	l.tailHash = tail.ContentHash
	return l, nil
}

// TailSnapshot returns the current chain tail position and hash. Appends are
// committed against a snapshot; if the tail moves in between, the commit
// fails with ErrConcurrentAppend.
func (l *Ledger) TailSnapshot() (int64, []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailSeq, l.tailHash
}

// Append commits one record to the chain, taking its own tail snapshot. An
// append either adds a fully-linked record or nothing.
func (l *Ledger) Append(kind Kind, payload *Payload) (*storage.Record, error) {
	prevSeq, prevHash := l.TailSnapshot()
	return l.AppendAt(prevSeq, prevHash, kind, payload)
}

// AppendAt commits one record on top of the given tail snapshot. It is the
// optimistic compare-and-swap form of Append: serialization and hashing
// happen outside the commit lock, and the commit succeeds only if the tail
// still matches the snapshot — otherwise ErrConcurrentAppend, and the caller
// re-snapshots and retries.
func (l *Ledger) AppendAt(prevSeq int64, prevHash []byte, kind Kind, payload *Payload) (*storage.Record, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if payload == nil {
		payload = &Payload{}
	}
	payload.Version = PayloadVersion
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	r := &storage.Record{
		ID:        uuid.NewString(),
		Seq:       prevSeq + 1,
		Kind:      string(kind),
		Timestamp: time.Now().UnixNano(),
		Payload:   encoded,
		PrevHash:  prevHash,
	}
	r.ContentHash = hashRecord(r.ID, kind, r.Timestamp, payload, prevHash)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tailSeq != prevSeq {
		return nil, ErrConcurrentAppend
	}
	if err := l.db.InsertRecord(r); err != nil {
		return nil, fmt.Errorf("commit record: %w", err)
	}
	l.tailSeq = r.Seq
	l.tailHash = r.ContentHash
	return r, nil
}

// Get retrieves a committed record by ID.
func (l *Ledger) Get(recordID string) (*storage.Record, error) {
	r, err := l.db.GetRecord(recordID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetBySeq retrieves a committed record by chain position.
func (l *Ledger) GetBySeq(seq int64) (*storage.Record, error) {
	r, err := l.db.GetRecordBySeq(seq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Tail returns the most recent record, or ErrRecordNotFound on an empty
// ledger.
func (l *Ledger) Tail() (*storage.Record, error) {
	r, err := l.db.TailRecord()
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Range returns committed records with fromSeq <= seq <= toSeq in chain
// order. The anchor engine uses it to take a consistent batch snapshot
// without blocking future appends.
func (l *Ledger) Range(fromSeq, toSeq int64) ([]storage.Record, error) {
	return l.db.RecordsRange(fromSeq, toSeq)
}

// VerifyChain recomputes every hash link from record fromID through toID and
// returns nil if the whole range is intact. On the first mismatch it returns
// an *IntegrityError naming the offending record.
func (l *Ledger) VerifyChain(fromID, toID string) error {
	from, err := l.Get(fromID)
	if err != nil {
		return fmt.Errorf("resolve from record: %w", err)
	}
	to, err := l.Get(toID)
	if err != nil {
		return fmt.Errorf("resolve to record: %w", err)
	}
	if from.Seq > to.Seq {
		return fmt.Errorf("ledger: verify range inverted: seq %d > %d", from.Seq, to.Seq)
	}

	records, err := l.db.RecordsRange(from.Seq, to.Seq)
	if err != nil {
		return fmt.Errorf("load verify range: %w", err)
	}

	prevHash := GenesisHash
	if from.Seq > 1 {
		prev, err := l.db.GetRecordBySeq(from.Seq - 1)
		if err != nil {
			return fmt.Errorf("load predecessor of verify range: %w", err)
		}
		prevHash = prev.ContentHash
	}

	return VerifyRecords(records, prevHash)
}

// VerifyRecords checks a contiguous run of records against the hash of the
// record immediately before the run (GenesisHash for a run starting at the
// first record). It is a pure function over its inputs so external tooling
// can verify exported record sets without a live ledger.
func VerifyRecords(records []storage.Record, prevHash []byte) error {
	for i := range records {
		r := &records[i]

		if !bytes.Equal(r.PrevHash, prevHash) {
			return &IntegrityError{RecordID: r.ID, Seq: r.Seq, Reason: "previous-hash link mismatch"}
		}

		payload, err := DecodePayload(r)
		if err != nil {
			return &IntegrityError{RecordID: r.ID, Seq: r.Seq, Reason: "payload undecodable"}
		}
		computed := hashRecord(r.ID, Kind(r.Kind), r.Timestamp, payload, r.PrevHash)
		if !bytes.Equal(computed, r.ContentHash) {
			return &IntegrityError{RecordID: r.ID, Seq: r.Seq, Reason: "content hash mismatch"}
		}

		prevHash = r.ContentHash
	}
	return nil
}
