// Package anchor periodically folds ledger records into Merkle trees and
// publishes the roots, so external auditors can check record inclusion with
// compact proofs and no trust in the operator.
package anchor

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/storage"
)

var (
	// ErrEmptyBatch is returned when anchoring is requested over no records.
	ErrEmptyBatch = errors.New("anchor: empty batch")
	// ErrNotInBatch is returned when a record is not part of the anchor's
	// batch.
	ErrNotInBatch = errors.New("anchor: record not in batch")
	// ErrAnchorNotFound is returned for unknown anchor IDs.
	ErrAnchorNotFound = errors.New("anchor: not found")
)

// Config sets the batching policy: anchor once Batch unanchored records
// accumulate, or once Interval has passed with any pending records —
// whichever comes first. Staleness is bounded either way.
type Config struct {
	Batch    int
	Interval time.Duration
}

// DefaultConfig anchors every 64 records or every 5 minutes.
func DefaultConfig() Config {
	return Config{Batch: 64, Interval: 5 * time.Minute}
}

// Engine builds and stores anchors. Anchoring is decoupled from appending:
// it reads a consistent snapshot of committed records and never blocks
// future appends.
type Engine struct {
	db      *storage.DB
	chain   *ledger.Ledger
	signKey ed25519.PrivateKey
	cfg     Config

	mu       sync.Mutex // serializes anchor creation
	onAnchor func(*storage.Anchor)
}

// NewEngine creates an anchor engine. signKey may be nil, in which case
// anchors are published without an attestation signature.
func NewEngine(db *storage.DB, chain *ledger.Ledger, signKey ed25519.PrivateKey, cfg Config) *Engine {
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultConfig().Batch
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Engine{db: db, chain: chain, signKey: signKey, cfg: cfg}
}

// OnAnchor registers a callback invoked after each published anchor. The
// server uses it to feed live auditor subscriptions.
func (e *Engine) OnAnchor(fn func(*storage.Anchor)) {
	e.onAnchor = fn
}

// AnchorBatch builds a Merkle tree over the content hashes of the given
// records, in the given order, and publishes the root. The anchor and its
// leaf index are committed together; once published they never change.
func (e *Engine) AnchorBatch(recordIDs []string) (*storage.Anchor, error) {
	if len(recordIDs) == 0 {
		return nil, ErrEmptyBatch
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	leaves := make([][]byte, len(recordIDs))
	leafRows := make([]storage.AnchorLeaf, len(recordIDs))
	firstSeq, lastSeq := int64(0), int64(0)
	for i, id := range recordIDs {
		r, err := e.chain.Get(id)
		if err != nil {
			return nil, fmt.Errorf("resolve batch record %s: %w", id, err)
		}
		leaves[i] = r.ContentHash
		leafRows[i] = storage.AnchorLeaf{
			LeafIndex:  i,
			RecordID:   r.ID,
			RecordHash: r.ContentHash,
		}
		if firstSeq == 0 || r.Seq < firstSeq {
			firstSeq = r.Seq
		}
		if r.Seq > lastSeq {
			lastSeq = r.Seq
		}
	}

	a := &storage.Anchor{
		ID:        uuid.NewString(),
		Root:      merkleRoot(leaves),
		BatchSize: len(recordIDs),
		FirstSeq:  firstSeq,
		LastSeq:   lastSeq,
		CreatedAt: time.Now().UnixNano(),
	}
	if e.signKey != nil {
		a.Signature = ed25519.Sign(e.signKey, attestation(a.Root, a.CreatedAt))
	}
	for i := range leafRows {
		leafRows[i].AnchorID = a.ID
	}

	if err := e.db.CreateAnchor(a, leafRows); err != nil {
		return nil, fmt.Errorf("store anchor: %w", err)
	}

	if e.onAnchor != nil {
		e.onAnchor(a)
	}
	return a, nil
}

// attestation is the byte string the anchor signature covers: the root
// followed by the big-endian unix-nano creation time.
func attestation(root []byte, createdAt int64) []byte {
	msg := make([]byte, 0, len(root)+8)
	msg = append(msg, root...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt))
	return append(msg, ts[:]...)
}

// VerifyAttestation checks an anchor's signature against the given public
// key. Anchors published without a signature never verify.
func VerifyAttestation(pub ed25519.PublicKey, a *storage.Anchor) bool {
	if len(a.Signature) == 0 {
		return false
	}
	return ed25519.Verify(pub, attestation(a.Root, a.CreatedAt), a.Signature)
}

// Get retrieves a published anchor.
func (e *Engine) Get(anchorID string) (*storage.Anchor, error) {
	a, err := e.db.GetAnchor(anchorID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnchorNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ProveInclusion returns the sibling-hash path for a record within an
// anchor's batch, or ErrNotInBatch.
func (e *Engine) ProveInclusion(anchorID, recordID string) (*InclusionProof, error) {
	if _, err := e.Get(anchorID); err != nil {
		return nil, err
	}

	rows, err := e.db.GetAnchorLeaves(anchorID)
	if err != nil {
		return nil, fmt.Errorf("load anchor leaves: %w", err)
	}

	leaves := make([][]byte, len(rows))
	index := -1
	for i, row := range rows {
		leaves[i] = row.RecordHash
		if row.RecordID == recordID {
			index = i
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: record %s not under anchor %s", ErrNotInBatch, recordID, anchorID)
	}

	return &InclusionProof{
		AnchorID:   anchorID,
		RecordID:   recordID,
		LeafIndex:  index,
		RecordHash: hex.EncodeToString(leaves[index]),
		Steps:      merklePath(leaves, index),
	}, nil
}

// AnchorPending anchors all records committed since the last anchor. It
// returns nil, nil when nothing is pending.
func (e *Engine) AnchorPending() (*storage.Anchor, error) {
	sinceSeq := int64(0)
	latest, err := e.db.LatestAnchor()
	if err == nil {
		sinceSeq = latest.LastSeq
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("latest anchor: %w", err)
	}

	tail, err := e.chain.Tail()
	if errors.Is(err, ledger.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if tail.Seq <= sinceSeq {
		return nil, nil
	}

	records, err := e.chain.Range(sinceSeq+1, tail.Seq)
	if err != nil {
		return nil, fmt.Errorf("load pending records: %w", err)
	}
	ids := make([]string, len(records))
	for i := range records {
		ids[i] = records[i].ID
	}
	return e.AnchorBatch(ids)
}

// Run is the anchoring worker: it anchors pending records as soon as the
// batch threshold is reached, and otherwise at least every configured
// interval. Call with a cancellable context for graceful shutdown.
func (e *Engine) Run(ctx context.Context) {
	poll := e.cfg.Interval / 10
	if poll < time.Second {
		poll = time.Second
	}
	lastAnchor := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
			pending, err := e.pendingCount()
			if err != nil {
				log.Printf("[anchor] count pending: %v", err)
				continue
			}
			if pending == 0 {
				continue
			}
			if pending < e.cfg.Batch && time.Since(lastAnchor) < e.cfg.Interval {
				continue
			}

			a, err := e.AnchorPending()
			if err != nil {
				log.Printf("[anchor] anchor pending: %v", err)
				continue
			}
			if a != nil {
				lastAnchor = time.Now()
				log.Printf("[anchor] published anchor %s over %d records (seq %d-%d)",
					a.ID, a.BatchSize, a.FirstSeq, a.LastSeq)
			}
		}
	}
}

// pendingCount returns how many committed records are not yet anchored.
func (e *Engine) pendingCount() (int, error) {
	sinceSeq := int64(0)
	latest, err := e.db.LatestAnchor()
	if err == nil {
		sinceSeq = latest.LastSeq
	} else if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return e.db.CountRecordsAfter(sinceSeq)
}
