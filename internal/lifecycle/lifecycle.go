// Package lifecycle ties capsules and ledger records to domain entities —
// datasets, models, training runs, deployments, and individual inference
// decisions — across their life cycle. A lifecycle anchor owns no data; it is
// a ledger record indexing the capsules and records behind one named stage of
// an entity's life.
package lifecycle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ssd-technologies/provenant/internal/capsule"
	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/storage"
)

var (
	// ErrNotLifecycleKind is returned when an operation names a record kind
	// outside dataset/model/training/deployment/inference.
	ErrNotLifecycleKind = errors.New("lifecycle: not a lifecycle kind")
	// ErrLinkOrder is returned when a link would point from an anchor to an
	// earlier one. Links only point forward in ledger order, which is what
	// rules out cycles.
	ErrLinkOrder = errors.New("lifecycle: link must point to a later anchor")
	// ErrUnknownCapsule is returned when an anchor references a capsule that
	// does not exist.
	ErrUnknownCapsule = errors.New("lifecycle: unknown capsule")
	// ErrErasureIncomplete is returned when a capsule still materializes
	// after its subject's key was destroyed. It indicates a storage-level
	// fault, never a normal outcome.
	ErrErasureIncomplete = errors.New("lifecycle: erasure verification failed")
)

const appendAttempts = 5

// Anchor is the domain-level view of a lifecycle ledger record. Its ID is the
// record ID — the opaque handle callers pass around.
type Anchor struct {
	ID         string            `json:"id"`
	Kind       ledger.Kind       `json:"kind"`
	Name       string            `json:"name"`
	Seq        int64             `json:"seq"`
	Meta       map[string]string `json:"meta,omitempty"`
	CapsuleIDs []string          `json:"capsule_ids,omitempty"`
	CreatedAt  int64             `json:"created_at"`
}

// ErasureRecord documents an executed erasure: the destruction proof and the
// verification hash over the capsules confirmed unreadable, committed as a
// compliance ledger record.
type ErasureRecord struct {
	RecordID     string `json:"record_id"`
	SubjectID    string `json:"subject_id"`
	Basis        string `json:"basis"`
	DestroyedAt  int64  `json:"destroyed_at"`
	Proof        string `json:"proof"`
	Verification string `json:"verification"`
	CapsuleCount int    `json:"capsule_count"`
}

// Manager is the orchestration layer over the ledger, capsule manager, and
// keystore.
type Manager struct {
	db       *storage.DB
	chain    *ledger.Ledger
	capsules *capsule.Manager
	keys     *keystore.Store
}

// NewManager creates a lifecycle manager.
func NewManager(db *storage.DB, chain *ledger.Ledger, capsules *capsule.Manager, keys *keystore.Store) *Manager {
	return &Manager{db: db, chain: chain, capsules: capsules, keys: keys}
}

func lifecycleKind(k ledger.Kind) bool {
	switch k {
	case ledger.KindDataset, ledger.KindModel, ledger.KindTraining, ledger.KindDeployment, ledger.KindInference:
		return true
	}
	return false
}

// appendWithRetry commits a record, retrying a bounded number of times on
// append contention before giving up.
func (m *Manager) appendWithRetry(kind ledger.Kind, payload *ledger.Payload) (*storage.Record, error) {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		record, err := m.chain.Append(kind, payload)
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

// CreateAnchor commits one lifecycle record of the given kind referencing the
// given capsules. Every referenced capsule must exist; dangling references
// are rejected before anything touches the ledger.
func (m *Manager) CreateAnchor(kind ledger.Kind, name string, meta map[string]string, capsuleIDs []string) (*Anchor, error) {
	if !lifecycleKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrNotLifecycleKind, kind)
	}
	for _, id := range capsuleIDs {
		if _, err := m.capsules.Get(id); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCapsule, id)
		}
	}

	record, err := m.appendWithRetry(kind, &ledger.Payload{
		Op:         "anchor-created",
		Name:       name,
		Meta:       meta,
		CapsuleIDs: capsuleIDs,
	})
	if err != nil {
		return nil, err
	}

	return &Anchor{
		ID:         record.ID,
		Kind:       kind,
		Name:       name,
		Seq:        record.Seq,
		Meta:       meta,
		CapsuleIDs: capsuleIDs,
		CreatedAt:  record.Timestamp,
	}, nil
}

// Get resolves an anchor handle back to its domain view.
func (m *Manager) Get(anchorID string) (*Anchor, error) {
	record, err := m.chain.Get(anchorID)
	if err != nil {
		return nil, err
	}
	return anchorFromRecord(record)
}

func anchorFromRecord(record *storage.Record) (*Anchor, error) {
	kind := ledger.Kind(record.Kind)
	if !lifecycleKind(kind) {
		return nil, fmt.Errorf("%w: record %s is %q", ErrNotLifecycleKind, record.ID, record.Kind)
	}
	payload, err := ledger.DecodePayload(record)
	if err != nil {
		return nil, err
	}
	return &Anchor{
		ID:         record.ID,
		Kind:       kind,
		Name:       payload.Name,
		Seq:        record.Seq,
		Meta:       payload.Meta,
		CapsuleIDs: payload.CapsuleIDs,
		CreatedAt:  record.Timestamp,
	}, nil
}

// ListByKind returns all anchors of one lifecycle kind in chain order.
func (m *Manager) ListByKind(kind ledger.Kind) ([]Anchor, error) {
	if !lifecycleKind(kind) {
		return nil, fmt.Errorf("%w: %q", ErrNotLifecycleKind, kind)
	}
	records, err := m.db.RecordsByKind(string(kind))
	if err != nil {
		return nil, err
	}
	anchors := make([]Anchor, 0, len(records))
	for i := range records {
		a, err := anchorFromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		anchors = append(anchors, *a)
	}
	return anchors, nil
}

// Link commits a directed edge from parent to child — "trained-from",
// "produced-by" — as an immutable audit record. The child must have been
// created strictly after the parent, so edges always point forward and the
// graph stays acyclic.
func (m *Manager) Link(parentID, childID, relation string) (*storage.Record, error) {
	parent, err := m.Get(parentID)
	if err != nil {
		return nil, fmt.Errorf("resolve parent: %w", err)
	}
	child, err := m.Get(childID)
	if err != nil {
		return nil, fmt.Errorf("resolve child: %w", err)
	}
	if child.Seq <= parent.Seq {
		return nil, fmt.Errorf("%w: parent seq %d, child seq %d", ErrLinkOrder, parent.Seq, child.Seq)
	}

	record, err := m.appendWithRetry(ledger.KindAudit, &ledger.Payload{
		Op:       "anchor-linked",
		ParentID: parentID,
		ChildID:  childID,
		Relation: relation,
	})
	if err != nil {
		return nil, err
	}

	if err := m.db.CreateLifecycleLink(&storage.LifecycleLink{
		RecordID: record.ID,
		ParentID: parentID,
		ChildID:  childID,
		Relation: relation,
	}); err != nil {
		return nil, err
	}
	return record, nil
}

// Links returns every edge touching the anchor.
func (m *Manager) Links(anchorID string) ([]storage.LifecycleLink, error) {
	return m.db.ListLifecycleLinks(anchorID)
}

// Erase executes an authorized erasure for a subject: destroy the key, verify
// every capsule of the subject is now unrecoverable, and commit the
// compliance record carrying the destruction proof. The core does not judge
// the authorizing basis; it records it verbatim.
func (m *Manager) Erase(subjectID, basis string) (*ErasureRecord, error) {
	proof, err := m.keys.Destroy(subjectID)
	if err != nil {
		return nil, fmt.Errorf("destroy key: %w", err)
	}

	capsules, err := m.capsules.ListBySubject(subjectID)
	if err != nil {
		return nil, fmt.Errorf("list subject capsules: %w", err)
	}

	// Verify erasure took effect: every capsule must refuse to materialize.
	// The verification hash commits to the checked capsule set.
	vh := crypto.NewHasher()
	vh.Write([]byte("provenant-erasure-verified"))
	vh.Write(proof.Proof)
	capsuleIDs := make([]string, 0, len(capsules))
	for _, c := range capsules {
		if _, err := m.capsules.Materialize(c.ID); !errors.Is(err, capsule.ErrUnrecoverable) {
			return nil, fmt.Errorf("%w: capsule %s still readable", ErrErasureIncomplete, c.ID)
		}
		vh.Write([]byte(c.ID))
		capsuleIDs = append(capsuleIDs, c.ID)
	}
	verification := vh.Sum()

	record, err := m.appendWithRetry(ledger.KindCompliance, &ledger.Payload{
		Op:         "subject-erased",
		SubjectID:  subjectID,
		Basis:      basis,
		Proof:      hex.EncodeToString(proof.Proof),
		CapsuleIDs: capsuleIDs,
		Meta:       map[string]string{"verification": hex.EncodeToString(verification)},
	})
	if err != nil {
		return nil, err
	}

	return &ErasureRecord{
		RecordID:     record.ID,
		SubjectID:    subjectID,
		Basis:        basis,
		DestroyedAt:  proof.DestroyedAt,
		Proof:        hex.EncodeToString(proof.Proof),
		Verification: hex.EncodeToString(verification),
		CapsuleCount: len(capsuleIDs),
	}, nil
}
