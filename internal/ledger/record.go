package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/storage"
)

// Kind classifies a ledger record.
type Kind string

const (
	KindDataset    Kind = "dataset"
	KindModel      Kind = "model"
	KindTraining   Kind = "training"
	KindDeployment Kind = "deployment"
	KindInference  Kind = "inference"
	KindAudit      Kind = "audit"
	KindCompliance Kind = "compliance"
)

// Valid reports whether k is a known record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindDataset, KindModel, KindTraining, KindDeployment, KindInference, KindAudit, KindCompliance:
		return true
	}
	return false
}

// PayloadVersion is the current payload schema version. It participates in
// the canonical encoding, so bumping it changes every new record's hash.
const PayloadVersion = 1

// Payload is the typed, versioned content of a ledger record. A fixed schema
// instead of an open dictionary keeps the hash computation deterministic and
// reproducible across implementations.
type Payload struct {
	Version    int               `json:"version"`
	Op         string            `json:"op"`
	Name       string            `json:"name,omitempty"`
	SubjectID  string            `json:"subject_id,omitempty"`
	Basis      string            `json:"basis,omitempty"`
	Proof      string            `json:"proof,omitempty"`
	Relation   string            `json:"relation,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	ChildID    string            `json:"child_id,omitempty"`
	CapsuleIDs []string          `json:"capsule_ids,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
}

// appendString writes a length-prefixed string into buf.
func appendString(buf []byte, s string) []byte {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}

// canonical returns the deterministic byte encoding of the payload: fixed
// field order, length prefixes, metadata keys sorted lexicographically.
func (p *Payload) canonical() []byte {
	buf := make([]byte, 0, 256)

	var ver [4]byte
	binary.BigEndian.PutUint32(ver[:], uint32(p.Version))
	buf = append(buf, ver[:]...)

	buf = appendString(buf, p.Op)
	buf = appendString(buf, p.Name)
	buf = appendString(buf, p.SubjectID)
	buf = appendString(buf, p.Basis)
	buf = appendString(buf, p.Proof)
	buf = appendString(buf, p.Relation)
	buf = appendString(buf, p.ParentID)
	buf = appendString(buf, p.ChildID)

	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(p.CapsuleIDs)))
	buf = append(buf, n[:]...)
	for _, id := range p.CapsuleIDs {
		buf = appendString(buf, id)
	}

	keys := make([]string, 0, len(p.Meta))
	for k := range p.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	binary.BigEndian.PutUint32(n[:], uint32(len(keys)))
	buf = append(buf, n[:]...)
	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, p.Meta[k])
	}

	return buf
}

// hashRecord computes the content hash of a record from its fields. The
// previous-record hash participates, so the chain link is part of the record's
// own identity.
func hashRecord(id string, kind Kind, timestamp int64, payload *Payload, prevHash []byte) []byte {
	h := crypto.NewHasher()
	h.Write([]byte(id))
	h.Write([]byte(kind))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	h.Write(ts[:])
	h.Write(payload.canonical())
	h.Write(prevHash)
	return h.Sum()
}

// DecodePayload restores the typed payload from a stored record.
func DecodePayload(r *storage.Record) (*Payload, error) {
	p := &Payload{}
	if err := json.Unmarshal(r.Payload, p); err != nil {
		return nil, fmt.Errorf("decode payload of record %s: %w", r.ID, err)
	}
	return p, nil
}
