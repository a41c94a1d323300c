package storage

// SubjectKey is a per-subject data key wrapped with the operator KEK. After
// destruction the wrapped material is gone and only the tombstone fields
// remain.
type SubjectKey struct {
	SubjectID        string `json:"subject_id"`
	WrappedKey       []byte `json:"-"`
	WrapNonce        []byte `json:"-"`
	WrapTag          []byte `json:"-"`
	CreatedAt        int64  `json:"created_at"`
	DestroyedAt      int64  `json:"destroyed_at,omitempty"`
	DestructionProof []byte `json:"destruction_proof,omitempty"`
}

// Destroyed reports whether the key has been irreversibly destroyed.
func (k *SubjectKey) Destroyed() bool {
	return k.DestroyedAt != 0
}

// Capsule is the non-sensitive half of a provenance capsule: the hash proof
// and metadata survive key destruction; the ciphertext lives in the shard
// table and becomes permanently unreadable once the subject key is gone.
type Capsule struct {
	ID           string            `json:"id"`
	SubjectID    string            `json:"subject_id"`
	HashProof    []byte            `json:"hash_proof"`
	Nonce        []byte            `json:"-"`
	Tag          []byte            `json:"-"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CipherLen    int64             `json:"cipher_len"`
	DataShards   int               `json:"data_shards"`
	ParityShards int               `json:"parity_shards"`
	RecordID     string            `json:"record_id"`
	CreatedAt    int64             `json:"created_at"`
}

// Record is one committed ledger entry. Seq is the chain position starting at
// 1; PrevHash of the first record is the genesis seed.
type Record struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	Timestamp   int64  `json:"timestamp"`
	Payload     []byte `json:"payload"`
	ContentHash []byte `json:"content_hash"`
	PrevHash    []byte `json:"prev_hash"`
}

// Anchor is a published Merkle checkpoint over a batch of ledger records.
type Anchor struct {
	ID        string `json:"id"`
	Root      []byte `json:"root"`
	BatchSize int    `json:"batch_size"`
	FirstSeq  int64  `json:"first_seq"`
	LastSeq   int64  `json:"last_seq"`
	Signature []byte `json:"signature,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// AnchorLeaf maps a ledger record to its leaf position within an anchor batch.
type AnchorLeaf struct {
	AnchorID   string `json:"anchor_id"`
	LeafIndex  int    `json:"leaf_index"`
	RecordID   string `json:"record_id"`
	RecordHash []byte `json:"record_hash"`
}
