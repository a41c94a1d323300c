package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to a SQLite database holding the four
// persistence surfaces: subject keys, the capsule store (row + ciphertext
// shards), the ledger record store, and the anchor store. The surfaces are
// logically independent; a ledger record stays valid after its capsule's
// shards become unreadable.
type DB struct {
	db *sql.DB
}

// NewDB opens (or creates) a SQLite database at path and runs schema migrations.
func NewDB(path string) (*DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := sqlDB.Exec("PRAGMA foreign_keys = ON"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// migrate creates all required tables if they do not already exist.
func (d *DB) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS subject_keys (
    subject_id TEXT PRIMARY KEY,
    wrapped_key BLOB,
    wrap_nonce BLOB,
    wrap_tag BLOB,
    created_at INTEGER NOT NULL,
    destroyed_at INTEGER DEFAULT 0,
    destruction_proof BLOB
);

CREATE TABLE IF NOT EXISTS capsules (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    hash_proof BLOB NOT NULL,
    nonce BLOB NOT NULL,
    tag BLOB NOT NULL,
    metadata TEXT,
    cipher_len INTEGER NOT NULL,
    data_shards INTEGER NOT NULL,
    parity_shards INTEGER NOT NULL,
    record_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS capsule_shards (
    capsule_id TEXT NOT NULL,
    shard_index INTEGER NOT NULL,
    blob BLOB NOT NULL,
    PRIMARY KEY (capsule_id, shard_index),
    FOREIGN KEY (capsule_id) REFERENCES capsules(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS ledger_records (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    payload BLOB NOT NULL,
    content_hash BLOB NOT NULL,
    prev_hash BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS anchors (
    id TEXT PRIMARY KEY,
    root BLOB NOT NULL,
    batch_size INTEGER NOT NULL,
    first_seq INTEGER NOT NULL,
    last_seq INTEGER NOT NULL,
    signature BLOB,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS anchor_leaves (
    anchor_id TEXT NOT NULL,
    leaf_index INTEGER NOT NULL,
    record_id TEXT NOT NULL,
    record_hash BLOB NOT NULL,
    PRIMARY KEY (anchor_id, leaf_index),
    FOREIGN KEY (anchor_id) REFERENCES anchors(id)
);

CREATE TABLE IF NOT EXISTS lifecycle_links (
    record_id TEXT PRIMARY KEY,
    parent_id TEXT NOT NULL,
    child_id TEXT NOT NULL,
    relation TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_links_parent ON lifecycle_links(parent_id);
CREATE INDEX IF NOT EXISTS idx_links_child ON lifecycle_links(child_id);
CREATE INDEX IF NOT EXISTS idx_capsules_subject ON capsules(subject_id);
CREATE INDEX IF NOT EXISTS idx_ledger_kind ON ledger_records(kind);
CREATE INDEX IF NOT EXISTS idx_anchor_leaves_record ON anchor_leaves(record_id);`
	_, err := d.db.Exec(schema)
	return err
}

// --- Subject Key CRUD ---

// CreateSubjectKey inserts a new wrapped subject key.
func (d *DB) CreateSubjectKey(k *SubjectKey) error {
	_, err := d.db.Exec(
		`INSERT INTO subject_keys (subject_id, wrapped_key, wrap_nonce, wrap_tag, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		k.SubjectID, k.WrappedKey, k.WrapNonce, k.WrapTag, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create subject key: %w", err)
	}
	return nil
}

// GetSubjectKey retrieves a subject key row, tombstoned or not.
func (d *DB) GetSubjectKey(subjectID string) (*SubjectKey, error) {
	k := &SubjectKey{}
	err := d.db.QueryRow(
		`SELECT subject_id, wrapped_key, wrap_nonce, wrap_tag, created_at, destroyed_at, destruction_proof
		 FROM subject_keys WHERE subject_id = ?`, subjectID,
	).Scan(&k.SubjectID, &k.WrappedKey, &k.WrapNonce, &k.WrapTag, &k.CreatedAt, &k.DestroyedAt, &k.DestructionProof)
	if err != nil {
		return nil, fmt.Errorf("get subject key: %w", err)
	}
	return k, nil
}

// ReplaceSubjectKey overwrites the wrapped material of an existing, live key.
func (d *DB) ReplaceSubjectKey(k *SubjectKey) error {
	res, err := d.db.Exec(
		`UPDATE subject_keys SET wrapped_key = ?, wrap_nonce = ?, wrap_tag = ?, created_at = ?
		 WHERE subject_id = ? AND destroyed_at = 0`,
		k.WrappedKey, k.WrapNonce, k.WrapTag, k.CreatedAt, k.SubjectID,
	)
	if err != nil {
		return fmt.Errorf("replace subject key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("replace subject key rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("replace subject key: %w", sql.ErrNoRows)
	}
	return nil
}

// TombstoneSubjectKey removes the wrapped key material and records the
// destruction proof. The row itself stays so re-derivation is refused and
// re-destruction stays idempotent.
func (d *DB) TombstoneSubjectKey(subjectID string, destroyedAt int64, proof []byte) error {
	res, err := d.db.Exec(
		`UPDATE subject_keys
		 SET wrapped_key = NULL, wrap_nonce = NULL, wrap_tag = NULL, destroyed_at = ?, destruction_proof = ?
		 WHERE subject_id = ? AND destroyed_at = 0`,
		destroyedAt, proof, subjectID,
	)
	if err != nil {
		return fmt.Errorf("tombstone subject key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tombstone subject key rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tombstone subject key: %w", sql.ErrNoRows)
	}
	return nil
}

// --- Capsule CRUD ---

// CreateCapsule inserts a capsule row together with its ciphertext shards in
// one transaction.
func (d *DB) CreateCapsule(c *Capsule, shards [][]byte) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal capsule metadata: %w", err)
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin capsule tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO capsules (id, subject_id, hash_proof, nonce, tag, metadata, cipher_len, data_shards, parity_shards, record_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SubjectID, c.HashProof, c.Nonce, c.Tag, string(meta),
		c.CipherLen, c.DataShards, c.ParityShards, c.RecordID, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create capsule: %w", err)
	}

	for i, shard := range shards {
		if _, err := tx.Exec(
			`INSERT INTO capsule_shards (capsule_id, shard_index, blob) VALUES (?, ?, ?)`,
			c.ID, i, shard,
		); err != nil {
			return fmt.Errorf("create capsule shard %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit capsule tx: %w", err)
	}
	return nil
}

// GetCapsule retrieves a capsule row without its shards.
func (d *DB) GetCapsule(id string) (*Capsule, error) {
	c := &Capsule{}
	var meta string
	err := d.db.QueryRow(
		`SELECT id, subject_id, hash_proof, nonce, tag, metadata, cipher_len, data_shards, parity_shards, record_id, created_at
		 FROM capsules WHERE id = ?`, id,
	).Scan(&c.ID, &c.SubjectID, &c.HashProof, &c.Nonce, &c.Tag, &meta,
		&c.CipherLen, &c.DataShards, &c.ParityShards, &c.RecordID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get capsule: %w", err)
	}
	if meta != "" && meta != "null" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal capsule metadata: %w", err)
		}
	}
	return c, nil
}

// GetCapsuleShards returns the capsule's ciphertext shards ordered by index.
// Missing rows come back as nil entries so Reed-Solomon reconstruction can
// fill them.
func (d *DB) GetCapsuleShards(capsuleID string, total int) ([][]byte, error) {
	rows, err := d.db.Query(
		`SELECT shard_index, blob FROM capsule_shards WHERE capsule_id = ? ORDER BY shard_index`,
		capsuleID,
	)
	if err != nil {
		return nil, fmt.Errorf("get capsule shards: %w", err)
	}
	defer rows.Close()

	shards := make([][]byte, total)
	for rows.Next() {
		var idx int
		var blob []byte
		if err := rows.Scan(&idx, &blob); err != nil {
			return nil, fmt.Errorf("scan capsule shard: %w", err)
		}
		if idx < 0 || idx >= total {
			return nil, fmt.Errorf("capsule shard index %d out of range", idx)
		}
		shards[idx] = blob
	}
	return shards, rows.Err()
}

// DeleteCapsuleShard removes a single shard. Exists for durability testing
// and storage repair tooling.
func (d *DB) DeleteCapsuleShard(capsuleID string, index int) error {
	_, err := d.db.Exec(
		`DELETE FROM capsule_shards WHERE capsule_id = ? AND shard_index = ?`,
		capsuleID, index,
	)
	if err != nil {
		return fmt.Errorf("delete capsule shard: %w", err)
	}
	return nil
}

// DeleteCapsule removes a capsule row and its shards. Only the capsule
// manager calls this, to unwind a capsule whose ledger append failed; a
// committed capsule is never deleted.
func (d *DB) DeleteCapsule(id string) error {
	_, err := d.db.Exec(`DELETE FROM capsules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete capsule: %w", err)
	}
	return nil
}

// SetCapsuleRecord backfills the ledger record reference on a capsule row.
func (d *DB) SetCapsuleRecord(capsuleID, recordID string) error {
	res, err := d.db.Exec(
		`UPDATE capsules SET record_id = ? WHERE id = ?`, recordID, capsuleID,
	)
	if err != nil {
		return fmt.Errorf("set capsule record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set capsule record rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("set capsule record: %w", sql.ErrNoRows)
	}
	return nil
}

// ListCapsulesBySubject returns all capsules owned by a subject.
func (d *DB) ListCapsulesBySubject(subjectID string) ([]Capsule, error) {
	rows, err := d.db.Query(
		`SELECT id, subject_id, hash_proof, nonce, tag, metadata, cipher_len, data_shards, parity_shards, record_id, created_at
		 FROM capsules WHERE subject_id = ?`, subjectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list capsules by subject: %w", err)
	}
	defer rows.Close()

	var capsules []Capsule
	for rows.Next() {
		var c Capsule
		var meta string
		if err := rows.Scan(&c.ID, &c.SubjectID, &c.HashProof, &c.Nonce, &c.Tag, &meta,
			&c.CipherLen, &c.DataShards, &c.ParityShards, &c.RecordID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal capsule metadata: %w", err)
			}
		}
		capsules = append(capsules, c)
	}
	return capsules, rows.Err()
}

// --- Ledger Record CRUD ---

// InsertRecord commits one ledger record. The UNIQUE constraint on seq is the
// storage-level backstop against two records claiming the same chain slot.
func (d *DB) InsertRecord(r *Record) error {
	_, err := d.db.Exec(
		`INSERT INTO ledger_records (id, seq, kind, timestamp, payload, content_hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Seq, r.Kind, r.Timestamp, r.Payload, r.ContentHash, r.PrevHash,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord retrieves a ledger record by ID.
func (d *DB) GetRecord(id string) (*Record, error) {
	r := &Record{}
	err := d.db.QueryRow(
		`SELECT id, seq, kind, timestamp, payload, content_hash, prev_hash
		 FROM ledger_records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Seq, &r.Kind, &r.Timestamp, &r.Payload, &r.ContentHash, &r.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return r, nil
}

// GetRecordBySeq retrieves a ledger record by chain position.
func (d *DB) GetRecordBySeq(seq int64) (*Record, error) {
	r := &Record{}
	err := d.db.QueryRow(
		`SELECT id, seq, kind, timestamp, payload, content_hash, prev_hash
		 FROM ledger_records WHERE seq = ?`, seq,
	).Scan(&r.ID, &r.Seq, &r.Kind, &r.Timestamp, &r.Payload, &r.ContentHash, &r.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("get record by seq: %w", err)
	}
	return r, nil
}

// TailRecord returns the record with the highest seq, or sql.ErrNoRows when
// the ledger is empty.
func (d *DB) TailRecord() (*Record, error) {
	r := &Record{}
	err := d.db.QueryRow(
		`SELECT id, seq, kind, timestamp, payload, content_hash, prev_hash
		 FROM ledger_records ORDER BY seq DESC LIMIT 1`,
	).Scan(&r.ID, &r.Seq, &r.Kind, &r.Timestamp, &r.Payload, &r.ContentHash, &r.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("tail record: %w", err)
	}
	return r, nil
}

// RecordsRange returns records with fromSeq <= seq <= toSeq in chain order.
func (d *DB) RecordsRange(fromSeq, toSeq int64) ([]Record, error) {
	rows, err := d.db.Query(
		`SELECT id, seq, kind, timestamp, payload, content_hash, prev_hash
		 FROM ledger_records WHERE seq >= ? AND seq <= ? ORDER BY seq`,
		fromSeq, toSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("records range: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Seq, &r.Kind, &r.Timestamp, &r.Payload, &r.ContentHash, &r.PrevHash); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountRecordsAfter returns how many records have seq > afterSeq. The anchor
// worker uses it to decide whether the batch threshold is reached.
func (d *DB) CountRecordsAfter(afterSeq int64) (int, error) {
	var n int
	err := d.db.QueryRow(
		`SELECT COUNT(*) FROM ledger_records WHERE seq > ?`, afterSeq,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records after: %w", err)
	}
	return n, nil
}

// RecordsByKind returns all records of one kind in chain order.
func (d *DB) RecordsByKind(kind string) ([]Record, error) {
	rows, err := d.db.Query(
		`SELECT id, seq, kind, timestamp, payload, content_hash, prev_hash
		 FROM ledger_records WHERE kind = ? ORDER BY seq`, kind,
	)
	if err != nil {
		return nil, fmt.Errorf("records by kind: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Seq, &r.Kind, &r.Timestamp, &r.Payload, &r.ContentHash, &r.PrevHash); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Lifecycle Link Index ---

// LifecycleLink is a directed edge between two lifecycle anchors. The edge's
// source of truth is its audit ledger record; this table is a lookup index.
type LifecycleLink struct {
	RecordID string `json:"record_id"`
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
	Relation string `json:"relation"`
}

// CreateLifecycleLink indexes one link edge under its ledger record ID.
func (d *DB) CreateLifecycleLink(l *LifecycleLink) error {
	_, err := d.db.Exec(
		`INSERT INTO lifecycle_links (record_id, parent_id, child_id, relation) VALUES (?, ?, ?, ?)`,
		l.RecordID, l.ParentID, l.ChildID, l.Relation,
	)
	if err != nil {
		return fmt.Errorf("create lifecycle link: %w", err)
	}
	return nil
}

// ListLifecycleLinks returns every link touching the given anchor, as parent
// or child.
func (d *DB) ListLifecycleLinks(anchorID string) ([]LifecycleLink, error) {
	rows, err := d.db.Query(
		`SELECT record_id, parent_id, child_id, relation
		 FROM lifecycle_links WHERE parent_id = ? OR child_id = ?`, anchorID, anchorID,
	)
	if err != nil {
		return nil, fmt.Errorf("list lifecycle links: %w", err)
	}
	defer rows.Close()

	var links []LifecycleLink
	for rows.Next() {
		var l LifecycleLink
		if err := rows.Scan(&l.RecordID, &l.ParentID, &l.ChildID, &l.Relation); err != nil {
			return nil, fmt.Errorf("scan lifecycle link: %w", err)
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

// --- Anchor CRUD ---

// CreateAnchor inserts an anchor together with its leaf index in one
// transaction.
func (d *DB) CreateAnchor(a *Anchor, leaves []AnchorLeaf) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin anchor tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO anchors (id, root, batch_size, first_seq, last_seq, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Root, a.BatchSize, a.FirstSeq, a.LastSeq, a.Signature, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create anchor: %w", err)
	}

	for _, l := range leaves {
		if _, err := tx.Exec(
			`INSERT INTO anchor_leaves (anchor_id, leaf_index, record_id, record_hash)
			 VALUES (?, ?, ?, ?)`,
			a.ID, l.LeafIndex, l.RecordID, l.RecordHash,
		); err != nil {
			return fmt.Errorf("create anchor leaf %d: %w", l.LeafIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit anchor tx: %w", err)
	}
	return nil
}

// GetAnchor retrieves an anchor by ID.
func (d *DB) GetAnchor(id string) (*Anchor, error) {
	a := &Anchor{}
	err := d.db.QueryRow(
		`SELECT id, root, batch_size, first_seq, last_seq, signature, created_at
		 FROM anchors WHERE id = ?`, id,
	).Scan(&a.ID, &a.Root, &a.BatchSize, &a.FirstSeq, &a.LastSeq, &a.Signature, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get anchor: %w", err)
	}
	return a, nil
}

// GetAnchorLeaves returns the leaf index of an anchor ordered by position.
func (d *DB) GetAnchorLeaves(anchorID string) ([]AnchorLeaf, error) {
	rows, err := d.db.Query(
		`SELECT anchor_id, leaf_index, record_id, record_hash
		 FROM anchor_leaves WHERE anchor_id = ? ORDER BY leaf_index`, anchorID,
	)
	if err != nil {
		return nil, fmt.Errorf("get anchor leaves: %w", err)
	}
	defer rows.Close()

	var leaves []AnchorLeaf
	for rows.Next() {
		var l AnchorLeaf
		if err := rows.Scan(&l.AnchorID, &l.LeafIndex, &l.RecordID, &l.RecordHash); err != nil {
			return nil, fmt.Errorf("scan anchor leaf: %w", err)
		}
		leaves = append(leaves, l)
	}
	return leaves, rows.Err()
}

// LatestAnchor returns the most recently created anchor, or sql.ErrNoRows.
func (d *DB) LatestAnchor() (*Anchor, error) {
	a := &Anchor{}
	err := d.db.QueryRow(
		`SELECT id, root, batch_size, first_seq, last_seq, signature, created_at
		 FROM anchors ORDER BY last_seq DESC LIMIT 1`,
	).Scan(&a.ID, &a.Root, &a.BatchSize, &a.FirstSeq, &a.LastSeq, &a.Signature, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("latest anchor: %w", err)
	}
	return a, nil
}
