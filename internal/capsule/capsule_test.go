package capsule

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/storage"
)

type testEnv struct {
	db      *storage.DB
	keys    *keystore.Store
	chain   *ledger.Ledger
	manager *Manager
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	kek := crypto.DeriveMasterKey("test-secret", crypto.GenerateSalt())
	keys, err := keystore.New(db, kek)
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	chain, err := ledger.New(db)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	return &testEnv{db: db, keys: keys, chain: chain, manager: NewManager(db, keys, chain)}
}

func TestCreate_Materialize_Roundtrip(t *testing.T) {
	env := setupTestEnv(t)
	payload := []byte("subject data under custody")

	c, err := env.manager.Create(payload, map[string]string{"source": "ingest"}, "s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.RecordID == "" {
		t.Fatal("capsule should reference its ledger record")
	}
	if !bytes.Equal(c.HashProof, crypto.ContentHash(payload)) {
		t.Fatal("hash proof should cover the plaintext")
	}

	got, err := env.manager.Materialize(c.ID)
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("materialized payload mismatch: got %q", got)
	}

	// The referencing ledger record must exist and carry the capsule ID.
	record, err := env.chain.Get(c.RecordID)
	if err != nil {
		t.Fatalf("ledger record: %v", err)
	}
	if record.Kind != string(ledger.KindAudit) {
		t.Fatalf("record kind: got %s, want audit", record.Kind)
	}
	if !bytes.Contains(record.Payload, []byte(c.ID)) {
		t.Fatal("ledger record should reference the capsule")
	}
}

func TestCreate_SizeLimits(t *testing.T) {
	env := setupTestEnv(t)

	if _, err := env.manager.Create(nil, nil, "s1"); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("empty payload: got %v, want ErrEmptyPayload", err)
	}

	big := make([]byte, MaxPayloadLen+1)
	if _, err := env.manager.Create(big, nil, "s1"); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized payload: got %v, want ErrPayloadTooLarge", err)
	}
}

func TestMaterialize_AfterErasure_Unrecoverable(t *testing.T) {
	env := setupTestEnv(t)
	payload := []byte("alpha")

	c, err := env.manager.Create(payload, nil, "s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := env.keys.Destroy("s1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	// The erased state is terminal and repeatable.
	for i := 0; i < 3; i++ {
		if _, err := env.manager.Materialize(c.ID); !errors.Is(err, ErrUnrecoverable) {
			t.Fatalf("Materialize %d after erasure: got %v, want ErrUnrecoverable", i, err)
		}
	}

	// The hash proof still verifies against out-of-band plaintext.
	ok, err := env.manager.VerifyIntegrity(c.ID, payload)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !ok {
		t.Fatal("hash proof should verify after erasure")
	}

	ok, err = env.manager.VerifyIntegrity(c.ID, []byte("forged"))
	if err != nil {
		t.Fatalf("VerifyIntegrity forged: %v", err)
	}
	if ok {
		t.Fatal("forged payload must not verify")
	}
}

func TestCreate_DestroyedSubject_Refused(t *testing.T) {
	env := setupTestEnv(t)

	if _, err := env.manager.Create([]byte("first"), nil, "s1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := env.keys.Destroy("s1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := env.manager.Create([]byte("second"), nil, "s1"); !errors.Is(err, keystore.ErrKeyDestroyed) {
		t.Fatalf("Create after erasure: got %v, want ErrKeyDestroyed", err)
	}
}

func TestMaterialize_SurvivesShardLoss(t *testing.T) {
	env := setupTestEnv(t)
	payload := bytes.Repeat([]byte("durability"), 100)

	c, err := env.manager.Create(payload, nil, "s1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Losing up to parityShards shards is survivable.
	if err := env.manager.DropShard(c.ID, 0); err != nil {
		t.Fatalf("DropShard 0: %v", err)
	}
	if err := env.manager.DropShard(c.ID, 4); err != nil {
		t.Fatalf("DropShard 4: %v", err)
	}

	got, err := env.manager.Materialize(c.ID)
	if err != nil {
		t.Fatalf("Materialize after shard loss: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reconstructed payload mismatch")
	}

	// One loss beyond parity is not.
	if err := env.manager.DropShard(c.ID, 1); err != nil {
		t.Fatalf("DropShard 1: %v", err)
	}
	if _, err := env.manager.Materialize(c.ID); err == nil {
		t.Fatal("Materialize should fail with more losses than parity")
	}
}

func TestGet_UnknownCapsule_NotFound(t *testing.T) {
	env := setupTestEnv(t)
	if _, err := env.manager.Get("missing"); !errors.Is(err, ErrCapsuleNotFound) {
		t.Fatalf("Get unknown: got %v, want ErrCapsuleNotFound", err)
	}
	if _, err := env.manager.Materialize("missing"); !errors.Is(err, ErrCapsuleNotFound) {
		t.Fatalf("Materialize unknown: got %v, want ErrCapsuleNotFound", err)
	}
}

func TestCreate_ChainStaysVerifiable(t *testing.T) {
	env := setupTestEnv(t)

	var first, last *storage.Capsule
	for i := 0; i < 4; i++ {
		c, err := env.manager.Create([]byte{byte('a' + i)}, nil, "s1")
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		if first == nil {
			first = c
		}
		last = c
	}

	if err := env.chain.VerifyChain(first.RecordID, last.RecordID); err != nil {
		t.Fatalf("VerifyChain over capsule records: %v", err)
	}
}
