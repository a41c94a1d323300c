package ledger

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ssd-technologies/provenant/internal/storage"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return l
}

func appendN(t *testing.T, l *Ledger, n int) []*storage.Record {
	t.Helper()
	records := make([]*storage.Record, n)
	for i := 0; i < n; i++ {
		r, err := l.Append(KindAudit, &Payload{Op: "event", Meta: map[string]string{"i": string(rune('a' + i))}})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		records[i] = r
	}
	return records
}

func TestAppend_ChainsRecords(t *testing.T) {
	l := setupTestLedger(t)
	records := appendN(t, l, 5)

	if !bytes.Equal(records[0].PrevHash, GenesisHash) {
		t.Fatal("first record should link to the genesis seed")
	}
	for i := 1; i < len(records); i++ {
		if !bytes.Equal(records[i].PrevHash, records[i-1].ContentHash) {
			t.Fatalf("record %d does not link to its predecessor", i)
		}
		if records[i].Seq != records[i-1].Seq+1 {
			t.Fatalf("record %d has seq %d, want %d", i, records[i].Seq, records[i-1].Seq+1)
		}
	}
}

func TestVerifyChain_IntactRange(t *testing.T) {
	l := setupTestLedger(t)
	records := appendN(t, l, 8)

	if err := l.VerifyChain(records[0].ID, records[7].ID); err != nil {
		t.Fatalf("VerifyChain full range: %v", err)
	}
	// A sub-range not starting at genesis must also verify.
	if err := l.VerifyChain(records[3].ID, records[6].ID); err != nil {
		t.Fatalf("VerifyChain sub-range: %v", err)
	}
}

func TestVerifyRecords_TamperedContent_FailsAtRecord(t *testing.T) {
	l := setupTestLedger(t)
	appendN(t, l, 5)

	records, err := l.Range(1, 5)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	// Tamper with the third record's payload.
	records[2].Payload = []byte(`{"version":1,"op":"forged"}`)

	err = VerifyRecords(records, GenesisHash)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("VerifyRecords: got %v, want IntegrityError", err)
	}
	if ie.RecordID != records[2].ID {
		t.Fatalf("integrity error names %s, want %s", ie.RecordID, records[2].ID)
	}
}

func TestVerifyRecords_TamperedHash_BreaksSuccessors(t *testing.T) {
	l := setupTestLedger(t)
	appendN(t, l, 5)

	records, err := l.Range(1, 5)
	if err != nil {
		t.Fatalf("Range: %v", err)
	}

	// Rewriting a stored hash breaks the link of the next record even if the
	// forger fixes the record's own hash field consistency.
	records[1].ContentHash = bytes.Repeat([]byte{0xee}, 32)

	err = VerifyRecords(records, GenesisHash)
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		t.Fatalf("VerifyRecords: got %v, want IntegrityError", err)
	}
	if ie.Seq != records[1].Seq {
		t.Fatalf("integrity error at seq %d, want %d", ie.Seq, records[1].Seq)
	}
}

func TestAppendAt_StaleSnapshot_Conflicts(t *testing.T) {
	l := setupTestLedger(t)

	seq, hash := l.TailSnapshot()

	// Two appends race on the same tail: exactly one commits.
	r1, err := l.AppendAt(seq, hash, KindAudit, &Payload{Op: "first"})
	if err != nil {
		t.Fatalf("first AppendAt: %v", err)
	}
	if _, err := l.AppendAt(seq, hash, KindAudit, &Payload{Op: "second"}); !errors.Is(err, ErrConcurrentAppend) {
		t.Fatalf("stale AppendAt: got %v, want ErrConcurrentAppend", err)
	}

	// The loser retries from a fresh snapshot and extends the chain.
	r2, err := l.Append(KindAudit, &Payload{Op: "second"})
	if err != nil {
		t.Fatalf("retry Append: %v", err)
	}
	if !bytes.Equal(r2.PrevHash, r1.ContentHash) {
		t.Fatal("retried record should link to the winner")
	}
	if bytes.Equal(r1.PrevHash, r2.PrevHash) {
		t.Fatal("no two records may share the same previous hash")
	}
}

func TestAppend_InvalidKind_Rejected(t *testing.T) {
	l := setupTestLedger(t)
	if _, err := l.Append(Kind("bogus"), &Payload{Op: "x"}); !errors.Is(err, ErrInvalidKind) {
		t.Fatalf("invalid kind: got %v, want ErrInvalidKind", err)
	}
}

func TestGet_UnknownRecord_NotFound(t *testing.T) {
	l := setupTestLedger(t)
	if _, err := l.Get("missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("Get unknown: got %v, want ErrRecordNotFound", err)
	}
}

func TestNew_RecoversTailAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	db, err := storage.NewDB(path)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	l, err := New(db)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r1, err := l.Append(KindDataset, &Payload{Op: "dataset-registered", Name: "corpus-v1"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	db.Close()

	db2, err := storage.NewDB(path)
	if err != nil {
		t.Fatalf("reopen NewDB: %v", err)
	}
	defer db2.Close()
	l2, err := New(db2)
	if err != nil {
		t.Fatalf("reopen New: %v", err)
	}

	r2, err := l2.Append(KindModel, &Payload{Op: "model-registered", Name: "m1"})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if !bytes.Equal(r2.PrevHash, r1.ContentHash) {
		t.Fatal("reopened ledger should chain onto the persisted tail")
	}
	if err := l2.VerifyChain(r1.ID, r2.ID); err != nil {
		t.Fatalf("VerifyChain across reopen: %v", err)
	}
}

func TestPayloadCanonical_MetaOrderIrrelevant(t *testing.T) {
	a := &Payload{Version: 1, Op: "x", Meta: map[string]string{"k1": "v1", "k2": "v2", "k3": "v3"}}
	b := &Payload{Version: 1, Op: "x", Meta: map[string]string{"k3": "v3", "k1": "v1", "k2": "v2"}}
	if !bytes.Equal(a.canonical(), b.canonical()) {
		t.Fatal("metadata insertion order must not affect the canonical encoding")
	}

	c := &Payload{Version: 1, Op: "x", Meta: map[string]string{"k1": "v1", "k2": "v2"}}
	if bytes.Equal(a.canonical(), c.canonical()) {
		t.Fatal("different metadata must produce different encodings")
	}
}
