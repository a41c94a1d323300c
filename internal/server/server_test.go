package server

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ssd-technologies/provenant/internal/anchor"
	"github.com/ssd-technologies/provenant/internal/capsule"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/lifecycle"
	"github.com/ssd-technologies/provenant/internal/storage"
)

const testSecret = "test-secret"

// setupTestServer wires a full server over a temporary database.
func setupTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	kek := make([]byte, 32)
	if _, err := rand.Read(kek); err != nil {
		t.Fatalf("rand: %v", err)
	}
	keys, err := keystore.New(db, kek)
	if err != nil {
		t.Fatalf("keystore.New: %v", err)
	}
	chain, err := ledger.New(db)
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	capsules := capsule.NewManager(db, keys, chain)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	anchors := anchor.NewEngine(db, chain, priv, anchor.DefaultConfig())
	lc := lifecycle.NewManager(db, chain, capsules, keys)

	return New(testSecret, keys, capsules, chain, anchors, lc)
}

// doJSON performs a JSON request against the server and decodes the response.
func doJSON(t *testing.T, srv *Server, method, path string, body any, authed bool) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+testSecret)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w.Code, out
}

func createTestCapsule(t *testing.T, srv *Server, subjectID, payload string) string {
	t.Helper()
	code, resp := doJSON(t, srv, http.MethodPost, "/api/capsules", map[string]any{
		"subject_id": subjectID,
		"payload":    base64.StdEncoding.EncodeToString([]byte(payload)),
		"metadata":   map[string]string{"source": "test"},
	}, true)
	if code != http.StatusCreated {
		t.Fatalf("create capsule: status %d, resp %v", code, resp)
	}
	return resp["id"].(string)
}

func TestHealth(t *testing.T) {
	srv := setupTestServer(t)
	code, resp := doJSON(t, srv, http.MethodGet, "/api/health", nil, false)
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
}

func TestAuthRequired(t *testing.T) {
	srv := setupTestServer(t)
	code, _ := doJSON(t, srv, http.MethodPost, "/api/capsules", map[string]any{
		"subject_id": "s1",
		"payload":    base64.StdEncoding.EncodeToString([]byte("x")),
	}, false)
	if code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create: status = %d, want 401", code)
	}
}

func TestCapsuleRoundtrip(t *testing.T) {
	srv := setupTestServer(t)
	id := createTestCapsule(t, srv, "subject-1", "training batch 7")

	code, resp := doJSON(t, srv, http.MethodGet, "/api/capsules/"+id, nil, false)
	if code != http.StatusOK {
		t.Fatalf("get capsule: status %d", code)
	}
	if resp["subject_id"] != "subject-1" {
		t.Errorf("subject_id = %v", resp["subject_id"])
	}
	if resp["record_id"] == "" || resp["record_id"] == nil {
		t.Error("capsule has no ledger record reference")
	}

	code, resp = doJSON(t, srv, http.MethodPost, "/api/capsules/"+id+"/materialize", nil, true)
	if code != http.StatusOK {
		t.Fatalf("materialize: status %d, resp %v", code, resp)
	}
	got, err := base64.StdEncoding.DecodeString(resp["payload"].(string))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(got) != "training batch 7" {
		t.Errorf("payload = %q", got)
	}
}

func TestCapsuleVerify(t *testing.T) {
	srv := setupTestServer(t)
	id := createTestCapsule(t, srv, "subject-1", "original content")

	code, resp := doJSON(t, srv, http.MethodPost, "/api/capsules/"+id+"/verify", map[string]any{
		"payload": base64.StdEncoding.EncodeToString([]byte("original content")),
	}, false)
	if code != http.StatusOK {
		t.Fatalf("verify: status %d", code)
	}
	if resp["valid"] != true {
		t.Error("matching payload reported invalid")
	}

	_, resp = doJSON(t, srv, http.MethodPost, "/api/capsules/"+id+"/verify", map[string]any{
		"payload": base64.StdEncoding.EncodeToString([]byte("altered content")),
	}, false)
	if resp["valid"] != false {
		t.Error("altered payload reported valid")
	}
}

func TestEraseMakesCapsuleGone(t *testing.T) {
	srv := setupTestServer(t)
	id := createTestCapsule(t, srv, "erase-me", "sensitive data")

	code, resp := doJSON(t, srv, http.MethodPost, "/api/subjects/erase-me/erase", map[string]any{
		"basis": "gdpr-article-17",
	}, true)
	if code != http.StatusOK {
		t.Fatalf("erase: status %d, resp %v", code, resp)
	}
	if resp["record_id"] == "" || resp["record_id"] == nil {
		t.Error("erasure has no compliance record")
	}

	code, _ = doJSON(t, srv, http.MethodPost, "/api/capsules/"+id+"/materialize", nil, true)
	if code != http.StatusGone {
		t.Fatalf("materialize after erasure: status = %d, want 410", code)
	}

	// Hash proof still checks out against the original bytes.
	_, resp = doJSON(t, srv, http.MethodPost, "/api/capsules/"+id+"/verify", map[string]any{
		"payload": base64.StdEncoding.EncodeToString([]byte("sensitive data")),
	}, false)
	if resp["valid"] != true {
		t.Error("hash proof no longer verifies after erasure")
	}
}

func TestEraseUnknownSubject(t *testing.T) {
	srv := setupTestServer(t)
	code, _ := doJSON(t, srv, http.MethodPost, "/api/subjects/nobody/erase", map[string]any{
		"basis": "request",
	}, true)
	if code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}

func TestLedgerTailAndVerify(t *testing.T) {
	srv := setupTestServer(t)
	createTestCapsule(t, srv, "s1", "a")
	createTestCapsule(t, srv, "s1", "b")
	createTestCapsule(t, srv, "s2", "c")

	code, tail := doJSON(t, srv, http.MethodGet, "/api/ledger/tail", nil, false)
	if code != http.StatusOK {
		t.Fatalf("tail: status %d", code)
	}
	if tail["seq"].(float64) != 3 {
		t.Errorf("tail seq = %v, want 3", tail["seq"])
	}

	code, rec := doJSON(t, srv, http.MethodGet, "/api/ledger/"+tail["id"].(string), nil, false)
	if code != http.StatusOK {
		t.Fatalf("get record: status %d", code)
	}
	if rec["kind"] != "audit" {
		t.Errorf("kind = %v, want audit", rec["kind"])
	}

	code, bySeq := doJSON(t, srv, http.MethodGet, "/api/ledger/seq/3", nil, false)
	if code != http.StatusOK {
		t.Fatalf("get by seq: status %d", code)
	}
	if bySeq["id"] != tail["id"] {
		t.Errorf("seq 3 id = %v, want %v", bySeq["id"], tail["id"])
	}

	code, resp := doJSON(t, srv, http.MethodPost, "/api/ledger/verify", map[string]any{
		"from_id": tail["id"],
		"to_id":   tail["id"],
	}, false)
	if code != http.StatusOK {
		t.Fatalf("verify: status %d", code)
	}
	if resp["valid"] != true {
		t.Errorf("chain reported invalid: %v", resp)
	}
}

func TestAnchorAndProof(t *testing.T) {
	srv := setupTestServer(t)
	createTestCapsule(t, srv, "s1", "a")
	createTestCapsule(t, srv, "s1", "b")
	createTestCapsule(t, srv, "s1", "c")

	code, a := doJSON(t, srv, http.MethodPost, "/api/anchors", nil, true)
	if code != http.StatusCreated {
		t.Fatalf("anchor: status %d, resp %v", code, a)
	}
	if a["batch_size"].(float64) != 3 {
		t.Errorf("batch_size = %v, want 3", a["batch_size"])
	}

	// Nothing pending now.
	code, _ = doJSON(t, srv, http.MethodPost, "/api/anchors", nil, true)
	if code != http.StatusConflict {
		t.Fatalf("re-anchor: status = %d, want 409", code)
	}

	_, tail := doJSON(t, srv, http.MethodGet, "/api/ledger/tail", nil, false)
	anchorID := a["id"].(string)
	recordID := tail["id"].(string)

	code, proof := doJSON(t, srv, http.MethodGet, "/api/anchors/"+anchorID+"/proof/"+recordID, nil, false)
	if code != http.StatusOK {
		t.Fatalf("proof: status %d, resp %v", code, proof)
	}

	code, resp := doJSON(t, srv, http.MethodPost, "/api/anchors/verify", map[string]any{
		"root":        hexOf(t, a["root"].(string)),
		"record_hash": proof["record_hash"],
		"proof":       proof,
	}, false)
	if code != http.StatusOK {
		t.Fatalf("verify inclusion: status %d, resp %v", code, resp)
	}
	if resp["valid"] != true {
		t.Errorf("valid proof rejected: %v", resp)
	}

	// A proof for a record outside the batch is refused.
	code, _ = doJSON(t, srv, http.MethodGet, "/api/anchors/"+anchorID+"/proof/no-such-record", nil, false)
	if code != http.StatusNotFound {
		t.Fatalf("foreign record proof: status = %d, want 404", code)
	}
}

func TestLifecycleAnchorsAndLinks(t *testing.T) {
	srv := setupTestServer(t)
	capID := createTestCapsule(t, srv, "s1", "dataset bytes")

	code, ds := doJSON(t, srv, http.MethodPost, "/api/lifecycle/anchors", map[string]any{
		"kind":        "dataset",
		"name":        "images-v1",
		"capsule_ids": []string{capID},
	}, true)
	if code != http.StatusCreated {
		t.Fatalf("dataset anchor: status %d, resp %v", code, ds)
	}

	code, model := doJSON(t, srv, http.MethodPost, "/api/lifecycle/anchors", map[string]any{
		"kind": "model",
		"name": "classifier-v1",
	}, true)
	if code != http.StatusCreated {
		t.Fatalf("model anchor: status %d", code)
	}

	code, _ = doJSON(t, srv, http.MethodPost, "/api/lifecycle/links", map[string]any{
		"parent_id": ds["id"],
		"child_id":  model["id"],
		"relation":  "trained-on",
	}, true)
	if code != http.StatusCreated {
		t.Fatalf("link: status %d", code)
	}

	// Backward link is rejected.
	code, _ = doJSON(t, srv, http.MethodPost, "/api/lifecycle/links", map[string]any{
		"parent_id": model["id"],
		"child_id":  ds["id"],
		"relation":  "trained-on",
	}, true)
	if code != http.StatusBadRequest {
		t.Fatalf("backward link: status = %d, want 400", code)
	}

	code, resp := doJSON(t, srv, http.MethodGet, "/api/lifecycle/anchors/"+ds["id"].(string)+"/links", nil, false)
	if code != http.StatusOK {
		t.Fatalf("links: status %d", code)
	}
	links := resp["links"].([]any)
	if len(links) != 1 {
		t.Fatalf("len(links) = %d, want 1", len(links))
	}

	code, resp = doJSON(t, srv, http.MethodGet, "/api/lifecycle/kinds/dataset", nil, false)
	if code != http.StatusOK {
		t.Fatalf("list by kind: status %d", code)
	}
	if n := len(resp["anchors"].([]any)); n != 1 {
		t.Errorf("dataset anchors = %d, want 1", n)
	}
}

func TestLifecycleAnchorUnknownCapsule(t *testing.T) {
	srv := setupTestServer(t)
	code, _ := doJSON(t, srv, http.MethodPost, "/api/lifecycle/anchors", map[string]any{
		"kind":        "dataset",
		"name":        "ghost",
		"capsule_ids": []string{"no-such-capsule"},
	}, true)
	if code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
}

// hexOf converts a base64 []byte JSON field to the hex encoding the
// verification endpoint expects.
func hexOf(t *testing.T, s string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	return hex.EncodeToString(raw)
}
