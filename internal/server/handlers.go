package server

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ssd-technologies/provenant/internal/anchor"
	"github.com/ssd-technologies/provenant/internal/capsule"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/lifecycle"
)

type createCapsuleRequest struct {
	SubjectID string            `json:"subject_id"`
	Payload   string            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	var req createCapsuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload must be base64")
		return
	}

	c, err := s.capsules.Create(payload, req.Metadata, req.SubjectID)
	if err != nil {
		switch {
		case errors.Is(err, capsule.ErrEmptyPayload), errors.Is(err, capsule.ErrPayloadTooLarge):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create capsule")
		}
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	c, err := s.capsules.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, capsule.ErrCapsuleNotFound) {
			writeError(w, http.StatusNotFound, "capsule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load capsule")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	payload, err := s.capsules.Materialize(r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, capsule.ErrCapsuleNotFound):
			writeError(w, http.StatusNotFound, "capsule not found")
		case errors.Is(err, capsule.ErrUnrecoverable):
			// 410: the capsule exists but its content is permanently gone.
			writeError(w, http.StatusGone, "capsule is unrecoverable")
		default:
			writeError(w, http.StatusInternalServerError, "failed to materialize capsule")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"payload": base64.StdEncoding.EncodeToString(payload),
	})
}

type verifyCapsuleRequest struct {
	Payload string `json:"payload"`
}

func (s *Server) handleVerifyCapsule(w http.ResponseWriter, r *http.Request) {
	var req verifyCapsuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	candidate, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, "payload must be base64")
		return
	}

	ok, err := s.capsules.VerifyIntegrity(r.PathValue("id"), candidate)
	if err != nil {
		if errors.Is(err, capsule.ErrCapsuleNotFound) {
			writeError(w, http.StatusNotFound, "capsule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to verify capsule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.chain.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetRecordBySeq(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil || seq < 1 {
		writeError(w, http.StatusBadRequest, "seq must be a positive integer")
		return
	}
	rec, err := s.chain.GetBySeq(seq)
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "record not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLedgerTail(w http.ResponseWriter, r *http.Request) {
	rec, err := s.chain.Tail()
	if err != nil {
		if errors.Is(err, ledger.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "ledger is empty")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load tail")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type verifyChainRequest struct {
	FromID string `json:"from_id"`
	ToID   string `json:"to_id"`
}

type verifyChainResponse struct {
	Valid    bool   `json:"valid"`
	RecordID string `json:"record_id,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	var req verifyChainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.chain.VerifyChain(req.FromID, req.ToID)
	if err == nil {
		writeJSON(w, http.StatusOK, verifyChainResponse{Valid: true})
		return
	}
	var ie *ledger.IntegrityError
	if errors.As(err, &ie) {
		writeJSON(w, http.StatusOK, verifyChainResponse{
			Valid:    false,
			RecordID: ie.RecordID,
			Seq:      ie.Seq,
			Reason:   ie.Reason,
		})
		return
	}
	if errors.Is(err, ledger.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "failed to verify chain")
}

func (s *Server) handleAnchorNow(w http.ResponseWriter, r *http.Request) {
	a, err := s.anchors.AnchorPending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to publish anchor")
		return
	}
	if a == nil {
		writeError(w, http.StatusConflict, "no unanchored records")
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetAnchor(w http.ResponseWriter, r *http.Request) {
	a, err := s.anchors.Get(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, anchor.ErrAnchorNotFound) {
			writeError(w, http.StatusNotFound, "anchor not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load anchor")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleProveInclusion(w http.ResponseWriter, r *http.Request) {
	proof, err := s.anchors.ProveInclusion(r.PathValue("id"), r.PathValue("record"))
	if err != nil {
		switch {
		case errors.Is(err, anchor.ErrAnchorNotFound):
			writeError(w, http.StatusNotFound, "anchor not found")
		case errors.Is(err, anchor.ErrNotInBatch):
			writeError(w, http.StatusNotFound, "record not in anchor batch")
		default:
			writeError(w, http.StatusInternalServerError, "failed to build proof")
		}
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

type verifyInclusionRequest struct {
	Root       string                 `json:"root"`
	RecordHash string                 `json:"record_hash"`
	Proof      *anchor.InclusionProof `json:"proof"`
}

// handleVerifyInclusion checks a proof against a caller-supplied root. It
// touches no server state, so third parties can replay it against roots they
// obtained out of band.
func (s *Server) handleVerifyInclusion(w http.ResponseWriter, r *http.Request) {
	var req verifyInclusionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Proof == nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	root, err := hex.DecodeString(req.Root)
	if err != nil {
		writeError(w, http.StatusBadRequest, "root must be hex")
		return
	}
	recordHash, err := hex.DecodeString(req.RecordHash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "record_hash must be hex")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"valid": anchor.VerifyInclusion(root, recordHash, req.Proof),
	})
}

type createAnchorRequest struct {
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	Meta       map[string]string `json:"meta,omitempty"`
	CapsuleIDs []string          `json:"capsule_ids,omitempty"`
}

func (s *Server) handleCreateLifecycleAnchor(w http.ResponseWriter, r *http.Request) {
	var req createAnchorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	a, err := s.lifecycle.CreateAnchor(ledger.Kind(req.Kind), req.Name, req.Meta, req.CapsuleIDs)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotLifecycleKind):
			writeError(w, http.StatusBadRequest, "not a lifecycle record kind")
		case errors.Is(err, lifecycle.ErrUnknownCapsule):
			writeError(w, http.StatusBadRequest, "unknown capsule referenced")
		default:
			writeError(w, http.StatusInternalServerError, "failed to create anchor")
		}
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetLifecycleAnchor(w http.ResponseWriter, r *http.Request) {
	a, err := s.lifecycle.Get(r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "anchor not found")
		case errors.Is(err, lifecycle.ErrNotLifecycleKind):
			writeError(w, http.StatusNotFound, "record is not a lifecycle anchor")
		default:
			writeError(w, http.StatusInternalServerError, "failed to load anchor")
		}
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleListByKind(w http.ResponseWriter, r *http.Request) {
	anchors, err := s.lifecycle.ListByKind(ledger.Kind(r.PathValue("kind")))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotLifecycleKind) {
			writeError(w, http.StatusBadRequest, "not a lifecycle record kind")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list anchors")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anchors": anchors})
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.lifecycle.Links(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list links")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": links})
}

type linkRequest struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
	Relation string `json:"relation"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Relation == "" {
		writeError(w, http.StatusBadRequest, "relation is required")
		return
	}

	rec, err := s.lifecycle.Link(req.ParentID, req.ChildID, req.Relation)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrRecordNotFound):
			writeError(w, http.StatusNotFound, "anchor not found")
		case errors.Is(err, lifecycle.ErrLinkOrder), errors.Is(err, lifecycle.ErrNotLifecycleKind):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "failed to create link")
		}
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

type eraseRequest struct {
	Basis string `json:"basis"`
}

func (s *Server) handleErase(w http.ResponseWriter, r *http.Request) {
	var req eraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Basis == "" {
		writeError(w, http.StatusBadRequest, "basis is required")
		return
	}

	er, err := s.lifecycle.Erase(r.PathValue("id"), req.Basis)
	if err != nil {
		switch {
		case errors.Is(err, keystore.ErrKeyNotFound):
			writeError(w, http.StatusNotFound, "unknown subject")
		case errors.Is(err, lifecycle.ErrErasureIncomplete):
			writeError(w, http.StatusInternalServerError, "erasure verification failed")
		default:
			writeError(w, http.StatusInternalServerError, "failed to erase subject")
		}
		return
	}
	writeJSON(w, http.StatusOK, er)
}
