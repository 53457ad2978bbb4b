// Package api exposes the node's chain-follow inputs and approval queries
// over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/chain"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/pkg/log"
)

// Chain accepts block events.
type Chain interface {
	ImportBlock(ctx context.Context, leaf chain.NewLeaf) error
	Finalize(ctx context.Context, hash crypto.Hash) error
	Revert(ctx context.Context, hash crypto.Hash) error
}

// Sessions accepts announced session metadata.
type Sessions interface {
	Put(idx session.Index, info session.Info) error
}

// Approvals answers approval queries.
type Approvals interface {
	ApprovedAncestor(hash crypto.Hash) (approval.BlockEntry, bool)
	ApprovalStatus(key approval.CandidateKey) (approval.Status, error)
}

// Handler contains the HTTP handlers of the node API.
type Handler struct {
	Chain     Chain
	Sessions  Sessions
	Approvals Approvals
}

// RegisterRoutes sets up every route on r. Metrics are served from gatherer
// when it is not nil.
func RegisterRoutes(r *mux.Router, h *Handler, gatherer prometheus.Gatherer) {
	r.HandleFunc("/healthz", h.Health).Methods("GET")
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	r.HandleFunc("/blocks", h.ImportBlock).Methods("POST")
	r.HandleFunc("/blocks/{hash}/finalize", h.Finalize).Methods("POST")
	r.HandleFunc("/blocks/{hash}/revert", h.Revert).Methods("POST")
	r.HandleFunc("/blocks/{hash}/approved-ancestor", h.ApprovedAncestor).Methods("GET")
	r.HandleFunc("/blocks/{hash}/candidates/{index}", h.CandidateStatus).Methods("GET")

	r.HandleFunc("/sessions/{index}", h.PutSession).Methods("PUT")
}

// BlockRequest is the body of POST /blocks. Hashes are hex encoded.
type BlockRequest struct {
	Hash       string   `json:"hash"`
	Parent     string   `json:"parent"`
	Number     uint32   `json:"number"`
	Session    uint32   `json:"session"`
	Tick       uint64   `json:"tick"`
	Candidates []string `json:"candidates"`
}

func (b BlockRequest) leaf() (chain.NewLeaf, error) {
	hash, err := crypto.HashFromHex(b.Hash)
	if err != nil {
		return chain.NewLeaf{}, fmt.Errorf("hash: %w", err)
	}
	var parent crypto.Hash
	if b.Parent != "" {
		if parent, err = crypto.HashFromHex(b.Parent); err != nil {
			return chain.NewLeaf{}, fmt.Errorf("parent: %w", err)
		}
	}
	leaf := chain.NewLeaf{
		Hash:    hash,
		Parent:  parent,
		Number:  b.Number,
		Session: session.Index(b.Session),
		Tick:    tick.Tick(b.Tick),
	}
	for i, c := range b.Candidates {
		h, err := crypto.HashFromHex(c)
		if err != nil {
			return chain.NewLeaf{}, fmt.Errorf("candidate %d: %w", i, err)
		}
		leaf.Candidates = append(leaf.Candidates, h)
	}
	return leaf, nil
}

// SessionRequest is the body of PUT /sessions/{index}. Validator keys are hex
// encoded.
type SessionRequest struct {
	Validators      []string `json:"validators"`
	NumTranches     uint32   `json:"num_tranches"`
	NoShowDelay     uint64   `json:"no_show_delay"`
	NeededApprovals uint32   `json:"needed_approvals"`
}

func (s SessionRequest) info() (session.Info, error) {
	info := session.Info{
		NumTranches:     s.NumTranches,
		NoShowDelay:     tick.Tick(s.NoShowDelay),
		NeededApprovals: s.NeededApprovals,
	}
	for i, v := range s.Validators {
		key, err := hex.DecodeString(strings.TrimPrefix(v, "0x"))
		if err != nil {
			return session.Info{}, fmt.Errorf("validator %d: %w", i, err)
		}
		info.Validators = append(info.Validators, ed25519.PublicKey(key))
	}
	return info, nil
}

// BlockResponse describes a tracked block.
type BlockResponse struct {
	Hash    string `json:"hash"`
	Number  uint32 `json:"number"`
	Session uint32 `json:"session"`
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ImportBlock handles POST /blocks.
func (h *Handler) ImportBlock(w http.ResponseWriter, r *http.Request) {
	var req BlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request payload"))
		return
	}
	leaf, err := req.leaf()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Chain.ImportBlock(r.Context(), leaf); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	log.Root.Debug().Stringer("block", leaf.Hash).Uint32("number", leaf.Number).Msg("block imported via api")
	writeJSON(w, http.StatusAccepted, BlockResponse{Hash: leaf.Hash.Hex(), Number: leaf.Number, Session: uint32(leaf.Session)})
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	if err := h.Chain.Finalize(r.Context(), hash); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) Revert(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	if err := h.Chain.Revert(r.Context(), hash); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ApprovedAncestor handles GET /blocks/{hash}/approved-ancestor.
func (h *Handler) ApprovedAncestor(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	b, found := h.Approvals.ApprovedAncestor(hash)
	if !found {
		writeError(w, http.StatusNotFound, errors.New("no approved ancestor"))
		return
	}
	writeJSON(w, http.StatusOK, BlockResponse{Hash: b.Hash.Hex(), Number: b.Number, Session: uint32(b.Session)})
}

func (h *Handler) CandidateStatus(w http.ResponseWriter, r *http.Request) {
	hash, ok := hashParam(w, r)
	if !ok {
		return
	}
	idx, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("candidate index: %w", err))
		return
	}
	status, err := h.Approvals.ApprovalStatus(approval.CandidateKey{Block: hash, Index: uint32(idx)})
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

// PutSession handles PUT /sessions/{index}.
func (h *Handler) PutSession(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("session index: %w", err))
		return
	}
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request payload"))
		return
	}
	info, err := req.info()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Sessions.Put(session.Index(idx), info); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func hashParam(w http.ResponseWriter, r *http.Request) (crypto.Hash, bool) {
	hash, err := crypto.HashFromHex(mux.Vars(r)["hash"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return crypto.Hash{}, false
	}
	return hash, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Root.Warn().Err(err).Msg("failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
