// Package api exposes a node over HTTP: cluster membership through the
// switchboard and the document operations of the shards the node hosts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/fhaynes/saga/internal/ingest"
	"github.com/fhaynes/saga/internal/manager"
	"github.com/fhaynes/saga/internal/shard"
	apperrors "github.com/fhaynes/saga/pkg/errors"
	"github.com/fhaynes/saga/pkg/logger"
)

const maxRequestBody = 2 << 20

// NodeLister answers LIST_NODES. The switchboard is the production one.
type NodeLister interface {
	ListNodes(ctx context.Context) ([]string, error)
}

type Handler struct {
	nodes  NodeLister
	shards *manager.Directory
	logger *slog.Logger
}

func NewHandler(nodes NodeLister, shards *manager.Directory) *Handler {
	return &Handler{
		nodes:  nodes,
		shards: shards,
		logger: slog.Default().With("component", "api-handler"),
	}
}

// DocumentRequest is the body of a document write.
type DocumentRequest struct {
	ID   *uint64 `json:"id"`
	Body string  `json:"body"`
}

// DocumentResponse describes a stored document.
type DocumentResponse struct {
	Index     string              `json:"index"`
	ShardType shard.ShardType     `json:"shard_type"`
	ID        uint64              `json:"id"`
	Body      string              `json:"body"`
	Locations map[string][]uint64 `json:"locations,omitempty"`
}

type ShardInfo struct {
	Index     string          `json:"index"`
	ShardType shard.ShardType `json:"shard_type"`
}

// ListNodes returns every node registered with the metadata server.
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.ListNodes(r.Context())
	if err != nil {
		logger.FromContext(r.Context()).Error("listing nodes failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing nodes failed")
		return
	}
	if nodes == nil {
		nodes = []string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

// ListShards returns the shards hosted by this node.
func (h *Handler) ListShards(w http.ResponseWriter, r *http.Request) {
	shards := h.shards.Shards()
	out := make([]ShardInfo, len(shards))
	for i, s := range shards {
		out[i] = ShardInfo{Index: s.Index, ShardType: s.Type}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"shards": out})
}

// IndexDocument stores the posted document in the requested shard.
func (h *Handler) IndexDocument(w http.ResponseWriter, r *http.Request) {
	target, client, ok := h.lookup(w, r)
	if !ok {
		return
	}
	var req DocumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": map[string]string{"id": "id is required"},
		})
		return
	}
	event := ingest.IngestEvent{
		Index:      target.Index,
		DocumentID: *req.ID,
		Body:       req.Body,
		ShardType:  target.Type.String(),
	}
	if err := ingest.Validate(&event); err != nil {
		var verr *ingest.ValidationError
		if errors.As(err, &verr) {
			h.writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":  "validation failed",
				"fields": verr.Fields,
			})
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := logger.FromContext(r.Context())
	indexed, err := client.Index(r.Context(), event.Document())
	if err != nil {
		log.Error("indexing failed", "shard", target.String(), "doc_id", event.DocumentID, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "indexing failed")
		return
	}
	if !indexed {
		log.Error("shard rejected document", "shard", target.String(), "doc_id", event.DocumentID)
		h.writeError(w, http.StatusInternalServerError, "document was not stored")
		return
	}
	log.Info("document indexed", "shard", target.String(), "doc_id", event.DocumentID)
	h.writeJSON(w, http.StatusCreated, DocumentResponse{
		Index:     target.Index,
		ShardType: target.Type,
		ID:        event.DocumentID,
		Body:      event.Body,
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	target, client, ok := h.lookup(w, r)
	if !ok {
		return
	}
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := client.Fetch(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, "fetching document failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, DocumentResponse{
		Index:     target.Index,
		ShardType: target.Type,
		ID:        id,
		Body:      doc.Raw,
		Locations: doc.Locations,
	})
}

func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	_, client, ok := h.lookup(w, r)
	if !ok {
		return
	}
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	if err := client.Delete(r.Context(), id); err != nil {
		h.writeAppError(w, r, "deleting document failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats reports document counts for the shard.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	_, client, ok := h.lookup(w, r)
	if !ok {
		return
	}
	stats, err := client.Stats(r.Context())
	if err != nil {
		h.writeAppError(w, r, "collecting stats failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// TermCount reports how many documents in the shard contain a term.
func (h *Handler) TermCount(w http.ResponseWriter, r *http.Request) {
	_, client, ok := h.lookup(w, r)
	if !ok {
		return
	}
	term := r.PathValue("term")
	n, err := client.TermCount(r.Context(), term)
	if err != nil {
		h.writeAppError(w, r, "counting term failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"term": term, "documents": n})
}

// lookup resolves the {index} path value and the optional ?shard= query to
// a hosted shard. It writes the error response itself.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (shard.Shard, *manager.Client, bool) {
	t := shard.Primary
	if q := r.URL.Query().Get("shard"); q != "" {
		parsed, err := shard.ParseShardType(q)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return shard.Shard{}, nil, false
		}
		t = parsed
	}
	target := shard.New(r.PathValue("index"), t)
	client, err := h.shards.Lookup(target.Index, target.Type)
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), "shard "+target.String()+" is not hosted here")
		return shard.Shard{}, nil, false
	}
	return target, client, true
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeAppError(w, r, "", apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest,
			"document id %q must be an unsigned integer", raw))
		return 0, false
	}
	return id, true
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(msg, "error", err, "status_code", status)
	}
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		msg = appErr.Message
	case status == http.StatusNotFound:
		msg = err.Error()
	}
	h.writeError(w, status, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
