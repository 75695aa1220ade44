package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ownai/ownai/internal/model"
	"github.com/ownai/ownai/internal/service/knowledge"
)

// HandleListKnowledge handles GET /v1/knowledge.
func (h *Handlers) HandleListKnowledge(w http.ResponseWriter, r *http.Request) {
	items, err := h.db.ListKnowledge(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	writeList(w, r, items)
}

// HandleGetKnowledge handles GET /v1/knowledge/{id}.
func (h *Handlers) HandleGetKnowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	k, err := h.db.GetKnowledge(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	writeJSON(w, r, http.StatusOK, k)
}

// HandleCreateKnowledge handles POST /v1/knowledge. Without an explicit
// embeddings provider the collection is bound to the server's.
func (h *Handlers) HandleCreateKnowledge(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeKnowledge(w, r)
	if !ok {
		return
	}
	embeddings := strings.ToLower(strings.TrimSpace(req.Embeddings))
	if embeddings == "" {
		embeddings = h.embeddings
	}
	created, err := h.db.CreateKnowledge(r.Context(), model.Knowledge{
		Name:       req.Name,
		Embeddings: embeddings,
		ChunkSize:  req.ChunkSize,
		IsPublic:   req.IsPublic,
	})
	if err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	h.logger.Info("knowledge created", "knowledge_id", created.ID, "embeddings", created.Embeddings)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleUpdateKnowledge handles PUT /v1/knowledge/{id}. The embeddings
// provider cannot change once passages may exist.
func (h *Handlers) HandleUpdateKnowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	req, ok := h.decodeKnowledge(w, r)
	if !ok {
		return
	}
	updated, err := h.db.UpdateKnowledge(r.Context(), model.Knowledge{
		ID:        id,
		Name:      req.Name,
		ChunkSize: req.ChunkSize,
		IsPublic:  req.IsPublic,
	})
	if err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeleteKnowledge handles DELETE /v1/knowledge/{id}.
func (h *Handlers) HandleDeleteKnowledge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeleteKnowledge(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	h.logger.Info("knowledge deleted", "knowledge_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleListDocuments handles GET /v1/knowledge/{id}/documents.
func (h *Handlers) HandleListDocuments(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.db.GetKnowledge(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	passages, err := h.db.ListPassages(r.Context(), id, queryLimit(r, 100), queryOffset(r))
	if err != nil {
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	writeList(w, r, passages)
}

// HandleAddDocument handles POST /v1/knowledge/{id}/documents.
func (h *Handlers) HandleAddDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if h.ingester == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "document ingestion is not configured")
		return
	}

	var req model.DocumentRequest
	if err := decodeJSON(w, r, &req, model.MaxDocumentBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "the property \"text\" is required")
		return
	}

	n, err := h.ingester.Ingest(r.Context(), id, req.Source, req.Text)
	if err != nil {
		if errors.Is(err, knowledge.ErrProviderMismatch) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
			return
		}
		h.writeStoreError(w, r, err, "knowledge")
		return
	}
	h.logger.Info("document ingested", "knowledge_id", id, "source", req.Source, "passages", n)
	writeJSON(w, r, http.StatusCreated, model.DocumentResponse{KnowledgeID: id, Passages: n})
}

// HandleDeleteDocument handles DELETE /v1/knowledge/{id}/documents/{passage_id}.
func (h *Handlers) HandleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	passageID, ok := pathID(w, r, "passage_id")
	if !ok {
		return
	}
	if err := h.db.DeletePassage(r.Context(), id, passageID); err != nil {
		h.writeStoreError(w, r, err, "passage")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) decodeKnowledge(w http.ResponseWriter, r *http.Request) (model.KnowledgeRequest, bool) {
	var req model.KnowledgeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return req, false
	}
	if err := model.ValidateKnowledgeRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return req, false
	}
	return req, true
}
