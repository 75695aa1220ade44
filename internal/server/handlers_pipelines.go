package server

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/ownai/ownai/internal/chain"
	"github.com/ownai/ownai/internal/model"
)

// HandleListPipelines handles GET /v1/pipelines.
func (h *Handlers) HandleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.db.ListPipelines(r.Context())
	if err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	writeList(w, r, pipelines)
}

// HandleGetPipeline handles GET /v1/pipelines/{id}.
func (h *Handlers) HandleGetPipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.db.GetPipeline(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// HandleCreatePipeline handles POST /v1/pipelines.
func (h *Handlers) HandleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := h.decodePipeline(w, r)
	if !ok {
		return
	}
	created, err := h.db.CreatePipeline(r.Context(), p)
	if err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	h.logger.Info("pipeline created", "pipeline_id", created.ID, "name", created.Name)
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleUpdatePipeline handles PUT /v1/pipelines/{id}. The cached build of
// the pipeline is dropped here and, through the notification, on every
// other instance.
func (h *Handlers) HandleUpdatePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, ok := h.decodePipeline(w, r)
	if !ok {
		return
	}
	p.ID = id
	updated, err := h.db.UpdatePipeline(r.Context(), p)
	if err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	h.cache.Invalidate(&id)
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleDeletePipeline handles DELETE /v1/pipelines/{id}.
func (h *Handlers) HandleDeletePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.db.DeletePipeline(r.Context(), id); err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	h.cache.Invalidate(&id)
	h.logger.Info("pipeline deleted", "pipeline_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleImportAifile handles POST /v1/pipelines/import. The body is an
// aifile, JSON or YAML by Content-Type; a pipeline with the same name is
// replaced.
func (h *Handlers) HandleImportAifile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := chain.ParseAifile(data, isYAMLRequest(r))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	p, err := pipelineFromAifile(a)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	saved, created, err := h.db.UpsertPipelineByName(r.Context(), p)
	if err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	} else {
		h.cache.Invalidate(&saved.ID)
	}
	writeJSON(w, r, status, saved)
}

// HandleExportAifile handles GET /v1/pipelines/{id}/aifile.
func (h *Handlers) HandleExportAifile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.db.GetPipeline(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err, "pipeline")
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Name+".aifile"))
	writeJSON(w, r, http.StatusOK, chain.Aifile{
		Name:          p.Name,
		AifileVersion: chain.MaxAifileVersion,
		Chain:         p.Chain,
		Greeting:      p.Greeting,
		InputLabels:   p.InputLabels,
	})
}

// HandleCacheStatus handles GET /v1/cache.
func (h *Handlers) HandleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.cacheStatus(false))
}

// HandleInvalidateAll handles POST /v1/cache/invalidate.
func (h *Handlers) HandleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	h.invalidate(w, r, nil)
}

// HandleInvalidatePipeline handles POST /v1/cache/invalidate/{id}.
func (h *Handlers) HandleInvalidatePipeline(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	h.invalidate(w, r, &id)
}

func (h *Handlers) invalidate(w http.ResponseWriter, r *http.Request, id *int64) {
	cleared := h.cache.Invalidate(id)
	if err := h.db.NotifyPipelineChanged(r.Context(), id); err != nil {
		h.logger.Warn("cache: notify other instances", "error", err)
	}
	writeJSON(w, r, http.StatusOK, h.cacheStatus(cleared))
}

func (h *Handlers) cacheStatus(invalidated bool) model.CacheStatus {
	status := model.CacheStatus{Rate: h.cache.Rate(), Invalidated: invalidated}
	if id, ok := h.cache.Current(); ok {
		status.PipelineID = &id
	}
	return status
}

// decodePipeline reads and validates a pipeline request body.
func (h *Handlers) decodePipeline(w http.ResponseWriter, r *http.Request) (model.Pipeline, bool) {
	var req model.PipelineRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return model.Pipeline{}, false
	}
	if err := model.ValidatePipelineRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Pipeline{}, false
	}
	if err := validateChain(req.Chain, req.InputKeys); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return model.Pipeline{}, false
	}
	return model.Pipeline{
		Name:        req.Name,
		InputKeys:   req.InputKeys,
		InputLabels: req.InputLabels,
		Chain:       req.Chain,
		Greeting:    req.Greeting,
		IsPublic:    req.IsPublic,
	}, true
}

// validateChain checks that the definition parses and that the stored input
// keys name known slots.
func validateChain(def []byte, inputKeys []string) error {
	root, err := chain.Parse(def)
	if err != nil {
		return err
	}
	if _, err := chain.InputSlots(root); err != nil {
		return err
	}
	_, err = chain.SlotsFromKeys(inputKeys)
	return err
}

// pipelineFromAifile derives the stored input keys from the definition.
func pipelineFromAifile(a chain.Aifile) (model.Pipeline, error) {
	keys, err := a.InputKeys()
	if err != nil {
		return model.Pipeline{}, err
	}
	return model.Pipeline{
		Name:        a.Name,
		InputKeys:   keys,
		InputLabels: a.InputLabels,
		Chain:       a.Chain,
		Greeting:    a.Greeting,
	}, nil
}

func isYAMLRequest(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return strings.HasSuffix(mt, "yaml")
}
