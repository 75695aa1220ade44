package server

import (
	"net/http"

	"github.com/ownai/ownai/internal/auth"
	"github.com/ownai/ownai/internal/model"
)

// HandleGetExternalProviders handles GET /v1/settings/external-providers.
// Every accepted key is listed; unset keys map to "".
func (h *Handlers) HandleGetExternalProviders(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	stored, err := h.db.GetSettings(r.Context(), claims.UserID(), model.SettingsExternalProviders)
	if err != nil {
		h.writeStoreError(w, r, err, "settings")
		return
	}
	out := make(map[string]string, len(model.ExternalProviderEnvVars))
	for _, name := range model.ExternalProviderEnvVars {
		out[name] = stored[name]
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleUpdateExternalProviders handles PUT /v1/settings/external-providers.
// The body replaces the user's settings; unknown keys are rejected and blank
// values clear a key. The cached pipeline is dropped because its build may
// carry the old credentials.
func (h *Handlers) HandleUpdateExternalProviders(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var values map[string]string
	if err := decodeJSON(w, r, &values, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	for name := range values {
		if !model.IsExternalProviderEnvVar(name) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown setting: "+name)
			return
		}
	}
	if err := h.db.ReplaceSettings(r.Context(), claims.UserID(), model.SettingsExternalProviders,
		values, model.ExternalProviderEnvVars); err != nil {
		h.writeStoreError(w, r, err, "settings")
		return
	}
	h.cache.Invalidate(nil)
	h.HandleGetExternalProviders(w, r)
}

// HandleChangePassword handles PUT /v1/settings/password.
func (h *Handlers) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	var req model.ChangePasswordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	user, err := h.db.GetUser(r.Context(), claims.UserID())
	if err != nil {
		h.writeStoreError(w, r, err, "user")
		return
	}
	if ok, err := auth.VerifyPassword(req.CurrentPassword, user.PassHash); err != nil || !ok {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "current password is wrong")
		return
	}
	if err := model.ValidateNewPassword(req.NewPassword); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		h.logger.Error("auth: hash password", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}
	if err := h.db.SetPassword(r.Context(), user.ID, hash); err != nil {
		h.writeStoreError(w, r, err, "user")
		return
	}
	h.logger.Info("password changed", "user", user.Username)
	w.WriteHeader(http.StatusNoContent)
}
