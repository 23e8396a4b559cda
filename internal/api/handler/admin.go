package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/api/middleware"
	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/api/response"
	"github.com/pumpsync/pumpsync/internal/featureflags"
)

// FlagStore reads and updates feature flags.
type FlagStore interface {
	GetAllFlags(ctx context.Context) []featureflags.Flag
	SetFlags(ctx context.Context, updates map[string]bool, operator, reason string) error
	DeleteFlag(ctx context.Context, key string) error
}

// AdminHandler handles interlock administration.
type AdminHandler struct {
	flags  FlagStore
	logger zerolog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(flags FlagStore, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		flags:  flags,
		logger: logger.With().Str("component", "admin_api").Logger(),
	}
}

// ListFlags handles GET /v1/admin/flags.
func (h *AdminHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	response.OK(w, r, models.NewFlagList(h.flags.GetAllFlags(r.Context())))
}

// UpdateFlags handles PUT /v1/admin/flags.
func (h *AdminHandler) UpdateFlags(w http.ResponseWriter, r *http.Request) {
	var input models.FlagUpdateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if errs := input.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "invalid flag update", errs)
		return
	}

	operator := middleware.GetOperator(r.Context())
	if err := h.flags.SetFlags(r.Context(), input.Flags, operator, input.Reason); err != nil {
		h.logger.Error().Err(err).Str("operator", operator).Msg("failed to update flags")
		response.InternalError(w, r, "failed to update flags")
		return
	}

	response.OK(w, r, models.NewFlagList(h.flags.GetAllFlags(r.Context())))
}

// DeleteFlag handles DELETE /v1/admin/flags/{key}, reverting the flag to its default.
func (h *AdminHandler) DeleteFlag(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !featureflags.ValidKey(key) {
		response.NotFound(w, r, "unknown feature flag")
		return
	}

	if err := h.flags.DeleteFlag(r.Context(), key); err != nil {
		if errors.Is(err, featureflags.ErrFlagNotFound) {
			response.NotFound(w, r, "feature flag is not set")
			return
		}
		h.logger.Error().Err(err).Str("flag", key).Msg("failed to delete flag")
		response.InternalError(w, r, "failed to delete flag")
		return
	}

	h.logger.Info().
		Str("flag", key).
		Str("operator", middleware.GetOperator(r.Context())).
		Msg("feature flag reset")
	w.WriteHeader(http.StatusNoContent)
}
