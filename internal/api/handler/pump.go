package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/api/middleware"
	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/api/response"
	"github.com/pumpsync/pumpsync/internal/ledger"
	"github.com/pumpsync/pumpsync/internal/pump"
)

const maxListLimit = 500

// LedgerReader lists committed doses and stored CGM samples.
type LedgerReader interface {
	ListDoses(ctx context.Context, deviceID string, opts ledger.ListOptions) ([]pump.DoseEntry, error)
	ListGlucose(ctx context.Context, deviceID string, opts ledger.ListOptions) ([]pump.GlucoseSample, error)
}

// Interlocks gates operator commands. A nil Interlocks allows everything.
type Interlocks interface {
	BolusAllowed(ctx context.Context, deviceID string) bool
	TroubleshootAllowed(ctx context.Context, deviceID string) bool
}

// PumpHandler handles per-device status and command endpoints.
type PumpHandler struct {
	pumps      *Pumps
	ledger     LedgerReader
	interlocks Interlocks
	logger     zerolog.Logger
}

// NewPumpHandler creates a new PumpHandler.
func NewPumpHandler(pumps *Pumps, store LedgerReader, interlocks Interlocks, logger zerolog.Logger) *PumpHandler {
	return &PumpHandler{
		pumps:      pumps,
		ledger:     store,
		interlocks: interlocks,
		logger:     logger.With().Str("component", "pump_api").Logger(),
	}
}

// ListPumps handles GET /v1/pumps.
func (h *PumpHandler) ListPumps(w http.ResponseWriter, r *http.Request) {
	statuses := make([]models.PumpStatus, 0, len(h.pumps.All()))
	for _, p := range h.pumps.All() {
		view, err := p.Snapshot(r.Context())
		if err != nil {
			response.PumpError(w, r, err)
			return
		}
		statuses = append(statuses, models.NewPumpStatus(view, p.BolusState()))
	}
	response.OK(w, r, map[string]interface{}{"pumps": statuses})
}

// GetStatus handles GET /v1/pumps/{deviceId}.
func (h *PumpHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	view, err := p.Snapshot(r.Context())
	if err != nil {
		response.PumpError(w, r, err)
		return
	}
	response.OK(w, r, models.NewPumpStatus(view, p.BolusState()))
}

// EnactBolus handles POST /v1/pumps/{deviceId}/bolus. The response is sent
// only after the dose is delivered and committed to the ledger.
func (h *PumpHandler) EnactBolus(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.interlocks != nil && !h.interlocks.BolusAllowed(r.Context(), p.DeviceID()) {
		h.commandsDisabled(w, r, p, "bolus")
		return
	}

	var input models.BolusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&input); err != nil {
		response.BadRequest(w, r, "invalid JSON body", nil)
		return
	}
	if errs := input.Validate(); len(errs) > 0 {
		response.BadRequest(w, r, "invalid bolus request", errs)
		return
	}

	logger := h.logger.With().
		Str("device_id", p.DeviceID()).
		Str("operator", middleware.GetOperator(r.Context())).
		Float64("units", *input.Units).
		Logger()

	logger.Info().Msg("bolus requested")
	if err := p.EnactBolus(r.Context(), *input.Units); err != nil {
		logger.Error().Err(err).Str("state", p.BolusState().String()).Msg("bolus failed")
		response.PumpError(w, r, err)
		return
	}
	logger.Info().Msg("bolus committed")

	response.OK(w, r, models.BolusResponse{
		DeviceID: p.DeviceID(),
		Units:    *input.Units,
		State:    p.BolusState().String(),
	})
}

// Troubleshoot handles POST /v1/pumps/{deviceId}/troubleshoot.
func (h *PumpHandler) Troubleshoot(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if h.interlocks != nil && !h.interlocks.TroubleshootAllowed(r.Context(), p.DeviceID()) {
		h.commandsDisabled(w, r, p, "troubleshoot")
		return
	}

	action, err := p.Troubleshoot(r.Context())
	if err != nil {
		response.PumpError(w, r, err)
		return
	}

	h.logger.Info().
		Str("device_id", p.DeviceID()).
		Str("operator", middleware.GetOperator(r.Context())).
		Str("action", action.String()).
		Msg("troubleshoot requested")

	response.OK(w, r, models.TroubleshootResponse{DeviceID: p.DeviceID(), Action: action.String()})
}

func (h *PumpHandler) commandsDisabled(w http.ResponseWriter, r *http.Request, p Pump, command string) {
	h.logger.Warn().
		Str("device_id", p.DeviceID()).
		Str("operator", middleware.GetOperator(r.Context())).
		Str("command", command).
		Msg("command blocked by interlock")
	response.Error(w, r, models.NewCommandsDisabled(middleware.GetRequestID(r.Context()), command+" commands are disabled for this device"))
}

// ListDoses handles GET /v1/pumps/{deviceId}/doses?since=&limit=.
func (h *PumpHandler) ListDoses(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	opts, errs := parseListOptions(r)
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid query parameters", errs)
		return
	}

	entries, err := h.ledger.ListDoses(r.Context(), p.DeviceID(), opts)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", p.DeviceID()).Msg("listing doses")
		response.InternalError(w, r, "failed to read the dose ledger")
		return
	}
	response.OK(w, r, models.NewDoseList(p.DeviceID(), entries))
}

// ListGlucose handles GET /v1/pumps/{deviceId}/glucose?since=&limit=.
func (h *PumpHandler) ListGlucose(w http.ResponseWriter, r *http.Request) {
	p, ok := h.lookup(w, r)
	if !ok {
		return
	}

	opts, errs := parseListOptions(r)
	if len(errs) > 0 {
		response.BadRequest(w, r, "invalid query parameters", errs)
		return
	}

	samples, err := h.ledger.ListGlucose(r.Context(), p.DeviceID(), opts)
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", p.DeviceID()).Msg("listing glucose")
		response.InternalError(w, r, "failed to read glucose samples")
		return
	}
	response.OK(w, r, models.NewGlucoseList(p.DeviceID(), samples))
}

func (h *PumpHandler) lookup(w http.ResponseWriter, r *http.Request) (Pump, bool) {
	deviceID := chi.URLParam(r, "deviceId")
	p, ok := h.pumps.Get(deviceID)
	if !ok {
		response.NotFound(w, r, "unknown device "+strconv.Quote(deviceID))
	}
	return p, ok
}

func parseListOptions(r *http.Request) (ledger.ListOptions, []models.FieldError) {
	var (
		opts ledger.ListOptions
		errs []models.FieldError
	)
	query := r.URL.Query()

	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			errs = append(errs, models.FieldError{Field: "since", Message: "must be an RFC 3339 timestamp", Code: "INVALID_FORMAT"})
		}
		opts.Since = since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxListLimit {
			errs = append(errs, models.FieldError{Field: "limit", Message: "must be between 1 and 500", Code: "OUT_OF_RANGE"})
		}
		opts.Limit = limit
	}
	return opts, errs
}
