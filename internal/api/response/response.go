// Package response writes JSON and problem+json bodies for API handlers.
package response

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pumpsync/pumpsync/internal/api/middleware"
	"github.com/pumpsync/pumpsync/internal/api/models"
	"github.com/pumpsync/pumpsync/internal/pump"
)

// JSON writes a JSON response with the given status code and the request id header.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if requestID := middleware.GetRequestID(r.Context()); requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// OK writes a 200 JSON response.
func OK(w http.ResponseWriter, r *http.Request, data interface{}) {
	JSON(w, r, http.StatusOK, data)
}

// Error writes a problem response for the request path.
func Error(w http.ResponseWriter, r *http.Request, problem *models.Problem) {
	problem.Instance = r.URL.Path
	problem.Write(w)
}

func BadRequest(w http.ResponseWriter, r *http.Request, detail string, errors []models.FieldError) {
	Error(w, r, models.NewBadRequest(middleware.GetRequestID(r.Context()), detail, errors))
}

func NotFound(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewNotFound(middleware.GetRequestID(r.Context()), detail))
}

func InternalError(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewInternalError(middleware.GetRequestID(r.Context()), detail))
}

func ServiceUnavailable(w http.ResponseWriter, r *http.Request, detail string) {
	Error(w, r, models.NewServiceUnavailable(middleware.GetRequestID(r.Context()), detail))
}

// PumpError writes the problem matching a pump manager error.
func PumpError(w http.ResponseWriter, r *http.Request, err error) {
	Error(w, r, ProblemFor(middleware.GetRequestID(r.Context()), err))
}

// ProblemFor maps a pump manager error to a problem. Errors from devices
// that cannot be reached are 503, refusals due to pump or data state are
// 409, and a delivered dose missing from the ledger is reported distinctly
// so it is never retried blindly.
func ProblemFor(traceID string, err error) *models.Problem {
	detail := err.Error()
	switch {
	case errors.Is(err, pump.ErrDoseNotRecorded):
		return models.NewDoseNotRecorded(traceID, detail)
	case errors.Is(err, pump.ErrInvalidBolus):
		return models.NewBadRequest(traceID, detail, []models.FieldError{{Field: "units", Message: detail, Code: "OUT_OF_RANGE"}})
	case errors.Is(err, pump.ErrCommandInFlight),
		errors.Is(err, pump.ErrBolusInProgress),
		errors.Is(err, pump.ErrSuspended),
		errors.Is(err, pump.ErrData):
		return models.NewConflict(traceID, detail)
	case errors.Is(err, pump.ErrConnection),
		errors.Is(err, pump.ErrCommunication),
		errors.Is(err, pump.ErrStopped),
		errors.Is(err, context.DeadlineExceeded):
		return models.NewServiceUnavailable(traceID, detail)
	default:
		return models.NewInternalError(traceID, detail)
	}
}
